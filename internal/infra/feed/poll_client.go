package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"
	"retainer_go/internal/infra"

	"golang.org/x/time/rate"
)

const maxAttempts = 3

// offeringPage is one page of the polled market endpoint.
type offeringPage struct {
	Total     int               `json:"total"`
	Page      int               `json:"page"`
	Offerings []domain.Offering `json:"offerings"`
}

// PollClient periodically queries the market endpoint for every configured
// item. Each query becomes one paginated offering request on the inbox.
type PollClient struct {
	baseURL      string
	apiKey       string
	items        []domain.ItemRef
	pageSize     int
	pollInterval time.Duration
	retryBase    time.Duration

	inbox      chan<- event.Event
	seq        *atomic.Uint64
	requestID  atomic.Uint64
	limiter    *rate.Limiter
	httpClient *http.Client

	healthy atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PollOptions configures a PollClient.
type PollOptions struct {
	URL             string
	APIKey          string
	Items           []domain.ItemRef
	PageSize        int
	PollIntervalSec int
	RequestsPerSec  float64
}

// NewPollClient creates a client sending to inbox.
func NewPollClient(opts PollOptions, inbox chan<- event.Event, seq *atomic.Uint64) *PollClient {
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	c := &PollClient{
		baseURL:      opts.URL,
		apiKey:       opts.APIKey,
		items:        opts.Items,
		pageSize:     50,
		pollInterval: 5 * time.Minute,
		retryBase:    time.Second,
		inbox:        inbox,
		seq:          seq,
		limiter:      rate.NewLimiter(rate.Limit(2), 1),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	if opts.PageSize > 0 {
		c.pageSize = opts.PageSize
	}
	if opts.PollIntervalSec > 0 {
		c.pollInterval = time.Duration(opts.PollIntervalSec) * time.Second
	}
	if opts.RequestsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	return c
}

// Connect polls every item once and then keeps polling in the background.
func (c *PollClient) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Market polling panic recovered", slog.Any("panic", r))
			}
		}()

		c.pollAll(ctx)

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Market polling stopped")
				return
			case <-ticker.C:
				c.pollAll(ctx)
			}
		}
	}()

	return nil
}

// Disconnect stops polling and waits for the loop to exit.
func (c *PollClient) Disconnect() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

// IsConnected reports whether the last poll succeeded.
func (c *PollClient) IsConnected() bool {
	return c.healthy.Load()
}

func (c *PollClient) pollAll(ctx context.Context) {
	for _, item := range c.items {
		if ctx.Err() != nil {
			return
		}
		if err := c.PollItem(ctx, item); err != nil {
			c.healthy.Store(false)
			infra.GlobalMetrics.RecordError()
			slog.Warn("Market poll failed",
				slog.Int("market", item.MarketID),
				slog.Any("item", item.ItemID),
				slog.Any("error", err))
			continue
		}
		c.healthy.Store(true)
	}
}

// PollItem fetches every page for item and sends one request-started event
// followed by one fragment per page.
func (c *PollClient) PollItem(ctx context.Context, item domain.ItemRef) error {
	first, err := c.fetchPage(ctx, item, 0)
	if err != nil {
		return err
	}

	id := c.requestID.Add(1)
	if err := c.send(ctx, event.OfferingRequestStarted{
		BaseEvent:     c.stamp(),
		RequestID:     id,
		ExpectedCount: first.Total,
		Item:          item,
	}); err != nil {
		return err
	}

	received := 0
	page := first
	for pageNo := 0; ; pageNo++ {
		if pageNo > 0 {
			if page, err = c.fetchPage(ctx, item, pageNo); err != nil {
				return fmt.Errorf("request %d page %d: %w", id, pageNo, err)
			}
		}
		if len(page.Offerings) == 0 {
			break
		}
		received += len(page.Offerings)
		if err := c.send(ctx, event.OfferingFragment{
			BaseEvent: c.stamp(),
			RequestID: id,
			Offerings: page.Offerings,
		}); err != nil {
			return err
		}
		if received >= first.Total {
			break
		}
	}

	if received < first.Total {
		slog.Warn("Market poll ended short",
			slog.Uint64("request", id),
			slog.Int("expected", first.Total),
			slog.Int("received", received))
	}
	return nil
}

func (c *PollClient) stamp() event.BaseEvent {
	return event.BaseEvent{Seq: c.seq.Add(1), Ts: time.Now()}
}

func (c *PollClient) send(ctx context.Context, ev event.Event) error {
	select {
	case c.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetchPage fetches one page with retry logic. Only retriable errors are retried.
func (c *PollClient) fetchPage(ctx context.Context, item domain.ItemRef, page int) (offeringPage, error) {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			// Exponential backoff: 1x, 2x
			delay := c.retryBase * time.Duration(1<<uint(i-1))
			slog.Info("Retrying market fetch", slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return offeringPage{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		p, err := c.doFetch(ctx, item, page)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if !domain.IsRetriable(err) {
			break
		}
		slog.Warn("Market fetch attempt failed", slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return offeringPage{}, lastErr
}

func (c *PollClient) doFetch(ctx context.Context, item domain.ItemRef, page int) (offeringPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return offeringPage{}, err
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(c.pageSize))
	endpoint := fmt.Sprintf("%s/%d/%d?%s", c.baseURL, item.MarketID, item.ItemID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return offeringPage{}, err
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return offeringPage{}, domain.NewNetworkError("fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %d", domain.ErrUnexpectedStatus, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return offeringPage{}, domain.NewNetworkError("fetch", err)
		}
		return offeringPage{}, domain.NewFatalNetworkError("fetch", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return offeringPage{}, domain.NewNetworkError("read", err)
	}

	var p offeringPage
	if err := json.Unmarshal(body, &p); err != nil {
		return offeringPage{}, fmt.Errorf("decode page: %w", err)
	}
	return p, nil
}
