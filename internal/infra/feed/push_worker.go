package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"
	"retainer_go/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second

	// A session shorter than this counts as a failed attempt.
	stableSession = 30 * time.Second

	msgListingsAdd      = "listings_add"
	msgListingsRemove   = "listings_remove"
	msgListingsSnapshot = "listings_snapshot"
	msgSessionClosed    = "session_closed"
)

// pushMessage is one update from the listing push feed. For listings_*
// events Offerings is the item's full offer set after the change; agent
// events carry the agent's occupied slots and balance.
type pushMessage struct {
	Event     string            `json:"event"`
	MarketID  int               `json:"market_id"`
	ItemID    uint32            `json:"item_id"`
	Offerings []domain.Offering `json:"offerings"`
	Timestamp int64             `json:"ts"` // unix millis

	AgentID  uint64           `json:"agent_id"`
	Balance  uint64           `json:"balance"`
	Location string           `json:"location"`
	Listings []domain.Listing `json:"listings"`
}

type subscribeMessage struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Markets []int  `json:"markets,omitempty"`
}

// PushWorker subscribes to the listing push feed and forwards offer updates
// and agent snapshots to the sequencer inbox.
type PushWorker struct {
	url       string
	markets   []int
	inbox     chan<- event.Event
	seq       *atomic.Uint64
	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	metrics   *infra.Metrics

	backoff     func(retry int) time.Duration
	stableAfter time.Duration
}

// NewPushWorker creates a worker for the given websocket URL.
func NewPushWorker(url string, markets []int, inbox chan<- event.Event, seq *atomic.Uint64) *PushWorker {
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	return &PushWorker{
		url:     url,
		markets: markets,
		inbox:   inbox,
		seq:     seq,
		metrics:     infra.GlobalMetrics,
		backoff:     infra.CalculateBackoff,
		stableAfter: stableSession,
	}
}

// Connect starts the connection loop in the background.
func (w *PushWorker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// IsConnected reports whether a websocket session is currently open.
func (w *PushWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *PushWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("Push feed connection failed", slog.Any("error", err), slog.Int("retry", retry))
			delay := w.backoff(retry)
			retry++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		started := time.Now()
		w.readLoop(ctx)
		if time.Since(started) >= w.stableAfter {
			retry = 0
			continue
		}

		delay := w.backoff(retry)
		retry++
		slog.Warn("Push feed session dropped early", slog.Duration("delay", delay), slog.Int("retry", retry))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *PushWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return domain.NewNetworkError("dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()
	w.metrics.IncrementConnections()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return domain.NewNetworkError("subscribe", err)
	}

	go w.pingLoop(ctx, conn)

	slog.Info("Push feed connected", slog.String("url", w.url), slog.Int("markets", len(w.markets)))
	return nil
}

func (w *PushWorker) subscribe() error {
	b, err := json.Marshal(subscribeMessage{Event: "subscribe", Channel: "listings", Markets: w.markets})
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *PushWorker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *PushWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				slog.Warn("Push feed ping failed", slog.Any("error", err))
				w.closeConnection()
				return
			}
		}
	}
}

func (w *PushWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("Push feed read error", slog.Any("error", err))
			w.closeConnection()
			return
		}
		w.handleMessage(ctx, msg)
	}
}

func (w *PushWorker) handleMessage(ctx context.Context, msg []byte) {
	ev, ok := decodePush(msg, w.seq)
	if !ok {
		return
	}
	select {
	case w.inbox <- ev:
	case <-ctx.Done():
	}
}

// decodePush turns a raw feed message into an inbound event.
// Unknown or malformed messages are skipped.
func decodePush(msg []byte, seq *atomic.Uint64) (event.Event, bool) {
	var m pushMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		slog.Debug("Push feed message skipped", slog.Any("error", err))
		return nil, false
	}

	ts := time.Now()
	if m.Timestamp > 0 {
		ts = time.UnixMilli(m.Timestamp)
	}

	switch m.Event {
	case msgListingsAdd, msgListingsRemove:
		if m.ItemID == 0 {
			slog.Warn("Push feed message without item", slog.String("event", m.Event))
			return nil, false
		}
		return event.OfferingsPushed{
			BaseEvent: event.BaseEvent{Seq: seq.Add(1), Ts: ts},
			Item:      domain.ItemRef{MarketID: m.MarketID, ItemID: m.ItemID},
			Offerings: m.Offerings,
		}, true

	case msgListingsSnapshot:
		if m.AgentID == 0 {
			slog.Warn("Push feed snapshot without agent")
			return nil, false
		}
		var slots domain.ListingSlots
		for _, l := range m.Listings {
			if l.SlotIndex < 0 || l.SlotIndex >= domain.SlotCount {
				slog.Warn("Push feed snapshot slot out of range",
					slog.Uint64("agent", m.AgentID),
					slog.Int("slot", l.SlotIndex))
				return nil, false
			}
			slots[l.SlotIndex] = l
		}
		return event.ListingSnapshot{
			BaseEvent: event.BaseEvent{Seq: seq.Add(1), Ts: ts},
			AgentID:   m.AgentID,
			Slots:     slots,
			Balance:   m.Balance,
			Location:  agentLocation(m.Location),
		}, true

	case msgSessionClosed:
		if m.AgentID == 0 {
			slog.Warn("Push feed session close without agent")
			return nil, false
		}
		return event.SessionClosed{
			BaseEvent: event.BaseEvent{Seq: seq.Add(1), Ts: ts},
			AgentID:   m.AgentID,
			Balance:   m.Balance,
			Location:  agentLocation(m.Location),
		}, true
	}
	return nil, false
}

// agentLocation falls back to LocationUnknown, which is taxed at the
// standard rate.
func agentLocation(name string) domain.Location {
	if name == "" {
		return domain.LocationUnknown
	}
	loc, err := domain.ParseLocation(name)
	if err != nil {
		slog.Debug("Push feed location not recognised", slog.String("location", name))
	}
	return loc
}

func (w *PushWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		w.metrics.DecrementConnections()
	}
	w.connected = false
}

// Disconnect stops the worker and waits for its goroutines.
func (w *PushWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
