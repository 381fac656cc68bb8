package app

import (
	"sync/atomic"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"
	"retainer_go/internal/infra"
	"retainer_go/internal/infra/feed"
)

func newFeedWorkers(cfg *infra.Config, inbox chan<- event.Event) []domain.FeedWorker {
	seq := new(atomic.Uint64)
	var workers []domain.FeedWorker

	if cfg.Feeds.Push.Enabled {
		workers = append(workers, feed.NewPushWorker(cfg.Feeds.Push.WSURL, cfg.Feeds.Push.Markets, inbox, seq))
	}

	if cfg.Feeds.Poll.Enabled {
		items := make([]domain.ItemRef, len(cfg.Feeds.Poll.Items))
		for i, it := range cfg.Feeds.Poll.Items {
			items[i] = domain.ItemRef{MarketID: it.MarketID, ItemID: it.ItemID}
		}
		workers = append(workers, feed.NewPollClient(feed.PollOptions{
			URL:             cfg.Feeds.Poll.URL,
			APIKey:          cfg.Feeds.Poll.APIKey,
			Items:           items,
			PageSize:        cfg.Feeds.Poll.PageSize,
			PollIntervalSec: cfg.Feeds.Poll.PollIntervalSec,
			RequestsPerSec:  cfg.Feeds.Poll.RequestsPerSec,
		}, inbox, seq))
	}
	return workers
}
