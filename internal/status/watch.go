package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
)

// Watcher follows one document: it emits the current state first, then each
// later change, and closes the channel after a terminal state or when ctx
// ends.
type Watcher interface {
	Watch(ctx context.Context, id uuid.UUID) (<-chan Event, error)
}

// PushWatcher streams broadcast events on top of the stored snapshot. The
// feed may drop events for slow subscribers, so the snapshot is also
// re-read every resync interval; a missed terminal event still ends the
// watch.
type PushWatcher struct {
	store  Store
	bus    Broadcaster
	resync time.Duration
}

func NewPushWatcher(store Store, bus Broadcaster, resync time.Duration) *PushWatcher {
	if resync <= 0 {
		resync = 5 * time.Second
	}
	return &PushWatcher{store: store, bus: bus, resync: resync}
}

func (w *PushWatcher) Watch(ctx context.Context, id uuid.UUID) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Subscribe before reading the snapshot so a transition landing in
	// between is seen by one or the other.
	events, err := w.bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	snap, err := w.store.Load(ctx, id)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load status: %w", err)
	}

	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer cancel()

		if !send(ctx, out, snap) || snap.Status.Terminal() {
			return
		}
		last := snap
		ticker := time.NewTicker(w.resync)
		defer ticker.Stop()
		for {
			var ev Event
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					// subscription gone; the resync keeps the watch going
					events = nil
					continue
				}
				if e.DocumentID != id || !e.Timestamp.After(last.Timestamp) {
					continue
				}
				ev = e
			case <-ticker.C:
				cur, err := w.store.Load(ctx, id)
				if errors.Is(err, apperr.ErrNotFound) {
					return
				}
				if err != nil || !cur.Timestamp.After(last.Timestamp) ||
					(cur.Status == last.Status && cur.Error == last.Error) {
					continue
				}
				ev = cur
			}
			last = ev
			if !send(ctx, out, ev) || ev.Status.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// WatchOwner streams every event for documents owned by owner until ctx
// ends. It backs the websocket feed, which lists documents separately.
func (w *PushWatcher) WatchOwner(ctx context.Context, owner uuid.UUID) (<-chan Event, error) {
	events, err := w.bus.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Owner != owner {
				continue
			}
			if !send(ctx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

// PollWatcher re-reads the stored snapshot on an interval and emits when it
// changes. It needs no broadcaster.
type PollWatcher struct {
	store    Store
	interval time.Duration
}

func NewPollWatcher(store Store, interval time.Duration) *PollWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollWatcher{store: store, interval: interval}
}

func (w *PollWatcher) Watch(ctx context.Context, id uuid.UUID) (<-chan Event, error) {
	snap, err := w.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}

	out := make(chan Event, 8)
	go func() {
		defer close(out)
		if !send(ctx, out, snap) || snap.Status.Terminal() {
			return
		}
		last := snap
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cur, err := w.store.Load(ctx, id)
			if err != nil {
				// deleted or unreachable; the client can reconnect
				return
			}
			if cur.Status == last.Status && cur.Error == last.Error {
				continue
			}
			last = cur
			if !send(ctx, out, cur) || cur.Status.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
