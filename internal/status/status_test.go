package status

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/models"
)

func newTracker(t *testing.T) (*Tracker, *MemoryStore, *Hub) {
	t.Helper()
	store := NewMemoryStore()
	hub := NewHub(1024)
	return NewTracker(store, hub, nil), store, hub
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("watch did not finish; got %v", out)
		}
	}
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func statuses(evs []Event) []models.DocumentStatus {
	out := make([]models.DocumentStatus, len(evs))
	for i, ev := range evs {
		out[i] = ev.Status
	}
	return out
}

func TestTracker_Edges(t *testing.T) {
	ctx := context.Background()
	tr, store, hub := newTracker(t)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := hub.Subscribe(subCtx)
	require.NoError(t, err)

	id := uuid.New()
	store.Create(id, uuid.New())

	_, err = tr.Transition(ctx, id, models.DocStatusCompleted, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "queued -> completed")

	_, err = tr.Transition(ctx, id, models.DocStatusQueued, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "queued only via Requeue")

	_, err = tr.Transition(ctx, id, models.DocStatusProcessing, "")
	require.NoError(t, err)
	_, err = tr.Transition(ctx, id, models.DocStatusProcessing, "")
	require.NoError(t, err, "redelivery keeps processing")

	_, err = tr.Requeue(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "cannot requeue while processing")

	ev, err := tr.Transition(ctx, id, models.DocStatusFailed, "embedding retries exhausted")
	require.NoError(t, err)
	assert.Equal(t, "embedding retries exhausted", ev.Error)

	_, err = tr.Transition(ctx, id, models.DocStatusProcessing, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "failed is terminal")

	ev, err = tr.Requeue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DocStatusQueued, ev.Status)
	assert.Empty(t, ev.Error)

	_, err = tr.Transition(ctx, uuid.New(), models.DocStatusProcessing, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t,
		[]models.DocumentStatus{models.DocStatusProcessing, models.DocStatusFailed, models.DocStatusQueued},
		statuses(drain(events)),
		"redelivery publishes nothing",
	)
}

func TestTracker_ConcurrentTransitionsFollowStateMachine(t *testing.T) {
	ctx := context.Background()
	tr, store, hub := newTracker(t)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := hub.Subscribe(subCtx)
	require.NoError(t, err)

	id := uuid.New()
	initial := store.Create(id, uuid.New())

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				switch rand.IntN(4) {
				case 0:
					_, _ = tr.Transition(ctx, id, models.DocStatusProcessing, "")
				case 1:
					_, _ = tr.Transition(ctx, id, models.DocStatusCompleted, "")
				case 2:
					_, _ = tr.Transition(ctx, id, models.DocStatusFailed, "boom")
				case 3:
					_, _ = tr.Requeue(ctx, id)
				}
			}
		}()
	}
	wg.Wait()

	observed := drain(events)
	require.NotEmpty(t, observed)
	sort.Slice(observed, func(i, j int) bool { return observed[i].Timestamp.Before(observed[j].Timestamp) })

	prev := initial
	for _, ev := range observed {
		assert.True(t, ev.Timestamp.After(prev.Timestamp), "timestamps are strictly increasing")
		assert.True(t, Allowed(prev.Status, ev.Status), "illegal edge %s -> %s", prev.Status, ev.Status)
		prev = ev
	}
	final, err := tr.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, prev.Status, final.Status)
}

func TestPushWatcher_FollowsToTerminal(t *testing.T) {
	ctx := context.Background()
	tr, store, hub := newTracker(t)
	id := uuid.New()
	store.Create(id, uuid.New())

	ch, err := NewPushWatcher(store, hub, time.Minute).Watch(ctx, id)
	require.NoError(t, err)

	go func() {
		_, _ = tr.Transition(ctx, id, models.DocStatusProcessing, "")
		_, _ = tr.Transition(ctx, id, models.DocStatusCompleted, "")
	}()

	got := collect(t, ch)
	assert.Equal(t,
		[]models.DocumentStatus{models.DocStatusQueued, models.DocStatusProcessing, models.DocStatusCompleted},
		statuses(got),
	)
}

// lossyBus accepts every event and delivers none, like a subscriber that
// fell too far behind the feed.
type lossyBus struct{}

func (lossyBus) Publish(context.Context, Event) error { return nil }

func (lossyBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// closedBus ends every subscription straight away.
type closedBus struct{ lossyBus }

func (closedBus) Subscribe(context.Context) (<-chan Event, error) {
	ch := make(chan Event)
	close(ch)
	return ch, nil
}

func TestPushWatcher_ResyncDeliversMissedTerminalState(t *testing.T) {
	for name, bus := range map[string]Broadcaster{"dropped": lossyBus{}, "closed": closedBus{}} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			tr := NewTracker(store, bus, nil)
			id := uuid.New()
			store.Create(id, uuid.New())

			ch, err := NewPushWatcher(store, bus, 10*time.Millisecond).Watch(ctx, id)
			require.NoError(t, err)
			_, err = tr.Transition(ctx, id, models.DocStatusProcessing, "")
			require.NoError(t, err)
			_, err = tr.Transition(ctx, id, models.DocStatusFailed, "corrupt file")
			require.NoError(t, err)

			got := collect(t, ch)
			require.NotEmpty(t, got)
			assert.Equal(t, models.DocStatusQueued, got[0].Status)
			last := got[len(got)-1]
			assert.Equal(t, models.DocStatusFailed, last.Status)
			assert.Equal(t, "corrupt file", last.Error)
		})
	}
}

func TestWatchers_LateSubscriberSeesTerminalState(t *testing.T) {
	ctx := context.Background()
	tr, store, hub := newTracker(t)
	id := uuid.New()
	store.Create(id, uuid.New())
	_, err := tr.Transition(ctx, id, models.DocStatusProcessing, "")
	require.NoError(t, err)
	_, err = tr.Transition(ctx, id, models.DocStatusFailed, "corrupt file")
	require.NoError(t, err)

	for name, w := range map[string]Watcher{
		"push": NewPushWatcher(store, hub, time.Minute),
		"poll": NewPollWatcher(store, 10*time.Millisecond),
	} {
		ch, err := w.Watch(ctx, id)
		require.NoError(t, err, name)
		got := collect(t, ch)
		require.Len(t, got, 1, name)
		assert.Equal(t, models.DocStatusFailed, got[0].Status, name)
		assert.Equal(t, "corrupt file", got[0].Error, name)
	}
}

func TestPollWatcher_EmitsChanges(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTracker(t)
	id := uuid.New()
	store.Create(id, uuid.New())

	ch, err := NewPollWatcher(store, 5*time.Millisecond).Watch(ctx, id)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, models.DocStatusQueued, first.Status)

	_, err = tr.Transition(ctx, id, models.DocStatusProcessing, "")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = tr.Transition(ctx, id, models.DocStatusCompleted, "")
	require.NoError(t, err)

	got := collect(t, ch)
	require.NotEmpty(t, got)
	assert.Equal(t, models.DocStatusCompleted, got[len(got)-1].Status)
}

func TestPushWatcher_WatchOwner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr, store, hub := newTracker(t)
	mine, theirs := uuid.New(), uuid.New()
	a, b := uuid.New(), uuid.New()
	store.Create(a, mine)
	store.Create(b, theirs)

	ch, err := NewPushWatcher(store, hub, time.Minute).WatchOwner(ctx, mine)
	require.NoError(t, err)

	_, err = tr.Transition(ctx, b, models.DocStatusProcessing, "")
	require.NoError(t, err)
	_, err = tr.Transition(ctx, a, models.DocStatusProcessing, "")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, a, ev.DocumentID)
	case <-time.After(time.Second):
		t.Fatal("no event for owner")
	}

	cancel()
	for range ch {
	}
}

func TestHub_DropsOldestWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(2)
	ch, err := hub.Subscribe(ctx)
	require.NoError(t, err)

	for _, s := range []models.DocumentStatus{models.DocStatusQueued, models.DocStatusProcessing, models.DocStatusCompleted} {
		require.NoError(t, hub.Publish(ctx, Event{Status: s}))
	}

	assert.Equal(t,
		[]models.DocumentStatus{models.DocStatusProcessing, models.DocStatusCompleted},
		statuses(drain(ch)),
	)
}
