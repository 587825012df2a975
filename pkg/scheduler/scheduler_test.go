package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/snfs/pkg/api"
	"github.com/sidkik/snfs/pkg/errors"
	"github.com/sidkik/snfs/pkg/store"
)

// fakeClient implements api.Client with a pluggable Sync. Each completed
// call is reported on calls so tests can rendezvous with the loop.
type fakeClient struct {
	mu    sync.Mutex
	sync  func(dirty []store.Note) (api.SyncResult, error)
	calls chan []store.Note
}

func newFakeClient(sync func(dirty []store.Note) (api.SyncResult, error)) *fakeClient {
	return &fakeClient{sync: sync, calls: make(chan []store.Note, 16)}
}

func (f *fakeClient) SignIn(_ context.Context) error { return nil }

func (f *fakeClient) FullSync(_ context.Context) ([]store.RemoteChange, error) {
	return nil, nil
}

func (f *fakeClient) Sync(_ context.Context, dirty []store.Note) (api.SyncResult, error) {
	f.mu.Lock()
	sync := f.sync
	f.mu.Unlock()

	result, err := sync(dirty)
	f.calls <- dirty
	return result, err
}

func (f *fakeClient) setSync(sync func(dirty []store.Note) (api.SyncResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sync = sync
}

// confirmAll acknowledges every pushed note at its snapshotted sequence,
// the way a healthy server round trip would.
func confirmAll(dirty []store.Note) (api.SyncResult, error) {
	var result api.SyncResult
	for _, n := range dirty {
		result.Confirmed = append(result.Confirmed, store.Confirm{ID: n.ID, Seq: n.Seq})
	}
	return result, nil
}

// newTestScheduler wires a scheduler to a fake clock and returns a stop
// function that cancels the loop and waits for it to exit.
func newTestScheduler(t *testing.T, st *store.Store, client api.Client) (
	*Scheduler, clockwork.FakeClock, func()) {

	fc := clockwork.NewFakeClock()
	s := New(st, client, 30*time.Second)
	s.clock = fc

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
	return s, fc, stop
}

// awaitCall advances the fake clock by one interval and returns the dirty
// snapshot the client received for that tick.
func awaitCall(t *testing.T, fc clockwork.FakeClock, client *fakeClient) []store.Note {
	fc.BlockUntil(1)
	fc.Advance(30 * time.Second)

	select {
	case dirty := <-client.calls:
		return dirty
	case <-time.After(5 * time.Second):
		t.Fatal("sync was never called")
		return nil
	}
}

func TestTickPushesAndConfirms(t *testing.T) {
	st := store.New(".txt")
	_, err := st.Create("todo.txt")
	require.NoError(t, err)

	client := newFakeClient(confirmAll)
	_, fc, stop := newTestScheduler(t, st, client)
	defer stop()

	dirty := awaitCall(t, fc, client)
	require.Len(t, dirty, 1)
	assert.Equal(t, "todo", dirty[0].Title)

	// Once the loop is parked on the next tick, the merge has completed.
	fc.BlockUntil(1)
	assert.Empty(t, st.SnapshotDirty())
}

func TestTickMergesRemoteChanges(t *testing.T) {
	st := store.New(".txt")

	client := newFakeClient(func(_ []store.Note) (api.SyncResult, error) {
		return api.SyncResult{
			Changes: []store.RemoteChange{{
				ID:    "remote-id",
				Title: "From Elsewhere",
				Text:  "written on another device",
			}},
		}, nil
	})
	_, fc, stop := newTestScheduler(t, st, client)
	defer stop()

	awaitCall(t, fc, client)
	fc.BlockUntil(1)

	text, err := st.Read("From Elsewhere.txt")
	require.NoError(t, err)
	assert.Equal(t, "written on another device", string(text))
}

func TestSkippedCycleKeepsServing(t *testing.T) {
	st := store.New(".txt")
	_, err := st.Create("draft.txt")
	require.NoError(t, err)

	client := newFakeClient(func(_ []store.Note) (api.SyncResult, error) {
		return api.SyncResult{}, errors.NetworkError{Err: assert.AnError}
	})
	_, fc, stop := newTestScheduler(t, st, client)
	defer stop()

	awaitCall(t, fc, client)
	fc.BlockUntil(1)

	// The failed pass changed nothing: the note still lists, reads, and
	// stays queued for the next tick.
	require.Len(t, st.List(), 1)
	_, err = st.Read("draft.txt")
	assert.NoError(t, err)
	assert.Len(t, st.SnapshotDirty(), 1)

	// Once the server recovers, the very next tick pushes the same edit.
	client.setSync(confirmAll)
	dirty := awaitCall(t, fc, client)
	require.Len(t, dirty, 1)
	assert.Equal(t, "draft", dirty[0].Title)

	fc.BlockUntil(1)
	assert.Empty(t, st.SnapshotDirty())
}

func TestFlushPushesRemainingEdits(t *testing.T) {
	st := store.New(".txt")
	_, err := st.Create("parting-thought.txt")
	require.NoError(t, err)

	client := newFakeClient(confirmAll)
	s := New(st, client, 30*time.Second)

	s.Flush()

	select {
	case dirty := <-client.calls:
		require.Len(t, dirty, 1)
		assert.Equal(t, "parting-thought", dirty[0].Title)
	default:
		t.Fatal("flush did not push the dirty note")
	}
	assert.Empty(t, st.SnapshotDirty())
}

func TestFlushSkipsWhenClean(t *testing.T) {
	client := newFakeClient(confirmAll)
	s := New(store.New(".txt"), client, 30*time.Second)

	s.Flush()
	assert.Empty(t, client.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	client := newFakeClient(confirmAll)
	_, _, stop := newTestScheduler(t, store.New(".txt"), client)
	stop()
}
