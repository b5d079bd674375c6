package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/genrebot/internal/announce"
	"github.com/MikeSquared-Agency/genrebot/internal/reconcile"
)

const genreLine = "\x0304(GENRE)\x03 (Artist-Album-WEB-2024) (\x0307Hip/Hop)"

type fakeReconciler struct {
	mu     sync.Mutex
	titles []string
	state  reconcile.State
	fault  reconcile.Fault
	panic  bool
	done   chan struct{}

	// failing titles end in a retrieval fault regardless of state.
	failing map[string]bool
}

func (f *fakeReconciler) Reconcile(_ context.Context, evt announce.Event, p announce.Parsed) reconcile.Outcome {
	f.mu.Lock()
	f.titles = append(f.titles, p.NoisyTitle)
	f.mu.Unlock()
	if f.done != nil {
		defer func() { f.done <- struct{}{} }()
	}
	if f.panic {
		panic("boom")
	}
	if f.failing[p.NoisyTitle] {
		return reconcile.Outcome{
			EventID:    evt.ID,
			State:      reconcile.StateErrored,
			Fault:      reconcile.FaultRetrieval,
			NoisyTitle: p.NoisyTitle,
			Genre:      p.GenreNormalized,
			Error:      "connection refused",
		}
	}
	state := f.state
	if state == "" {
		state = reconcile.StateAccepted
	}
	return reconcile.Outcome{EventID: evt.ID, State: state, Fault: f.fault, NoisyTitle: p.NoisyTitle, Genre: p.GenreNormalized}
}

func (f *fakeReconciler) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

type fakePublisher struct {
	outcomes []any
	err      error
}

func (f *fakePublisher) PublishOutcome(o any) error {
	f.outcomes = append(f.outcomes, o)
	return f.err
}

type fakeDeadLetters struct {
	mu         sync.Mutex
	recorded   []reconcile.Outcome
	superseded []string
	ctxErrs    []error
}

func (f *fakeDeadLetters) Record(ctx context.Context, o reconcile.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.recorded = append(f.recorded, o)
	return nil
}

func (f *fakeDeadLetters) Supersede(_ context.Context, title string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = append(f.superseded, title)
	return 1, nil
}

func (f *fakeDeadLetters) snapshot() ([]reconcile.Outcome, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reconcile.Outcome(nil), f.recorded...), append([]string(nil), f.superseded...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleMessage_FiltersSender(t *testing.T) {
	p := New("Announcer", &fakeReconciler{}, 4, discardLogger())

	assert.False(t, p.HandleMessage("someone", genreLine))
	assert.False(t, p.HandleMessage("Announcer", "just chatting"))
	assert.True(t, p.HandleMessage("Announcer", genreLine))

	s := p.Stats()
	assert.Equal(t, int64(3), s.Received)
	assert.Equal(t, int64(1), s.Parsed)
	assert.Equal(t, 1, s.QueueDepth)
}

func TestHandleMessage_DropsWhenFull(t *testing.T) {
	p := New("Announcer", &fakeReconciler{}, 1, discardLogger())

	require.True(t, p.HandleMessage("Announcer", genreLine))
	assert.False(t, p.HandleMessage("Announcer", genreLine))
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

func TestHandleRelay(t *testing.T) {
	p := New("Announcer", &fakeReconciler{}, 4, discardLogger())

	p.HandleRelay("genrebot.announce", []byte(`{"sender":"Announcer","text":"(GENRE) (Some-Title) (Rock)"}`))
	p.HandleRelay("genrebot.announce", []byte(`{"sender":"Other","text":"(GENRE) (Some-Title) (Rock)"}`))
	p.HandleRelay("genrebot.announce", []byte(`garbage`))

	assert.Equal(t, 1, p.Stats().QueueDepth)
}

func TestRun_ProcessesInArrivalOrder(t *testing.T) {
	rec := &fakeReconciler{done: make(chan struct{}, 3)}
	pub := &fakePublisher{}
	p := New("Announcer", rec, 8, discardLogger()).WithPublisher(pub)

	p.HandleMessage("Announcer", "(GENRE) (First) (Rock)")
	p.HandleMessage("Announcer", "(GENRE) (Second) (Pop)")
	p.HandleMessage("Announcer", "(GENRE) (Third) (Jazz)")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-rec.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for worker")
		}
	}
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"First", "Second", "Third"}, rec.seen())
	assert.Len(t, pub.outcomes, 3)
	assert.Equal(t, int64(3), p.Stats().Accepted)
}

func TestProcess_DeadLettersFaults(t *testing.T) {
	rec := &fakeReconciler{state: reconcile.StateErrored, fault: reconcile.FaultWrite}
	dl := &fakeDeadLetters{}
	pub := &fakePublisher{err: errors.New("nats down")}
	p := New("Announcer", rec, 1, discardLogger()).WithDeadLetters(dl).WithPublisher(pub)

	parsed, ok := announce.Parse(genreLine)
	require.True(t, ok)
	out := p.Process(context.Background(), announce.NewEvent("Announcer", genreLine), parsed)

	assert.Equal(t, reconcile.StateErrored, out.State)
	require.Len(t, dl.recorded, 1)
	assert.Equal(t, "Artist-Album-WEB-2024", dl.recorded[0].NoisyTitle)
	assert.Equal(t, "Hip_Hop", dl.recorded[0].Genre)
	assert.Equal(t, int64(1), p.Stats().Errored)
}

func TestProcess_ExhaustedIsNotDeadLettered(t *testing.T) {
	dl := &fakeDeadLetters{}
	p := New("Announcer", &fakeReconciler{state: reconcile.StateExhausted}, 1, discardLogger()).WithDeadLetters(dl)

	parsed, _ := announce.Parse(genreLine)
	p.Process(context.Background(), announce.NewEvent("Announcer", genreLine), parsed)

	assert.Empty(t, dl.recorded)
	assert.Equal(t, int64(1), p.Stats().Exhausted)
}

func TestProcess_RecoversFromPanic(t *testing.T) {
	p := New("Announcer", &fakeReconciler{panic: true}, 1, discardLogger())

	parsed, _ := announce.Parse(genreLine)
	var out reconcile.Outcome
	require.NotPanics(t, func() {
		out = p.Process(context.Background(), announce.NewEvent("Announcer", genreLine), parsed)
	})

	assert.Equal(t, reconcile.StateErrored, out.State)
	assert.Contains(t, out.Error, "boom")
	assert.Equal(t, int64(1), p.Stats().Panics)
}

func TestRun_ResumesAfterCatalogFault(t *testing.T) {
	rec := &fakeReconciler{done: make(chan struct{}, 2), failing: map[string]bool{"Broken": true}}
	pub := &fakePublisher{}
	dl := &fakeDeadLetters{}
	p := New("Announcer", rec, 8, discardLogger()).WithPublisher(pub).WithDeadLetters(dl)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.True(t, p.HandleMessage("Announcer", "(GENRE) (Broken) (Rock)"))
	require.True(t, p.HandleMessage("Announcer", "(GENRE) (Healthy) (Pop)"))

	for i := 0; i < 2; i++ {
		select {
		case <-rec.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for worker")
		}
	}

	// The worker is still alive after the fault and keeps taking work.
	ran := make(chan struct{})
	require.NoError(t, p.Serialize(ctx, func(context.Context) error {
		close(ran)
		return nil
	}))
	<-ran

	select {
	case err := <-errCh:
		t.Fatalf("worker exited early: %v", err)
	default:
	}
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"Broken", "Healthy"}, rec.seen())
	require.Len(t, pub.outcomes, 2)
	assert.Equal(t, reconcile.StateErrored, pub.outcomes[0].(reconcile.Outcome).State)
	assert.Equal(t, reconcile.StateAccepted, pub.outcomes[1].(reconcile.Outcome).State)

	recorded, superseded := dl.snapshot()
	require.Len(t, recorded, 1)
	assert.Equal(t, "Broken", recorded[0].NoisyTitle)
	assert.Equal(t, reconcile.FaultRetrieval, recorded[0].Fault)
	assert.Equal(t, []string{"Healthy"}, superseded)

	s := p.Stats()
	assert.Equal(t, int64(1), s.Errored)
	assert.Equal(t, int64(1), s.Accepted)
}

func TestProcess_RecordsFaultDuringShutdown(t *testing.T) {
	dl := &fakeDeadLetters{}
	p := New("Announcer", &fakeReconciler{state: reconcile.StateErrored, fault: reconcile.FaultWrite}, 1, discardLogger()).
		WithDeadLetters(dl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	parsed, _ := announce.Parse(genreLine)
	p.Process(ctx, announce.NewEvent("Announcer", genreLine), parsed)

	require.Len(t, dl.recorded, 1)
	assert.NoError(t, dl.ctxErrs[0])
}

func TestSerialize_RunsBetweenAnnounces(t *testing.T) {
	rec := &fakeReconciler{}
	p := New("Announcer", rec, 8, discardLogger())

	require.True(t, p.HandleMessage("Announcer", "(GENRE) (Before) (Rock)"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	var seenDuring []string
	err := p.Serialize(ctx, func(context.Context) error {
		seenDuring = rec.seen()
		return errors.New("replay failed")
	})
	assert.EqualError(t, err, "replay failed")
	assert.Equal(t, []string{"Before"}, seenDuring)

	err = p.Serialize(ctx, func(context.Context) error { panic("bad replay") })
	assert.ErrorContains(t, err, "bad replay")
	assert.Equal(t, int64(1), p.Stats().Panics)

	cancel()
	require.NoError(t, <-errCh)
}

func TestSerialize_GivesUpWithContext(t *testing.T) {
	p := New("Announcer", &fakeReconciler{}, 1, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// No worker is running, so the task is queued but never executed.
	err := p.Serialize(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
