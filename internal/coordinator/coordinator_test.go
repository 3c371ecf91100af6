package coordinator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/panicsense/panicwatch/internal/bus"
	"github.com/panicsense/panicwatch/internal/flags"
	"github.com/panicsense/panicwatch/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type fixture struct {
	coord       *Coordinator
	store       *flags.Memory
	clock       *fakeClock
	status      chan bus.Message
	completions chan bus.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	store := flags.NewMemory()
	clock := &fakeClock{t: time.UnixMilli(0)}

	c := New(store, b, "watch-test")
	c.now = clock.Now
	c.releaseDelay = 5 * time.Millisecond
	c.cleanupDelay = 50 * time.Millisecond
	c.finalDelay = 5 * time.Millisecond

	return &fixture{
		coord:       c,
		store:       store,
		clock:       clock,
		status:      b.Subscribe(types.TopicUploadStatus),
		completions: b.Subscribe(types.TopicUploadCompletion),
	}
}

func completeMsg(total int) types.ServerMsg {
	var p *types.Progress
	if total > 0 {
		p = &types.Progress{Processed: total - 1, Total: total, Stage: "Processing record"}
	}
	return types.ServerMsg{Type: types.MsgUploadComplete, Progress: p}
}

// recvStatus returns the next status event, skipping any upload_finished
// posted by an earlier completion's cleanup timer.
func recvStatus(t *testing.T, f *fixture) types.StatusEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-f.status:
			ev, ok := msg.Payload.(types.StatusEvent)
			if !ok {
				t.Fatalf("status payload is %T", msg.Payload)
			}
			if ev.Type == types.EventUploadFinished {
				continue
			}
			return ev
		case <-deadline:
			t.Fatal("no status event")
		}
	}
}

func assertNoStatus(t *testing.T, f *fixture) {
	t.Helper()
	select {
	case msg := <-f.status:
		t.Fatalf("unexpected status event: %+v", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFirstCompletionBroadcastsAndWritesFlags(t *testing.T) {
	f := newFixture(t)

	f.coord.Handle(completeMsg(25))

	ev := recvStatus(t, f)
	if ev.Type != types.EventUploadComplete {
		t.Errorf("status type %q, want upload_complete", ev.Type)
	}
	if !ev.IsComplete {
		t.Error("isComplete not set")
	}
	if ev.Progress == nil || ev.Progress.Processed != 25 || ev.Progress.Total != 25 {
		t.Errorf("progress not forced to 100%%: %+v", ev.Progress)
	}
	if ev.Progress.Stage != types.StageComplete {
		t.Errorf("stage %q, want %q", ev.Progress.Stage, types.StageComplete)
	}
	if ev.Timestamp != 0 {
		t.Errorf("timestamp %d, want 0", ev.Timestamp)
	}
	if ev.Source != "watch-test" {
		t.Errorf("source %q", ev.Source)
	}

	select {
	case msg := <-f.completions:
		done, ok := msg.Payload.(types.CompletionEvent)
		if !ok {
			t.Fatalf("completion payload is %T", msg.Payload)
		}
		if done.Type != types.EventAnalysisComplete {
			t.Errorf("completion type %q, want analysis_complete", done.Type)
		}
		if done.Timestamp != 0 {
			t.Errorf("completion timestamp %d, want 0", done.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	if v, _ := f.store.Get(flags.KeyUploadCompleted); v != "true" {
		t.Errorf("uploadCompleted = %q, want true", v)
	}
	if v, _ := f.store.Get(flags.KeyUploadCompletedTimestamp); v != "0" {
		t.Errorf("uploadCompletedTimestamp = %q, want 0", v)
	}
}

func TestDuplicateWithinWindowIsIgnored(t *testing.T) {
	f := newFixture(t)

	f.coord.Handle(completeMsg(25))
	recvStatus(t, f)
	<-f.completions

	f.clock.Advance(4 * time.Second)
	f.coord.Handle(completeMsg(25))

	assertNoStatus(t, f)
	select {
	case msg := <-f.completions:
		t.Fatalf("duplicate broadcast: %+v", msg.Payload)
	default:
	}
	if v, _ := f.store.Get(flags.KeyUploadCompletedTimestamp); v != "0" {
		t.Errorf("timestamp advanced on duplicate: %q", v)
	}
}

func TestCompletionOutsideWindowIsAccepted(t *testing.T) {
	f := newFixture(t)

	f.coord.Handle(completeMsg(25))
	recvStatus(t, f)
	<-f.completions

	f.clock.Advance(15 * time.Second)
	f.coord.Handle(completeMsg(40))

	ev := recvStatus(t, f)
	if ev.Timestamp != 15000 {
		t.Errorf("timestamp %d, want 15000", ev.Timestamp)
	}
	if ev.Progress.Processed != 40 {
		t.Errorf("second completion progress: %+v", ev.Progress)
	}
	if v, _ := f.store.Get(flags.KeyUploadCompletedTimestamp); v != "15000" {
		t.Errorf("uploadCompletedTimestamp = %q, want 15000", v)
	}
}

func TestMissingTotalUsesSentinel(t *testing.T) {
	f := newFixture(t)

	f.coord.Handle(types.ServerMsg{Type: types.MsgUploadComplete})

	ev := recvStatus(t, f)
	if ev.Progress == nil || ev.Progress.Processed != 100 || ev.Progress.Total != 100 {
		t.Errorf("sentinel progress wrong: %+v", ev.Progress)
	}
}

func TestProgressMessageTracksFlags(t *testing.T) {
	f := newFixture(t)

	f.coord.Handle(types.ServerMsg{
		Type:      types.MsgUploadProgress,
		SessionID: "sess-7",
		Progress:  &types.Progress{Processed: 5, Total: 25, Stage: "Processing record 5/25"},
	})

	ev := recvStatus(t, f)
	if ev.Type != types.MsgUploadProgress {
		t.Errorf("status type %q, want upload_progress", ev.Type)
	}
	if ev.IsComplete {
		t.Error("progress event marked complete")
	}

	if v, _ := f.store.Get(flags.KeyIsUploading); v != "true" {
		t.Errorf("isUploading = %q", v)
	}
	if v, _ := f.store.Get(flags.KeyUploadSessionID); v != "sess-7" {
		t.Errorf("uploadSessionId = %q", v)
	}
	raw, _ := f.store.Get(flags.KeyUploadProgress)
	var p types.Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("uploadProgress not json: %q", raw)
	}
	if p.Processed != 5 || p.Total != 25 {
		t.Errorf("stored progress %+v", p)
	}
}

func TestCompletedFlagReadableBeforeCleanup(t *testing.T) {
	f := newFixture(t)
	f.coord.cleanupDelay = 200 * time.Millisecond

	f.coord.Handle(completeMsg(10))
	recvStatus(t, f)

	for i := 0; i < 5; i++ {
		if v, _ := f.store.Get(flags.KeyUploadCompleted); v != "true" {
			t.Fatalf("uploadCompleted = %q before cleanup", v)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCleanupClearsInProgressFlags(t *testing.T) {
	f := newFixture(t)

	f.coord.Handle(types.ServerMsg{
		Type:      types.MsgUploadProgress,
		SessionID: "sess-1",
		Progress:  &types.Progress{Processed: 9, Total: 10},
	})
	recvStatus(t, f)

	f.coord.Handle(completeMsg(10))
	recvStatus(t, f)

	// Cleanup posts a final finished event and then clears the flags.
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-f.status:
			if ev, ok := msg.Payload.(types.StatusEvent); ok && ev.Type == types.EventUploadFinished {
				goto fired
			}
		case <-deadline:
			t.Fatal("cleanup never posted upload_finished")
		}
	}
fired:
	waitCleared := func(key string) {
		t.Helper()
		stop := time.Now().Add(time.Second)
		for time.Now().Before(stop) {
			if v, _ := f.store.Get(key); v == "" {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		v, _ := f.store.Get(key)
		t.Errorf("%s = %q after cleanup", key, v)
	}
	waitCleared(flags.KeyIsUploading)
	waitCleared(flags.KeyUploadProgress)
	waitCleared(flags.KeyUploadSessionID)

	// The completed flag itself survives cleanup.
	if v, _ := f.store.Get(flags.KeyUploadCompleted); v != "true" {
		t.Errorf("uploadCompleted cleared by cleanup: %q", v)
	}
}

func TestStaleCleanupLeavesNewerStateAlone(t *testing.T) {
	f := newFixture(t)

	// A newer completion owns the store.
	f.store.Set(flags.KeyUploadCompletedTimestamp, "15000")
	f.store.Set(flags.KeyIsUploading, "true")
	f.store.Set(flags.KeyUploadProgress, `{"processed":1}`)
	f.store.Set(flags.KeyUploadSessionID, "sess-2")

	// Cleanup scheduled under the old token must not clear anything.
	f.coord.runCleanup("0")

	if v, _ := f.store.Get(flags.KeyIsUploading); v != "true" {
		t.Errorf("isUploading cleared by stale cleanup")
	}
	if v, _ := f.store.Get(flags.KeyUploadSessionID); v != "sess-2" {
		t.Errorf("uploadSessionId cleared by stale cleanup")
	}
}

func TestSupersedingCompletionCancelsPendingCleanup(t *testing.T) {
	f := newFixture(t)
	f.coord.cleanupDelay = 60 * time.Millisecond

	f.coord.Handle(completeMsg(10))
	recvStatus(t, f)

	f.clock.Advance(15 * time.Second)
	f.coord.Handle(completeMsg(10))
	recvStatus(t, f)

	// Only the second completion's cleanup should fire.
	finished := 0
	timeout := time.After(500 * time.Millisecond)
	for {
		select {
		case msg := <-f.status:
			if ev, ok := msg.Payload.(types.StatusEvent); ok && ev.Type == types.EventUploadFinished {
				finished++
			}
			continue
		case <-timeout:
		}
		break
	}
	if finished != 1 {
		t.Errorf("got %d upload_finished events, want 1", finished)
	}
	if v, _ := f.store.Get(flags.KeyUploadCompletedTimestamp); v != "15000" {
		t.Errorf("uploadCompletedTimestamp = %q, want 15000", v)
	}
}

func TestFlushRunsPendingCleanupImmediately(t *testing.T) {
	f := newFixture(t)
	f.coord.cleanupDelay = time.Hour

	f.coord.Handle(types.ServerMsg{
		Type:      types.MsgUploadProgress,
		SessionID: "sess-4",
		Progress:  &types.Progress{Processed: 9, Total: 10},
	})
	recvStatus(t, f)

	f.coord.Handle(completeMsg(10))
	recvStatus(t, f)

	f.coord.Flush()

	for _, key := range []string{flags.KeyIsUploading, flags.KeyUploadProgress, flags.KeyUploadSessionID} {
		if v, _ := f.store.Get(key); v != "" {
			t.Errorf("%s = %q after flush", key, v)
		}
	}
	if v, _ := f.store.Get(flags.KeyUploadCompleted); v != "true" {
		t.Errorf("uploadCompleted cleared by flush: %q", v)
	}

	// A second flush has nothing pending and must not re-run cleanup.
	f.coord.Flush()
}

func TestFlushWithoutPendingCleanupIsNoOp(t *testing.T) {
	f := newFixture(t)

	f.store.Set(flags.KeyIsUploading, "true")
	f.coord.Flush()

	if v, _ := f.store.Get(flags.KeyIsUploading); v != "true" {
		t.Errorf("flush without a scheduled cleanup cleared flags")
	}
}

// racedStore lets a rival coordinator accept a completion between the
// timestamp read and the compare-and-swap, forcing the swap to fail.
type racedStore struct {
	*flags.Memory
	once  sync.Once
	rival func()
}

func (s *racedStore) Get(key string) (string, error) {
	v, err := s.Memory.Get(key)
	if key == flags.KeyUploadCompletedTimestamp {
		s.once.Do(s.rival)
	}
	return v, err
}

func TestLostSwapStaysSilent(t *testing.T) {
	b := bus.New()
	mem := flags.NewMemory()
	clock := &fakeClock{t: time.UnixMilli(0)}

	winner := New(mem, b, "winner")
	winner.now = clock.Now
	winner.cleanupDelay = time.Hour

	loser := New(&racedStore{
		Memory: mem,
		rival:  func() { winner.Handle(completeMsg(10)) },
	}, b, "loser")
	loser.now = clock.Now
	loser.cleanupDelay = time.Hour

	status := b.Subscribe(types.TopicUploadStatus)
	completions := b.Subscribe(types.TopicUploadCompletion)

	loser.Handle(completeMsg(10))

	// Exactly one broadcast on each topic, both from the winner.
	select {
	case msg := <-completions:
		ev, ok := msg.Payload.(types.CompletionEvent)
		if !ok {
			t.Fatalf("completion payload is %T", msg.Payload)
		}
		if ev.Source != "winner" {
			t.Errorf("completion source %q, want winner", ev.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("winner never broadcast")
	}
	select {
	case msg := <-completions:
		t.Fatalf("loser broadcast a completion: %+v", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case msg := <-status:
		ev, ok := msg.Payload.(types.StatusEvent)
		if !ok {
			t.Fatalf("status payload is %T", msg.Payload)
		}
		if ev.Source != "winner" {
			t.Errorf("status source %q, want winner", ev.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
	select {
	case msg := <-status:
		t.Fatalf("loser broadcast a status event: %+v", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}

	if v, _ := mem.Get(flags.KeyUploadCompletedTimestamp); v != "0" {
		t.Errorf("uploadCompletedTimestamp = %q, want the winner's 0", v)
	}
}

func TestOnAcceptCallback(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var got []time.Time
	f.coord.OnAccept = func(msg types.ServerMsg, acceptedAt time.Time) {
		mu.Lock()
		got = append(got, acceptedAt)
		mu.Unlock()
	}

	f.coord.Handle(completeMsg(25))
	f.clock.Advance(4 * time.Second)
	f.coord.Handle(completeMsg(25)) // duplicate, no callback

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("OnAccept called %d times, want 1", len(got))
	}
	if got[0].UnixMilli() != 0 {
		t.Errorf("acceptedAt = %d, want 0", got[0].UnixMilli())
	}
}
