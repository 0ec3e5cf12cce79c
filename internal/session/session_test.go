package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"faceage/internal/analysis"
	"faceage/internal/capture"
)

// recorder は呼び出し順を記録する
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeLoop struct {
	rec    *recorder
	mu     sync.Mutex
	active bool
}

func (l *fakeLoop) Start(context.Context) { l.rec.add("loop.start") }

func (l *fakeLoop) Activate(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = true
	l.rec.add("loop.activate")
}

func (l *fakeLoop) Deactivate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
	l.rec.add("loop.deactivate")
}

func (l *fakeLoop) Shutdown()        { l.rec.add("loop.shutdown") }
func (l *fakeLoop) ReleaseDetector() { l.rec.add("loop.release_detector") }

func (l *fakeLoop) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

type fakeSource struct {
	rec             *recorder
	loop            *fakeLoop
	mu              sync.Mutex
	snapshots       int
	activeOnCapture bool
	releases        int
}

func (f *fakeSource) Snapshot() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loop.isActive() {
		f.activeOnCapture = true
	}
	f.snapshots++
	return []byte{0xFF, 0xD8, byte(f.snapshots), 0xFF, 0xD9}, true
}

func (f *fakeSource) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	f.rec.add("source.release")
	return nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	calls   int
	sizes   []int
	result  analysis.Result
	err     error
	blockCh chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, batch capture.Batch) (analysis.Result, error) {
	f.mu.Lock()
	f.calls++
	f.sizes = append(f.sizes, batch.Len())
	block := f.blockCh
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return analysis.Result{}, fmt.Errorf("%w: %v", analysis.ErrNetwork, ctx.Err())
		}
	}
	return f.result, f.err
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	session   *Session
	rec       *recorder
	loop      *fakeLoop
	source    *fakeSource
	submitter *fakeSubmitter
}

func testConfig() capture.Config {
	return capture.Config{SampleInterval: 5 * time.Millisecond, TotalBudget: 500 * time.Millisecond, SampleCap: 3}
}

func newFixture(t *testing.T, submitter *fakeSubmitter) *fixture {
	t.Helper()
	rec := &recorder{}
	loop := &fakeLoop{rec: rec}
	source := &fakeSource{rec: rec, loop: loop}
	s := New(context.Background(), source, loop, submitter, testConfig(), zerolog.Nop())
	t.Cleanup(func() { s.Close() })
	return &fixture{session: s, rec: rec, loop: loop, source: source, submitter: submitter}
}

func waitForMode(t *testing.T, s *Session, mode Mode) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if snap.Mode == mode {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for mode %s, current %s", mode, s.Snapshot().Mode)
	return Snapshot{}
}

func TestSession_InitialState(t *testing.T) {
	f := newFixture(t, &fakeSubmitter{})

	snap := f.session.Snapshot()
	if snap.Mode != ModeIdle {
		t.Errorf("Expected idle, got %s", snap.Mode)
	}
	if snap.ID == "" {
		t.Error("Expected session ID")
	}
	if !f.loop.isActive() {
		t.Error("Expected loop to be active in idle mode")
	}
}

func TestSession_SuccessfulAnalysis(t *testing.T) {
	want := analysis.Result{FusedAge: 30.5, DominantEmotion: "neutral"}
	f := newFixture(t, &fakeSubmitter{result: want})

	if err := f.session.StartAnalysis(); err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	if f.loop.isActive() {
		t.Error("Expected loop to be inactive while analyzing")
	}

	snap := waitForMode(t, f.session, ModeResults)
	if snap.Result == nil || *snap.Result != want {
		t.Errorf("Expected result %+v, got %+v", want, snap.Result)
	}
	if f.loop.isActive() {
		t.Error("Expected loop to stay inactive in results mode")
	}
	if f.source.activeOnCapture {
		t.Error("Loop was active when a capture happened")
	}
	if n := f.submitter.callCount(); n != 1 {
		t.Errorf("Expected exactly one submission, got %d", n)
	}
	if f.submitter.sizes[0] != 3 {
		t.Errorf("Expected 3 images, got %d", f.submitter.sizes[0])
	}
}

func TestSession_NetworkFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t, &fakeSubmitter{err: fmt.Errorf("%w: connection refused", analysis.ErrNetwork)})

	if err := f.session.StartAnalysis(); err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}

	// 解析中を経由して待機に戻る
	deadline := time.Now().Add(2 * time.Second)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap = f.session.Snapshot()
		if snap.Mode == ModeIdle && snap.LastError != "" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if snap.Mode != ModeIdle || snap.LastError == "" {
		t.Fatalf("Expected idle with last error, got %+v", snap)
	}
	if snap.Result != nil {
		t.Error("Expected no result after failure")
	}
	if !f.loop.isActive() {
		t.Error("Expected loop to be reactivated after failure")
	}

	// 手動で再試行できる
	f.submitter.mu.Lock()
	f.submitter.err = nil
	f.submitter.mu.Unlock()
	if err := f.session.StartAnalysis(); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	waitForMode(t, f.session, ModeResults)
}

func TestSession_Reanalyze(t *testing.T) {
	f := newFixture(t, &fakeSubmitter{result: analysis.Result{FusedAge: 40}})

	if err := f.session.StartAnalysis(); err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	waitForMode(t, f.session, ModeResults)

	if err := f.session.Reanalyze(); err != nil {
		t.Fatalf("Reanalyze failed: %v", err)
	}

	snap := f.session.Snapshot()
	if snap.Mode != ModeIdle {
		t.Errorf("Expected idle, got %s", snap.Mode)
	}
	if snap.Result != nil {
		t.Error("Expected result to be cleared")
	}
	if !f.loop.isActive() {
		t.Error("Expected loop to be reactivated")
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	testCases := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		act   func(s *Session) error
	}{
		{
			"待機中の再解析",
			func(*testing.T, *fixture) {},
			(*Session).Reanalyze,
		},
		{
			"解析中の解析開始",
			func(_ *testing.T, f *fixture) { f.session.StartAnalysis() },
			(*Session).StartAnalysis,
		},
		{
			"解析中の再解析",
			func(_ *testing.T, f *fixture) { f.session.StartAnalysis() },
			(*Session).Reanalyze,
		},
		{
			"結果表示中の解析開始",
			func(t *testing.T, f *fixture) {
				f.submitter.blockCh = nil
				f.session.StartAnalysis()
				waitForMode(t, f.session, ModeResults)
			},
			(*Session).StartAnalysis,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, &fakeSubmitter{blockCh: block})
			tc.setup(t, f)
			before := f.session.Snapshot().Mode

			err := tc.act(f.session)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Expected ErrInvalidTransition, got %v", err)
			}
			if after := f.session.Snapshot().Mode; after != before {
				t.Errorf("Mode changed from %s to %s on rejected request", before, after)
			}
		})
	}
}

func TestSession_CloseOrder(t *testing.T) {
	f := newFixture(t, &fakeSubmitter{})

	if err := f.session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.session.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	calls := f.rec.list()
	index := func(name string) int {
		for i, c := range calls {
			if c == name {
				return i
			}
		}
		return -1
	}

	shutdown, release, source := index("loop.shutdown"), index("loop.release_detector"), index("source.release")
	if shutdown < 0 || release < 0 || source < 0 {
		t.Fatalf("Missing teardown steps: %v", calls)
	}
	if !(shutdown < release && release < source) {
		t.Errorf("Unexpected teardown order: %v", calls)
	}
	if f.source.releases != 1 {
		t.Errorf("Expected source to be released once, got %d", f.source.releases)
	}
	if err := f.session.StartAnalysis(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestSession_CloseDuringCapture(t *testing.T) {
	submitter := &fakeSubmitter{}
	rec := &recorder{}
	loop := &fakeLoop{rec: rec}
	source := &fakeSource{rec: rec, loop: loop}
	cfg := capture.Config{SampleInterval: 10 * time.Millisecond, TotalBudget: time.Second, SampleCap: 1000}
	s := New(context.Background(), source, loop, submitter, cfg, zerolog.Nop())

	if err := s.StartAnalysis(); err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	s.Close()

	time.Sleep(50 * time.Millisecond)
	if n := submitter.callCount(); n != 0 {
		t.Errorf("Expected no submission after close, got %d", n)
	}
}

func TestSession_CloseCancelsInFlightSubmit(t *testing.T) {
	submitter := &fakeSubmitter{blockCh: make(chan struct{})}
	f := newFixture(t, submitter)

	if err := f.session.StartAnalysis(); err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for submitter.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if submitter.callCount() == 0 {
		t.Fatal("Expected submission to start")
	}

	done := make(chan struct{})
	go func() {
		f.session.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the in-flight submission")
	}

	// 中止後の完了は無視される
	if snap := f.session.Snapshot(); snap.Mode != ModeAnalyzing {
		t.Errorf("Expected completion after close to be ignored, got %s", snap.Mode)
	}
}

func TestSession_Subscribe(t *testing.T) {
	f := newFixture(t, &fakeSubmitter{result: analysis.Result{FusedAge: 22}})

	ch, unsubscribe := f.session.Subscribe()
	defer unsubscribe()

	first := <-ch
	if first.Mode != ModeIdle {
		t.Errorf("Expected initial snapshot to be idle, got %s", first.Mode)
	}

	if err := f.session.StartAnalysis(); err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.Mode == ModeResults {
				if snap.Result == nil || snap.Result.FusedAge != 22 {
					t.Errorf("Unexpected result: %+v", snap.Result)
				}
				return
			}
		case <-timeout:
			t.Fatal("Did not receive results snapshot")
		}
	}
}

func TestSession_SubscribeClosedOnClose(t *testing.T) {
	f := newFixture(t, &fakeSubmitter{})

	ch, _ := f.session.Subscribe()
	<-ch
	f.session.Close()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatal("Expected subscription channel to be closed")
	}
}
