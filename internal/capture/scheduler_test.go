package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSource は最初の emptyFirst 回だけ空を返すテスト用の映像ソース
type fakeSource struct {
	mu         sync.Mutex
	calls      int
	emptyFirst int
	alwaysNone bool
}

func (f *fakeSource) Snapshot() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.alwaysNone || f.calls <= f.emptyFirst {
		return nil, false
	}
	return []byte{0xFF, 0xD8, byte(f.calls), 0xFF, 0xD9}, true
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type handoffResult struct {
	batches []Batch
	at      time.Duration
}

// simulate は仮想時間でタイマーの発火順を再現する
// 撮影タイミングは k*interval、制限時間は budget。同時刻なら撮影が先。
func simulate(s *Scheduler, cfg Config) handoffResult {
	var res handoffResult

	for now := cfg.SampleInterval; now <= cfg.TotalBudget; now += cfg.SampleInterval {
		if s.sample() {
			if b, ok := s.finalize(PathEarly); ok {
				res.batches = append(res.batches, b)
				res.at = now
			}
			break
		}
	}

	if b, ok := s.finalize(PathDeadline); ok {
		res.batches = append(res.batches, b)
		res.at = cfg.TotalBudget
	}

	return res
}

func TestScheduler_AllCapturesSucceed(t *testing.T) {
	cfg := DefaultConfig()
	src := &fakeSource{}
	s := NewScheduler(cfg, src, zerolog.Nop())

	res := simulate(s, cfg)

	if len(res.batches) != 1 {
		t.Fatalf("Expected exactly 1 handoff, got %d", len(res.batches))
	}
	b := res.batches[0]
	if b.Len() != 10 {
		t.Errorf("Expected 10 images, got %d", b.Len())
	}
	if b.Path != PathEarly {
		t.Errorf("Expected early completion path, got %s", b.Path)
	}
	if res.at != 5*time.Second {
		t.Errorf("Expected handoff at 5s, got %s", res.at)
	}
}

func TestScheduler_FirstSixSnapshotsEmpty(t *testing.T) {
	cfg := DefaultConfig()
	src := &fakeSource{emptyFirst: 6}
	s := NewScheduler(cfg, src, zerolog.Nop())

	res := simulate(s, cfg)

	if len(res.batches) != 1 {
		t.Fatalf("Expected exactly 1 handoff, got %d", len(res.batches))
	}
	b := res.batches[0]
	if b.Len() != 4 {
		t.Errorf("Expected 4 images, got %d", b.Len())
	}
	if b.Path != PathDeadline {
		t.Errorf("Expected deadline path, got %s", b.Path)
	}
	if res.at != cfg.TotalBudget {
		t.Errorf("Expected handoff at %s, got %s", cfg.TotalBudget, res.at)
	}
	// 空だった撮影はやり直さない
	if src.Calls() != 10 {
		t.Errorf("Expected 10 snapshot attempts, got %d", src.Calls())
	}
}

func TestScheduler_BatchSizeNeverExceedsCap(t *testing.T) {
	testCases := []struct {
		name       string
		cfg        Config
		emptyFirst int
	}{
		{"上限より撮影機会が多い", Config{SampleInterval: 100 * time.Millisecond, TotalBudget: 5 * time.Second, SampleCap: 3}, 0},
		{"撮影機会が上限ちょうど", Config{SampleInterval: 500 * time.Millisecond, TotalBudget: 5 * time.Second, SampleCap: 10}, 0},
		{"撮影機会が上限より少ない", Config{SampleInterval: time.Second, TotalBudget: 3 * time.Second, SampleCap: 10}, 0},
		{"全て空", Config{SampleInterval: 500 * time.Millisecond, TotalBudget: 5 * time.Second, SampleCap: 10}, 100},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewScheduler(tc.cfg, &fakeSource{emptyFirst: tc.emptyFirst}, zerolog.Nop())
			res := simulate(s, tc.cfg)

			if len(res.batches) != 1 {
				t.Fatalf("Expected exactly 1 handoff, got %d", len(res.batches))
			}
			n := res.batches[0].Len()
			if n < 0 || n > tc.cfg.SampleCap {
				t.Errorf("Batch size %d out of range [0, %d]", n, tc.cfg.SampleCap)
			}
		})
	}
}

func TestScheduler_FinalizeOnlyOnce(t *testing.T) {
	s := NewScheduler(DefaultConfig(), &fakeSource{}, zerolog.Nop())

	if _, ok := s.finalize(PathEarly); !ok {
		t.Fatal("First finalize should succeed")
	}
	if _, ok := s.finalize(PathDeadline); ok {
		t.Error("Second finalize should be a no-op")
	}
	if s.Cancel() {
		t.Error("Cancel after finalize should report nothing cancelled")
	}
}

func TestScheduler_EarlyCompletionRealTimers(t *testing.T) {
	cfg := Config{SampleInterval: 5 * time.Millisecond, TotalBudget: 2 * time.Second, SampleCap: 3}
	s := NewScheduler(cfg, &fakeSource{}, zerolog.Nop())

	var samples []int
	s.OnSample(func(count int) { samples = append(samples, count) })

	handoffs := make(chan Batch, 2)
	start := time.Now()
	if err := s.Start(context.Background(), func(b Batch) { handoffs <- b }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Wait()
	elapsed := time.Since(start)

	if len(handoffs) != 1 {
		t.Fatalf("Expected 1 handoff, got %d", len(handoffs))
	}
	b := <-handoffs
	if b.Path != PathEarly || b.Len() != 3 {
		t.Errorf("Expected early path with 3 images, got %s with %d", b.Path, b.Len())
	}
	if b.ID == "" {
		t.Error("Expected batch ID to be set")
	}
	if elapsed >= cfg.TotalBudget {
		t.Errorf("Expected completion before deadline, took %s", elapsed)
	}
	if len(samples) != 3 || samples[2] != 3 {
		t.Errorf("Unexpected sample progress: %v", samples)
	}
}

func TestScheduler_DeadlineRealTimers(t *testing.T) {
	cfg := Config{SampleInterval: 10 * time.Millisecond, TotalBudget: 80 * time.Millisecond, SampleCap: 10}
	s := NewScheduler(cfg, &fakeSource{alwaysNone: true}, zerolog.Nop())

	handoffs := make(chan Batch, 2)
	start := time.Now()
	if err := s.Start(context.Background(), func(b Batch) { handoffs <- b }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Wait()
	elapsed := time.Since(start)

	if len(handoffs) != 1 {
		t.Fatalf("Expected 1 handoff, got %d", len(handoffs))
	}
	b := <-handoffs
	if b.Path != PathDeadline {
		t.Errorf("Expected deadline path, got %s", b.Path)
	}
	if b.Len() != 0 {
		t.Errorf("Expected empty batch, got %d images", b.Len())
	}
	// 制限時間 + 1間隔 に加えてスケジューリングの揺らぎを許容する
	if limit := cfg.TotalBudget + cfg.SampleInterval + 200*time.Millisecond; elapsed > limit {
		t.Errorf("Scheduler took %s, expected at most %s", elapsed, limit)
	}
}

func TestScheduler_CancelPreventsHandoff(t *testing.T) {
	cfg := Config{SampleInterval: 10 * time.Millisecond, TotalBudget: time.Second, SampleCap: 1000}
	s := NewScheduler(cfg, &fakeSource{}, zerolog.Nop())

	handoffs := make(chan Batch, 1)
	if err := s.Start(context.Background(), func(b Batch) { handoffs <- b }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if !s.Cancel() {
		t.Error("Expected Cancel to stop an unfinished capture")
	}
	s.Cancel() // 2回目は何もしない
	s.Wait()

	if len(handoffs) != 0 {
		t.Errorf("Expected no handoff after cancel, got %d", len(handoffs))
	}
	if s.Count() != 0 {
		t.Errorf("Expected captured images to be dropped, got %d", s.Count())
	}
}

func TestScheduler_ContextCancel(t *testing.T) {
	cfg := Config{SampleInterval: 10 * time.Millisecond, TotalBudget: time.Second, SampleCap: 1000}
	s := NewScheduler(cfg, &fakeSource{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	handoffs := make(chan Batch, 1)
	if err := s.Start(ctx, func(b Batch) { handoffs <- b }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Scheduler did not stop after context cancel")
	}
	if len(handoffs) != 0 {
		t.Errorf("Expected no handoff after context cancel, got %d", len(handoffs))
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	cfg := Config{SampleInterval: 10 * time.Millisecond, TotalBudget: 50 * time.Millisecond, SampleCap: 1}
	s := NewScheduler(cfg, &fakeSource{}, zerolog.Nop())
	defer s.Wait()

	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background(), nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name      string
		config    Config
		expectErr bool
	}{
		{"デフォルト", DefaultConfig(), false},
		{"撮影間隔0", Config{SampleInterval: 0, TotalBudget: time.Second, SampleCap: 1}, true},
		{"制限時間0", Config{SampleInterval: time.Second, TotalBudget: 0, SampleCap: 1}, true},
		{"上限0", Config{SampleInterval: time.Second, TotalBudget: time.Second, SampleCap: 0}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}
