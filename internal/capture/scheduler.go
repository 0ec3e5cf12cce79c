package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAlreadyStarted は同じスケジューラを2回開始しようとしたことを表す
var ErrAlreadyStarted = errors.New("キャプチャは既に開始されています")

// Scheduler は時間制限付きの複数枚キャプチャを管理する
//
// 撮影間隔タイマーと制限時間タイマーを同時に走らせ、先に条件を満たした方が
// バッチを確定して Handoff に渡す。確定は1回だけ行われる。
// Scheduler は1回の解析要求ごとに作り直す。
type Scheduler struct {
	config   Config
	source   Snapshotter
	logger   zerolog.Logger
	onSample func(count int)

	mu      sync.Mutex
	images  [][]byte
	started time.Time
	begun   bool

	finalized atomic.Bool

	// 制御用
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler は新しいSchedulerを作成する
func NewScheduler(config Config, source Snapshotter, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		config: config,
		source: source,
		logger: logger.With().Str("component", "capture").Logger(),
		images: make([][]byte, 0, config.SampleCap),
		stopCh: make(chan struct{}),
	}
}

// OnSample は撮影に成功するたびに呼ばれる関数を登録する
// Start より前に呼ぶこと
func (s *Scheduler) OnSample(fn func(count int)) {
	s.onSample = fn
}

// Start はキャプチャを開始する
func (s *Scheduler) Start(ctx context.Context, handoff Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.begun {
		return ErrAlreadyStarted
	}
	s.begun = true
	s.started = time.Now()

	s.wg.Add(1)
	go s.run(ctx, handoff)

	s.logger.Info().
		Dur("interval", s.config.SampleInterval).
		Dur("budget", s.config.TotalBudget).
		Int("cap", s.config.SampleCap).
		Msg("キャプチャを開始")
	return nil
}

// Cancel は確定前のキャプチャを中止する
// Handoff は呼ばれない。確定済みの場合や2回目以降の呼び出しでは何もしない。
func (s *Scheduler) Cancel() bool {
	cancelled := s.finalized.CompareAndSwap(false, true)
	s.stopOnce.Do(func() { close(s.stopCh) })
	if cancelled {
		s.mu.Lock()
		s.images = nil
		s.mu.Unlock()
		s.logger.Info().Msg("キャプチャを中止")
	}
	return cancelled
}

// Wait はキャプチャのゴルーチンが終了するまで待機する
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Count は現在までの撮影枚数を返す
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// run は撮影間隔タイマーと制限時間タイマーを競争させる
func (s *Scheduler) run(ctx context.Context, handoff Handoff) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SampleInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(s.config.TotalBudget)
	defer deadline.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case <-ctx.Done():
			s.Cancel()
			return

		case <-ticker.C:
			if s.sample() {
				ticker.Stop()
				s.complete(PathEarly, handoff)
				return
			}

		case <-deadline.C:
			// 同時刻に来ている撮影タイミングは制限時間より先に処理する
			select {
			case <-ticker.C:
				if s.sample() {
					ticker.Stop()
					s.complete(PathEarly, handoff)
					return
				}
			default:
			}
			ticker.Stop()
			s.complete(PathDeadline, handoff)
			return
		}
	}
}

// sample は1枚撮影してバッチに追加する
// 上限枚数に達したら true を返す
func (s *Scheduler) sample() bool {
	s.mu.Lock()
	if s.finalized.Load() {
		s.mu.Unlock()
		return false
	}
	if len(s.images) >= s.config.SampleCap {
		s.mu.Unlock()
		return true
	}

	img, ok := s.source.Snapshot()
	if !ok || len(img) == 0 {
		s.mu.Unlock()
		s.logger.Debug().Msg("静止画を取得できませんでした")
		return false
	}

	s.images = append(s.images, img)
	count := len(s.images)
	s.mu.Unlock()

	if s.onSample != nil {
		s.onSample(count)
	}
	return count >= s.config.SampleCap
}

// finalize はバッチを確定する
// 確定できるのは最初の1回だけで、2回目以降は false を返す
func (s *Scheduler) finalize(path Path) (Batch, bool) {
	if !s.finalized.CompareAndSwap(false, true) {
		return Batch{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := Batch{
		ID:      uuid.NewString(),
		Images:  s.images,
		Path:    path,
		Elapsed: time.Since(s.started),
	}
	// 所有権は受け取り側へ移る
	s.images = nil

	return batch, true
}

// complete はバッチを確定して受け取り側へ渡す
func (s *Scheduler) complete(path Path, handoff Handoff) {
	batch, ok := s.finalize(path)
	if !ok {
		return
	}

	if batch.Len() < s.config.SampleCap {
		s.logger.Warn().
			Int("captured", batch.Len()).
			Int("cap", s.config.SampleCap).
			Msg("制限時間内に全ての画像を撮影できませんでした")
	}
	s.logger.Info().
		Str("batch", batch.ID).
		Str("path", string(batch.Path)).
		Int("images", batch.Len()).
		Dur("elapsed", batch.Elapsed).
		Msg("キャプチャを確定")

	if handoff != nil {
		handoff(batch)
	}
}
