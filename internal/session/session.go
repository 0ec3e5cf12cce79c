package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"faceage/internal/analysis"
	"faceage/internal/capture"
)

var (
	// ErrInvalidTransition は現在のモードでは受け付けられない要求を表す
	ErrInvalidTransition = errors.New("現在の状態では実行できません")

	// ErrClosed はセッションが終了していることを表す
	ErrClosed = errors.New("セッションは終了しています")
)

// subscriberBuffer は購読チャンネルのバッファ
const subscriberBuffer = 8

// Mode はセッションのモード
type Mode string

// Mode の定数定義
const (
	ModeIdle      Mode = "idle"      // ライブオーバーレイ表示中
	ModeAnalyzing Mode = "analyzing" // 撮影・解析中
	ModeResults   Mode = "results"   // 結果表示中
)

// Snapshot はある時点のセッション状態
type Snapshot struct {
	ID        string           `json:"id"`
	Mode      Mode             `json:"mode"`
	Result    *analysis.Result `json:"result,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	Captured  int              `json:"captured"`
	SampleCap int              `json:"sample_cap"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Loop はセッションが制御するフレーム処理ループ
type Loop interface {
	Start(ctx context.Context)
	Activate(ctx context.Context)
	Deactivate()
	Shutdown()
	ReleaseDetector()
}

// Source はセッションが所有する映像ソース
type Source interface {
	capture.Snapshotter
	Release() error
}

// Session はライブ表示と解析のどちらを動かすかを管理する
type Session struct {
	source    Source
	loop      Loop
	submitter analysis.Submitter
	capture   capture.Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	id           string
	mode         Mode
	result       *analysis.Result
	lastErr      string
	captured     int
	updatedAt    time.Time
	request      uint64
	scheduler    *capture.Scheduler
	cancelSubmit context.CancelFunc
	closed       bool
	subscribers  map[chan Snapshot]struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New は新しいSessionを作成し、ライブ表示を開始する
// 映像ソースは取得済みであること。Close で解放される。
func New(ctx context.Context, source Source, loop Loop, submitter analysis.Submitter, config capture.Config, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		source:      source,
		loop:        loop,
		submitter:   submitter,
		capture:     config,
		ctx:         ctx,
		cancel:      cancel,
		id:          uuid.NewString(),
		mode:        ModeIdle,
		updatedAt:   time.Now(),
		subscribers: make(map[chan Snapshot]struct{}),
	}
	s.logger = logger.With().Str("component", "session").Str("session", s.id).Logger()

	loop.Start(ctx)
	loop.Activate(ctx)

	s.logger.Info().Msg("セッションを開始")
	return s
}

// StartAnalysis はライブ表示を止めて撮影を開始する (Idle → Analyzing)
func (s *Session) StartAnalysis() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.mode != ModeIdle {
		return fmt.Errorf("%w: %s で解析は開始できません", ErrInvalidTransition, s.mode)
	}

	// 実行中のティックが終わってから撮影を始める
	s.loop.Deactivate()

	s.request++
	req := s.request
	s.mode = ModeAnalyzing
	s.lastErr = ""
	s.captured = 0

	sched := capture.NewScheduler(s.capture, s.source, s.logger)
	sched.OnSample(func(count int) { s.onSample(req, count) })
	s.scheduler = sched

	if err := sched.Start(s.ctx, func(batch capture.Batch) { s.handoff(req, batch) }); err != nil {
		s.toIdleLocked(err)
		return err
	}

	s.logger.Info().Uint64("request", req).Msg("解析を開始")
	s.publishLocked()
	return nil
}

// Reanalyze は結果を消してライブ表示に戻る (Results → Idle)
func (s *Session) Reanalyze() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.mode != ModeResults {
		return fmt.Errorf("%w: %s で再解析はできません", ErrInvalidTransition, s.mode)
	}

	s.result = nil
	s.mode = ModeIdle
	s.loop.Activate(s.ctx)

	s.logger.Info().Msg("ライブ表示に戻ります")
	s.publishLocked()
	return nil
}

// Snapshot は現在の状態を返す
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe は状態が変わるたびにスナップショットを受け取るチャンネルを返す
// 受信が遅れた場合は古いものから捨てる。Close でチャンネルは閉じられる。
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	s.subscribers[ch] = struct{}{}
	ch <- s.snapshotLocked()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close はセッションを終了する
// ループの停止、撮影と通信の中止、検出器の解放、映像ソースの解放の順に行う
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sched := s.scheduler
		cancelSubmit := s.cancelSubmit
		s.mu.Unlock()

		s.loop.Shutdown()

		if sched != nil {
			sched.Cancel()
			sched.Wait()
		}
		if cancelSubmit != nil {
			cancelSubmit()
		}
		s.cancel()
		s.wg.Wait()

		s.loop.ReleaseDetector()

		if releaseErr := s.source.Release(); releaseErr != nil {
			err = fmt.Errorf("映像ソースの解放に失敗: %w", releaseErr)
		}

		s.mu.Lock()
		for ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, ch)
		}
		s.mu.Unlock()

		s.logger.Info().Msg("セッションを終了")
	})
	return err
}

// onSample は撮影の進捗を反映する
func (s *Session) onSample(req uint64, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || req != s.request || s.mode != ModeAnalyzing {
		return
	}
	s.captured = count
	s.publishLocked()
}

// handoff は確定したバッチを解析に出す
func (s *Session) handoff(req uint64, batch capture.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || req != s.request {
		s.logger.Debug().Uint64("request", req).Msg("古いバッチを破棄")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelSubmit = cancel
	s.captured = batch.Len()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		result, err := s.submitter.Submit(ctx, batch)
		s.complete(req, result, err)
	}()
}

// complete は解析結果を反映する
func (s *Session) complete(req uint64, result analysis.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || req != s.request {
		return
	}
	s.scheduler = nil
	s.cancelSubmit = nil

	if err != nil {
		s.logger.Warn().Err(err).Msg("解析に失敗したためライブ表示に戻ります")
		s.toIdleLocked(err)
		return
	}

	s.result = &result
	s.mode = ModeResults
	s.logger.Info().Float64("fused_age", result.FusedAge).Msg("解析結果を受信")
	s.publishLocked()
}

// toIdleLocked はエラーを記録してライブ表示に戻る
func (s *Session) toIdleLocked(err error) {
	s.scheduler = nil
	s.lastErr = err.Error()
	s.mode = ModeIdle
	s.loop.Activate(s.ctx)
	s.publishLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		Mode:      s.mode,
		LastError: s.lastErr,
		Captured:  s.captured,
		SampleCap: s.capture.SampleCap,
		UpdatedAt: s.updatedAt,
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

// publishLocked は購読者へ現在の状態を送る
func (s *Session) publishLocked() {
	s.updatedAt = time.Now()
	snap := s.snapshotLocked()

	for ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			// バッファが一杯なら古いものを捨てる
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
