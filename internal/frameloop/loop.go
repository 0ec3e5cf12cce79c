package frameloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"faceage/internal/camera"
	"faceage/internal/landmark"
	"faceage/internal/overlay"
)

// Source はフレームを読み取れる映像ソース
type Source interface {
	CurrentFrame() (camera.Frame, bool)
}

// Loop はリフレッシュごとにランドマーク推論とオーバーレイ描画を行う
//
// 同じタイムスタンプのフレームは1回だけ処理する。推論の失敗やパニックは
// ログに残して吸収し、次のティックは必ず実行される。
type Loop struct {
	source   Source
	opener   landmark.Opener
	surface  overlay.Surface
	interval time.Duration
	logger   zerolog.Logger
	sampled  zerolog.Logger

	// tickMu はティックの実行と Deactivate を直列化する
	tickMu  sync.Mutex
	active  atomic.Bool
	lastTs  time.Duration
	hasLast bool
	lastMs  int64
	started time.Time

	// 検出器
	detMu      sync.Mutex
	detector   landmark.Detector
	loading    bool
	generation uint64
	loadCancel context.CancelFunc
	loadWg     sync.WaitGroup

	viewMu sync.RWMutex
	view   []byte

	// 制御用
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New は新しいLoopを作成する
// 作成直後は非アクティブで、Activate で開始する
func New(source Source, opener landmark.Opener, surface overlay.Surface, interval time.Duration, logger zerolog.Logger) *Loop {
	logger = logger.With().Str("component", "frameloop").Logger()
	return &Loop{
		source:   source,
		opener:   opener,
		surface:  surface,
		interval: interval,
		logger:   logger,
		sampled:  logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second}),
		started:  time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start はティックのゴルーチンを開始する
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.Run(ctx)
	}()
}

// Run は ctx が終了するか Shutdown されるまでティックを繰り返す
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Shutdown はティックを止め、実行中のティックの終了を待つ
func (l *Loop) Shutdown() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Activate はループを有効にし、検出器を非同期で読み込む
func (l *Loop) Activate(ctx context.Context) {
	l.active.Store(true)
	l.ensureDetector(ctx)
	l.logger.Debug().Msg("ループを開始")
}

// Deactivate は実行中のティックの終了を待ってからループを止め、検出器を解放する
// 戻った時点で以後のティックは何もしない
func (l *Loop) Deactivate() {
	l.tickMu.Lock()
	l.active.Store(false)
	l.tickMu.Unlock()

	l.ReleaseDetector()
	l.logger.Debug().Msg("ループを停止")
}

// Active はループが有効かどうかを返す
func (l *Loop) Active() bool {
	return l.active.Load()
}

// View は最後に合成したフレームを返す
func (l *Loop) View() ([]byte, bool) {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	if l.view == nil {
		return nil, false
	}
	return l.view, true
}

// Tick は1回分の処理を行う
func (l *Loop) Tick(ctx context.Context) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			l.sampled.Error().Interface("panic", r).Msg("ティック中にパニックが発生しました")
		}
	}()

	if !l.active.Load() {
		return
	}

	frame, ok := l.source.CurrentFrame()
	if !ok {
		return
	}
	if l.hasLast && frame.Timestamp == l.lastTs {
		return
	}
	l.lastTs = frame.Timestamp
	l.hasLast = true

	var faces [][]landmark.Point
	var topology landmark.Topology
	if det := l.currentDetector(); det != nil {
		result, err := det.Detect(ctx, frame.Data, l.nextTimestampMs())
		if err != nil {
			l.sampled.Warn().Err(err).Msg("ランドマーク推論に失敗")
			if errors.Is(err, landmark.ErrWorkerExited) {
				l.dropDetector(ctx, det)
			}
		} else {
			faces = result.Faces
			topology = det.Topology()
		}
	}

	l.compose(frame, topology, faces)
}

// compose はオーバーレイを描いてビューを更新する
func (l *Loop) compose(frame camera.Frame, topology landmark.Topology, faces [][]landmark.Point) {
	if l.surface == nil || frame.Width <= 0 || frame.Height <= 0 {
		l.setView(frame.Data)
		return
	}

	overlay.Render(l.surface, frame.Width, frame.Height, topology, faces)
	view, err := l.surface.Compose(frame.Data)
	if err != nil {
		l.sampled.Warn().Err(err).Msg("オーバーレイの合成に失敗")
		l.setView(frame.Data)
		return
	}
	l.setView(view)
}

func (l *Loop) setView(view []byte) {
	l.viewMu.Lock()
	defer l.viewMu.Unlock()
	l.view = view
}

// nextTimestampMs はループ開始からの経過ミリ秒を狭義単調増加で返す
// tickMu を保持して呼ぶこと
func (l *Loop) nextTimestampMs() int64 {
	ms := time.Since(l.started).Milliseconds()
	if ms <= l.lastMs {
		ms = l.lastMs + 1
	}
	l.lastMs = ms
	return ms
}

func (l *Loop) currentDetector() landmark.Detector {
	l.detMu.Lock()
	defer l.detMu.Unlock()
	return l.detector
}

// ensureDetector は検出器が無ければ読み込みを開始する
func (l *Loop) ensureDetector(ctx context.Context) {
	if l.opener == nil {
		return
	}

	l.detMu.Lock()
	defer l.detMu.Unlock()

	if l.detector != nil || l.loading {
		return
	}
	l.loading = true
	gen := l.generation

	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.loadCancel = cancel

	l.loadWg.Add(1)
	go l.load(loadCtx, gen)
}

// load は検出器を読み込む
// 読み込み中に解放された場合は読み込んだ検出器を閉じて捨てる
func (l *Loop) load(ctx context.Context, gen uint64) {
	defer l.loadWg.Done()

	det, err := l.safeOpen(ctx)

	l.detMu.Lock()
	stale := gen != l.generation
	if !stale {
		l.loading = false
		l.loadCancel = nil
		if err == nil {
			l.detector = det
		}
	}
	l.detMu.Unlock()

	switch {
	case err != nil && !stale:
		l.logger.Warn().Err(err).Msg("ランドマークモデルを読み込めません。オーバーレイ無しで続行します")
	case err == nil && stale:
		_ = det.Close()
	case err == nil:
		l.logger.Info().Msg("ランドマーク検出器の準備が完了")
	}
}

func (l *Loop) safeOpen(ctx context.Context) (det landmark.Detector, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", landmark.ErrModelLoad, r)
		}
	}()
	return l.opener(ctx)
}

// dropDetector は使えなくなった検出器を捨てて読み込み直す
func (l *Loop) dropDetector(ctx context.Context, det landmark.Detector) {
	l.detMu.Lock()
	if l.detector == det {
		l.detector = nil
	}
	l.detMu.Unlock()

	_ = det.Close()
	if l.active.Load() {
		l.ensureDetector(ctx)
	}
}

// ReleaseDetector は検出器を解放する
// 読み込み中のものは中止し、その終了を待つ
func (l *Loop) ReleaseDetector() {
	l.detMu.Lock()
	l.generation++
	det := l.detector
	l.detector = nil
	l.loading = false
	if l.loadCancel != nil {
		l.loadCancel()
		l.loadCancel = nil
	}
	l.detMu.Unlock()

	l.loadWg.Wait()

	if det != nil {
		if err := det.Close(); err != nil {
			l.logger.Warn().Err(err).Msg("検出器の解放に失敗")
		}
	}
}
