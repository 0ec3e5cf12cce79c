package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// StreamSource はffmpegのMJPEGストリームを使う VideoSource 実装
type StreamSource struct {
	BaseVideoSource

	capturer *FFmpegCapturer
	logger   zerolog.Logger

	// 制御用
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ストリーム喪失フラグ
	// ストリームのゴルーチンは mu を取らずにこちらを更新する
	lost atomic.Bool

	started  time.Time
	resolved atomic.Bool
}

// NewStreamSource は新しいStreamSourceを作成する
func NewStreamSource(info VideoSourceInfo, settings VideoSettings, logger zerolog.Logger) *StreamSource {
	return &StreamSource{
		BaseVideoSource: BaseVideoSource{
			info:     info,
			settings: settings,
			status:   StatusInactive,
		},
		capturer: NewFFmpegCapturer(info.Type, info.Device, settings),
		logger: logger.With().
			Str("component", "camera").
			Str("source", info.ID).
			Logger(),
	}
}

// Acquire はカメラを開始する
func (s *StreamSource) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusActive && !s.lost.Load() {
		return nil // 既に開始済み
	}
	if s.cancel != nil {
		// 喪失したストリームを片付けてから再開する
		s.stopLocked()
	}

	res, err := s.capturer.Probe(ctx)
	if err != nil {
		s.status = StatusError
		s.logger.Error().Err(err).Str("device", s.info.Device).Msg("カメラを開始できません")
		return err
	}
	if res.Width > 0 && res.Height > 0 {
		s.settings.Width = res.Width
		s.settings.Height = res.Height
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.lost.Store(false)
	s.resolved.Store(false)
	s.clearFrame()
	s.started = time.Now()

	s.wg.Add(1)
	go s.stream(streamCtx, s.settings.Width, s.settings.Height)

	if s.info.Type == SourceTypeWebcam {
		wait, err := WatchDevice(streamCtx, s.info.Device, s.logger, s.markLost)
		if err != nil {
			s.logger.Warn().Err(err).Msg("デバイス監視を開始できません")
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				wait()
			}()
		}
	}

	s.status = StatusActive
	s.logger.Info().
		Str("device", s.info.Device).
		Int("width", s.settings.Width).
		Int("height", s.settings.Height).
		Int("fps", s.settings.FrameRate).
		Msg("カメラを開始")
	return nil
}

// Release はカメラを停止する
// 何度呼んでもよく、Acquire 前に呼んでもよい
func (s *StreamSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		s.status = StatusInactive
		return nil // 既に停止済み
	}

	s.stopLocked()
	s.status = StatusInactive
	s.logger.Info().Msg("カメラを停止")
	return nil
}

// stopLocked はストリームを止めてゴルーチンの終了を待つ
// mu を保持して呼ぶこと
func (s *StreamSource) stopLocked() {
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
	s.clearFrame()
}

// GetStatus はストリーム喪失を反映したステータスを返す
func (s *StreamSource) GetStatus() Status {
	if s.lost.Load() {
		return StatusError
	}
	return s.BaseVideoSource.GetStatus()
}

// CurrentFrame は最新のフレームを返す
func (s *StreamSource) CurrentFrame() (Frame, bool) {
	if s.lost.Load() {
		return Frame{}, false
	}
	return s.loadFrame()
}

// Snapshot は最新フレームのコピーを返す
func (s *StreamSource) Snapshot() ([]byte, bool) {
	frame, ok := s.CurrentFrame()
	if !ok {
		return nil, false
	}
	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)
	return data, true
}

// stream はffmpegからフレームを読み続ける
// Release が mu を保持したまま終了を待つため、ここでは mu を取らない
func (s *StreamSource) stream(ctx context.Context, width, height int) {
	defer s.wg.Done()

	err := s.capturer.Stream(ctx, func(data []byte) {
		if !s.resolved.Load() {
			if res, err := decodeResolution(data); err == nil {
				width, height = res.Width, res.Height
			}
			s.resolved.Store(true)
		}
		s.storeFrame(Frame{
			Timestamp: time.Since(s.started),
			Data:      data,
			Width:     width,
			Height:    height,
		})
	})

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("カメラストリームが途切れました")
	}
	s.markLost()
}

// markLost はストリームを喪失状態にする
func (s *StreamSource) markLost() {
	if s.lost.CompareAndSwap(false, true) {
		s.clearFrame()
	}
}
