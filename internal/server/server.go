package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"faceage/internal/camera"
	"faceage/internal/config"
	"faceage/internal/session"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// Session はHTTPから操作するセッション
type Session interface {
	Snapshot() session.Snapshot
	StartAnalysis() error
	Reanalyze() error
	Subscribe() (<-chan session.Snapshot, func())
}

// ViewSource はオーバーレイ合成済みのフレームを返す
type ViewSource interface {
	View() ([]byte, bool)
}

// FrameSource はカメラの生フレームと状態を返す
type FrameSource interface {
	CurrentFrame() (camera.Frame, bool)
	GetStatus() camera.Status
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	handler    *Handler
	logger     zerolog.Logger

	shutdownOnce sync.Once
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, sess Session, view ViewSource, frames FrameSource, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	logger = logger.With().Str("component", "server").Logger()

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	handler := NewHandler(sess, view, frames, cfg.Landmark.RefreshInterval, logger)

	s := &Server{
		config:  cfg,
		engine:  engine,
		handler: handler,
		logger:  logger,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handler.Index)
	s.engine.GET("/health", s.handler.HealthCheck)

	api := s.engine.Group("/api")
	{
		api.GET("/session", s.handler.GetSession)
		api.GET("/session/ws", s.handler.SessionWebSocket)
		api.POST("/analysis", s.handler.StartAnalysis)
		api.POST("/analysis/reanalyze", s.handler.Reanalyze)
		api.GET("/stream", s.handler.Stream)
	}
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、ctx が終了したらシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は ln で接続を受け付ける
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("コンテキストがキャンセルされました")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// ストリーミング中の接続は先に打ち切る
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("サーバーをシャットダウンしています...")
		s.handler.stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("サーバーのシャットダウンに失敗: %w", shutdownErr)
			return
		}
		s.logger.Info().Msg("サーバーが正常にシャットダウンされました")
	})
	return err
}

// requestLogger はリクエストをzerologに記録するミドルウェア
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}
