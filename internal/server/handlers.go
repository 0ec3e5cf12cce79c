package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"faceage/internal/camera"
	"faceage/internal/session"
)

// WebSocketの送信設定
const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

// defaultStreamInterval はストリームの更新周期の既定値
const defaultStreamInterval = time.Second / 30

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string        `json:"status"`
	Camera    camera.Status `json:"camera"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler はHTTPエンドポイントの実装
type Handler struct {
	session  Session
	view     ViewSource
	frames   FrameSource
	interval time.Duration
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	done     chan struct{}
	stopOnce sync.Once
}

// NewHandler は新しいHandlerを作成する
func NewHandler(sess Session, view ViewSource, frames FrameSource, interval time.Duration, logger zerolog.Logger) *Handler {
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	return &Handler{
		session:  sess,
		view:     view,
		frames:   frames,
		interval: interval,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		done: make(chan struct{}),
	}
}

// stop はストリーミング中のハンドラを終了させる
func (h *Handler) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Index は埋め込みのページを返す
func (h *Handler) Index(c *gin.Context) {
	page, err := indexHTML()
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "page_unavailable", err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

// HealthCheck はヘルスチェックエンドポイントの実装
// カメラが失われている場合は degraded を返す
func (h *Handler) HealthCheck(c *gin.Context) {
	status := h.frames.GetStatus()
	response := HealthResponse{
		Status:    "healthy",
		Camera:    status,
		Timestamp: time.Now(),
	}
	if status == camera.StatusError {
		response.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// GetSession は現在のセッション状態を返す
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Snapshot())
}

// StartAnalysis は解析を開始する
func (h *Handler) StartAnalysis(c *gin.Context) {
	if err := h.session.StartAnalysis(); err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.session.Snapshot())
}

// Reanalyze は結果を消してライブ表示に戻る
func (h *Handler) Reanalyze(c *gin.Context) {
	if err := h.session.Reanalyze(); err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

// Stream はMJPEGストリームを配信する
// 待機中はオーバーレイ合成済みのフレーム、それ以外はカメラの生フレームを送る
func (h *Handler) Stream(c *gin.Context) {
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := c.Writer
	clientGone := c.Request.Context().Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-clientGone:
			return
		case <-h.done:
			return
		case <-ticker.C:
		}

		frame, ok := h.currentFrame()
		if !ok || bytes.Equal(frame, last) {
			continue
		}
		if err := writeMJPEGPart(writer, frame); err != nil {
			return
		}
		writer.Flush()
		last = frame
	}
}

// currentFrame はストリームに流すフレームを選ぶ
func (h *Handler) currentFrame() ([]byte, bool) {
	if h.session.Snapshot().Mode == session.ModeIdle {
		if view, ok := h.view.View(); ok {
			return view, true
		}
	}
	frame, ok := h.frames.CurrentFrame()
	if !ok {
		return nil, false
	}
	return frame.Data, true
}

// writeMJPEGPart はMJPEGの1パートを書き込む
func writeMJPEGPart(w io.Writer, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// SessionWebSocket はセッション状態の変化をWebSocketで送る
func (h *Handler) SessionWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade がエラー応答を書き込み済み
		h.logger.Warn().Err(err).Msg("WebSocketの確立に失敗")
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.session.Subscribe()
	defer unsubscribe()

	// クライアントからの切断を検知する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug().Err(err).Msg("WebSocketが切断されました")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-h.done:
			closeConn(conn, websocket.CloseGoingAway)
			return
		case snap, ok := <-updates:
			if !ok {
				closeConn(conn, websocket.CloseNormalClosure)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func closeConn(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// respondSessionError はセッション操作のエラーをステータスコードに変換する
func (h *Handler) respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		h.respondError(c, http.StatusConflict, "invalid_transition", err)
	case errors.Is(err, session.ErrClosed):
		h.respondError(c, http.StatusServiceUnavailable, "session_closed", err)
	default:
		h.respondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}

func (h *Handler) respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
