package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"faceage/internal/capture"
)

var (
	// ErrNetwork は解析サービスに到達できなかったことを表す
	ErrNetwork = errors.New("解析サービスへの通信に失敗")

	// ErrServer は解析サービスがエラーを返したことを表す
	ErrServer = errors.New("解析サービスがエラーを返しました")
)

// maxResponseSize は応答本体の上限
const maxResponseSize = 1 << 20

// ServerError は解析サービスが返したエラーの詳細
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (status %d)", ErrServer.Error(), e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d): %s", ErrServer.Error(), e.StatusCode, e.Message)
}

// Unwrap は errors.Is(err, ErrServer) を成り立たせる
func (e *ServerError) Unwrap() error {
	return ErrServer
}

// Submitter はバッチを解析に出す
type Submitter interface {
	Submit(ctx context.Context, batch capture.Batch) (Result, error)
}

// Client は解析サービスのHTTPクライアント
// 再試行はしない
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient は新しいClientを作成する
func NewClient(endpoint string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "analysis").Logger(),
	}
}

// Submit はバッチの画像をmultipartで送り、結果を受け取る
func (c *Client) Submit(ctx context.Context, batch capture.Batch) (Result, error) {
	body, contentType, err := buildPayload(batch.Images)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	logger := c.logger.With().
		Str("request_id", requestID).
		Str("batch", batch.ID).
		Int("images", batch.Len()).
		Logger()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("解析サービスに接続できません")
		return Result{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		logger.Error().Err(err).Msg("応答の読み取りに失敗")
		return Result{}, fmt.Errorf("%w: 応答の読み取りに失敗: %v", ErrNetwork, err)
	}

	result, err := decodeResponse(resp.StatusCode, raw)
	if err != nil {
		logger.Error().Err(err).Int("status", resp.StatusCode).Msg("解析に失敗")
		return Result{}, err
	}

	logger.Info().
		Dur("elapsed", time.Since(start)).
		Float64("fused_age", result.FusedAge).
		Str("emotion", result.DominantEmotion).
		Msg("解析が完了")
	return result, nil
}

// buildPayload は files フィールドに image{i}.jpg を並べたmultipart本体を作る
func buildPayload(images [][]byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for i, img := range images {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files"; filename="image%d.jpg"`, i))
		header.Set("Content-Type", "image/jpeg")

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("multipartの作成に失敗: %w", err)
		}
		if _, err := part.Write(img); err != nil {
			return nil, "", fmt.Errorf("画像の書き込みに失敗: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("multipartの作成に失敗: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// decodeResponse は応答を解釈する
// 2xx 以外、error フィールドあり、解釈できない本体はいずれも ErrServer
func decodeResponse(status int, raw []byte) (Result, error) {
	var body struct {
		Result
		Error  *string         `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	decodeErr := json.Unmarshal(raw, &body)

	if status < 200 || status >= 300 {
		msg := strings.TrimSpace(string(raw))
		switch {
		case decodeErr == nil && body.Error != nil:
			msg = *body.Error
		case decodeErr == nil && len(body.Detail) > 0:
			msg = string(body.Detail)
		}
		return Result{}, &ServerError{StatusCode: status, Message: msg}
	}

	if decodeErr != nil {
		return Result{}, &ServerError{StatusCode: status, Message: "応答を解釈できません: " + decodeErr.Error()}
	}
	if body.Error != nil {
		return Result{}, &ServerError{StatusCode: status, Message: *body.Error}
	}
	return body.Result, nil
}
