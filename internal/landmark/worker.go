package landmark

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// maxMessageSize はワーカーから受け取る1メッセージの上限
	maxMessageSize = 32 * 1024 * 1024

	// stderrTail はクラッシュ時に残すstderrの量
	stderrTail = 16 * 1024

	closeTimeout = 3 * time.Second
)

// WorkerConfig はPythonワーカーの起動設定
type WorkerConfig struct {
	Python           string        // Python インタプリタ
	Script           string        // ワーカースクリプトのパス
	Model            string        // モデルファイルのパスまたはURL
	Delegate         string        // GPU または CPU
	StartTimeout     time.Duration // モデル読み込みの制限時間
	InferenceTimeout time.Duration // 1回の推論の制限時間
}

// Worker はPythonサブプロセスで推論する Detector 実装
//
// プロトコル:
//   - 起動時: [長さ uint32][JSON {"ready":true,"groups":{...}} または {"error":"..."}]
//   - 要求:   [タイムスタンプ int64][長さ uint32][JPEG]
//   - 応答:   [長さ uint32][JSON {"faces":[[[x,y,z],...]]} または {"error":"..."}]
//
// 数値は全てビッグエンディアン。
type Worker struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	stdin  io.WriteCloser
	stdout io.ReadCloser

	topology Topology
	timeout  time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	exited    bool
	closeOnce sync.Once
}

type handshake struct {
	Ready  bool                `json:"ready"`
	Groups map[string][][2]int `json:"groups"`
	Error  string              `json:"error"`
}

type response struct {
	Faces [][][]float64 `json:"faces"`
	Error string        `json:"error"`
}

// NewOpener は設定からワーカーを起動する Opener を返す
func NewOpener(cfg WorkerConfig, logger zerolog.Logger) Opener {
	return func(ctx context.Context) (Detector, error) {
		return OpenWorker(ctx, cfg, logger)
	}
}

// OpenWorker はワーカープロセスを起動し、モデルの読み込み完了を待つ
func OpenWorker(ctx context.Context, cfg WorkerConfig, logger zerolog.Logger) (*Worker, error) {
	logger = logger.With().Str("component", "landmark").Logger()

	args := []string{"-u", cfg.Script, "--model", cfg.Model}
	if cfg.Delegate != "" {
		args = append(args, "--delegate", cfg.Delegate)
	}

	// Python側のログを失わないようstderrを保持する
	cmd := exec.Command(cfg.Python, args...)
	stderr := newTailBuffer(stderrTail)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdinパイプの作成に失敗: %v", ErrModelLoad, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdoutパイプの作成に失敗: %v", ErrModelLoad, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: ワーカーの起動に失敗: %v", ErrModelLoad, err)
	}

	w := &Worker{
		cmd:     cmd,
		stderr:  stderr,
		stdin:   stdin,
		stdout:  stdout,
		timeout: cfg.InferenceTimeout,
		logger:  logger,
	}

	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = 2 * time.Minute
	}

	var hs handshake
	err = w.withTimeout(ctx, startTimeout, func() error {
		body, err := readMessage(w.stdout)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &hs)
	})
	if err == nil && hs.Error != "" {
		err = errors.New(hs.Error)
	}
	if err == nil && !hs.Ready {
		err = errors.New("準備完了の応答がありません")
	}
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: %v%s", ErrModelLoad, err, w.stderrSuffix())
	}

	w.topology = decodeTopology(hs.Groups)
	logger.Info().
		Str("model", cfg.Model).
		Str("delegate", cfg.Delegate).
		Int("groups", len(w.topology)).
		Msg("ランドマークモデルを読み込みました")
	return w, nil
}

// Topology は読み込み時に受け取った接続グループを返す
func (w *Worker) Topology() Topology {
	return w.topology
}

// Detect はJPEG画像を送ってランドマークを受け取る
// 応答が制限時間を超えた場合、ワーカーは停止し ErrWorkerExited を返す
func (w *Worker) Detect(ctx context.Context, jpeg []byte, timestampMs int64) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.exited {
		return Result{}, fmt.Errorf("%w: %w", ErrInference, ErrWorkerExited)
	}

	var resp response
	err := w.withTimeout(ctx, w.timeout, func() error {
		if err := writeRequest(w.stdin, timestampMs, jpeg); err != nil {
			return err
		}
		body, err := readMessage(w.stdout)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &resp)
	})
	if err != nil {
		w.exited = true
		w.abort()
		return Result{}, fmt.Errorf("%w: %w: %v%s", ErrInference, ErrWorkerExited, err, w.stderrSuffix())
	}

	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrInference, resp.Error)
	}
	return decodeResult(resp), nil
}

// Close はstdinを閉じてワーカーの終了を待つ
// 何度呼んでもよい
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.exited = true
		w.mu.Unlock()

		_ = w.stdin.Close()
		if w.cmd == nil || w.cmd.Process == nil {
			_ = w.stdout.Close()
			return
		}

		done := make(chan struct{})
		go func() {
			_ = w.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			w.logger.Warn().Msg("ワーカーが終了しないため強制終了します")
			_ = w.cmd.Process.Kill()
			<-done
		}
		w.logger.Debug().Msg("ランドマークワーカーを終了しました")
	})
	return nil
}

// withTimeout は fn を実行し、制限時間か ctx の終了でワーカーを止める
// 止めた場合は fn の終了を待ってから返る
func (w *Worker) withTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-expired:
		w.abort()
		<-done
		return fmt.Errorf("応答がありません (%s)", timeout)
	case <-ctx.Done():
		w.abort()
		<-done
		return ctx.Err()
	}
}

// abort はプロセスを止めてパイプを閉じる
func (w *Worker) abort() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.stdout.Close()
}

func (w *Worker) stderrSuffix() string {
	if w.stderr == nil {
		return ""
	}
	if s := strings.TrimSpace(w.stderr.String()); s != "" {
		return " (stderr: " + s + ")"
	}
	return ""
}

// writeRequest は1フレーム分の要求を書き込む
func writeRequest(w io.Writer, timestampMs int64, jpeg []byte) error {
	header := make([]byte, 12)
	binary.BigEndian.PutUint64(header[:8], uint64(timestampMs))
	binary.BigEndian.PutUint32(header[8:], uint32(len(jpeg)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("要求ヘッダの送信に失敗: %w", err)
	}
	if _, err := w.Write(jpeg); err != nil {
		return fmt.Errorf("画像の送信に失敗: %w", err)
	}
	return nil
}

// readMessage は長さ付きメッセージを1つ読む
func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("応答ヘッダの読み取りに失敗: %w", err)
	}

	n := binary.BigEndian.Uint32(header)
	if n > maxMessageSize {
		return nil, fmt.Errorf("応答が大きすぎます: %d bytes", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("応答本体の読み取りに失敗: %w", err)
	}
	return body, nil
}

func decodeTopology(groups map[string][][2]int) Topology {
	topology := make(Topology, len(groups))
	for name, pairs := range groups {
		conns := make([]Connection, len(pairs))
		for i, p := range pairs {
			conns[i] = Connection{Start: p[0], End: p[1]}
		}
		topology[name] = conns
	}
	return topology
}

func decodeResult(resp response) Result {
	result := Result{Faces: make([][]Point, 0, len(resp.Faces))}
	for _, face := range resp.Faces {
		points := make([]Point, 0, len(face))
		for _, c := range face {
			var p Point
			switch {
			case len(c) >= 3:
				p = Point{X: c[0], Y: c[1], Z: c[2]}
			case len(c) == 2:
				p = Point{X: c[0], Y: c[1]}
			default:
				continue
			}
			points = append(points, p)
		}
		result.Faces = append(result.Faces, points)
	}
	return result
}

// tailBuffer は末尾だけを保持するスレッドセーフなバッファ
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
