package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const (
	// probeTimeout はデバイステスト用キャプチャの制限時間
	probeTimeout = 10 * time.Second

	// 1フレームの最大サイズ
	maxFrameSize = 16 * 1024 * 1024
)

// FFmpegCapturer はffmpegを使ってカメラまたは動画ファイルからMJPEGフレームを取得する
type FFmpegCapturer struct {
	binary     string
	sourceType VideoSourceType
	input      string
	width      int
	height     int
	fps        int
	quality    int
}

// NewFFmpegCapturer は新しいFFmpegCapturerを作成する
func NewFFmpegCapturer(sourceType VideoSourceType, input string, settings VideoSettings) *FFmpegCapturer {
	quality := settings.Quality
	if quality <= 0 {
		quality = 3
	}
	return &FFmpegCapturer{
		binary:     "ffmpeg",
		sourceType: sourceType,
		input:      input,
		width:      settings.Width,
		height:     settings.Height,
		fps:        settings.FrameRate,
		quality:    quality,
	}
}

// inputArgs は入力側のffmpeg引数を返す
func (c *FFmpegCapturer) inputArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	switch c.sourceType {
	case SourceTypeFile:
		// 動画ファイルは実時間でループ再生する
		args = append(args,
			"-re",
			"-stream_loop", "-1",
			"-i", c.input,
			"-vf", fmt.Sprintf("scale=%d:%d", c.width, c.height),
			"-r", strconv.Itoa(c.fps),
		)
	default:
		args = append(args,
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
			"-framerate", strconv.Itoa(c.fps),
			"-i", c.input,
		)
	}
	return args
}

// streamArgs は連続キャプチャ用の引数を返す
func (c *FFmpegCapturer) streamArgs() []string {
	return append(c.inputArgs(),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(c.quality),
		"-",
	)
}

// probeArgs は1フレームだけ取得する引数を返す
func (c *FFmpegCapturer) probeArgs() []string {
	return append(c.inputArgs(),
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-",
	)
}

// Probe はデバイスから1フレーム取得して解像度を確認する
// デバイスが使えない場合は ErrDeviceUnavailable をラップしたエラーを返す
func (c *FFmpegCapturer) Probe(ctx context.Context) (Resolution, error) {
	if _, err := os.Stat(c.input); err != nil {
		return Resolution{}, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, c.input, err)
	}
	if _, err := exec.LookPath(c.binary); err != nil {
		return Resolution{}, fmt.Errorf("%w: %s が見つかりません", ErrDeviceUnavailable, c.binary)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, c.binary, c.probeArgs()...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Resolution{}, fmt.Errorf("%w: テストキャプチャに失敗: %v (stderr: %s)",
			ErrDeviceUnavailable, err, strings.TrimSpace(stderr.String()))
	}

	res, err := decodeResolution(stdout.Bytes())
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return res, nil
}

// Stream はffmpegを起動し、取得したフレームを順に onFrame へ渡す
// ctx がキャンセルされるか、ffmpegが終了するまでブロックする
func (c *FFmpegCapturer) Stream(ctx context.Context, onFrame func([]byte)) error {
	cmd := exec.CommandContext(ctx, c.binary, c.streamArgs()...)

	// クラッシュ時の情報を残すためstderrを保持する
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	readErr := ReadFrames(stdout, onFrame)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("フレーム読み取りエラー: %w", readErr)
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpegが異常終了: %w (stderr: %s)", waitErr, strings.TrimSpace(stderr.String()))
	}
	return errors.New("ffmpegのストリームが終了しました")
}

// ReadFrames はMJPEGストリームをJPEG単位に分割して onFrame へ渡す
// 渡すデータは呼び出しごとに新しく確保される
func ReadFrames(r io.Reader, onFrame func([]byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), maxFrameSize)
	scanner.Split(SplitJPEG)

	for scanner.Scan() {
		token := scanner.Bytes()
		frame := make([]byte, len(token))
		copy(frame, token)
		onFrame(frame)
	}
	return scanner.Err()
}

// SplitJPEG は bufio.Scanner 用の分割関数
// 開始マーカー(FFD8)から終了マーカー(FFD9)までを1フレームとして切り出す。
// 開始マーカーより前のゴミデータは読み捨てる。
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// マーカーの前半だけが末尾にある可能性を残す
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	if start > 0 {
		return start, nil, nil
	}

	end := bytes.Index(data[len(jpegSOI):], jpegEOI)
	if end == -1 {
		if atEOF {
			// 途中で切れたフレームは捨てる
			return len(data), nil, nil
		}
		return 0, nil, nil
	}

	n := len(jpegSOI) + end + len(jpegEOI)
	return n, data[:n], nil
}

// decodeResolution はJPEGヘッダから解像度を読み取る
func decodeResolution(data []byte) (Resolution, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Resolution{}, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}
	return Resolution{Width: cfg.Width, Height: cfg.Height}, nil
}
