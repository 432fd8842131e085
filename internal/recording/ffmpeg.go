package recording

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"kanshi/internal/camera"
)

// FFmpegSink はffmpegにJPEGを流し込んでAVIを生成する
type FFmpegSink struct {
	path    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *bytes.Buffer
	width   int
	height  int
	quality int
	scaled  *image.RGBA

	closeOnce sync.Once
	closeErr  error
}

// NewFFmpegSink はffmpegプロセスを起動する
func NewFFmpegSink(path string, cfg Config) (*FFmpegSink, error) {
	cmd := exec.Command(cfg.FFmpegPath,
		"-loglevel", "error",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-framerate", strconv.Itoa(cfg.FPS),
		"-i", "-",
		"-c:v", "mpeg4",
		"-vtag", "xvid",
		"-q:v", qualityToQScale(cfg.Quality),
		"-r", strconv.Itoa(cfg.FPS),
		"-an",
		"-y", // 上書き許可
		path,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdinパイプの作成に失敗: %v", ErrSinkWrite, err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: ffmpegの起動に失敗: %v", ErrSinkWrite, err)
	}

	return &FFmpegSink{
		path:    path,
		cmd:     cmd,
		stdin:   stdin,
		stderr:  &stderr,
		width:   cfg.Width,
		height:  cfg.Height,
		quality: cfg.Quality,
	}, nil
}

// WriteFrame はフレームをffmpegの標準入力に書き込む
func (s *FFmpegSink) WriteFrame(f camera.Frame) error {
	if err := writeJPEG(s.stdin, f, s.width, s.height, s.quality, &s.scaled); err != nil {
		return fmt.Errorf("%w: ffmpegへの書き込みに失敗: %v", ErrSinkWrite, err)
	}
	return nil
}

// Close は標準入力を閉じてエンコードの完了を待つ
func (s *FFmpegSink) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if err := s.cmd.Wait(); err != nil {
			s.closeErr = fmt.Errorf("%w: エンコードに失敗: %v (stderr: %s)", ErrSinkWrite, err, s.stderr.String())
		}
	})
	return s.closeErr
}

// Abort はffmpegを停止して途中のファイルを削除する
func (s *FFmpegSink) Abort() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait() // 強制終了によるエラーは無視
	})
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("途中のクリップの削除に失敗: %w", err)
	}
	return nil
}

// Path は出力ファイルのパスを返す
func (s *FFmpegSink) Path() string {
	return s.path
}

// qualityToQScale はJPEG品質(1-100)をffmpegのqscale(31-2)に変換する
func qualityToQScale(quality int) string {
	q := 31 - (quality*29)/100
	if q < 2 {
		q = 2
	}
	if q > 31 {
		q = 31
	}
	return strconv.Itoa(q)
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func ValidateFFmpeg(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}

	return nil
}
