package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kanshi/internal/camera"
)

// Sink はクリップの書き込み先
type Sink interface {
	// WriteFrame はフレームを1枚追記する
	WriteFrame(f camera.Frame) error
	// Close は書き込みを確定してファイルを閉じる
	Close() error
	// Abort は書き込みを中止し、途中まで書いたファイルを削除する
	Abort() error
	// Path は出力ファイルのパスを返す
	Path() string
}

// SinkFactory はセッション開始時にSinkを作成する
type SinkFactory interface {
	NewSink(cam camera.Camera, startedAt time.Time) (Sink, error)
}

// FileSinkFactory は設定に従ってファイルへのSinkを作成する
type FileSinkFactory struct {
	cfg Config
}

// NewFileSinkFactory は新しいFileSinkFactoryを作成する
func NewFileSinkFactory(cfg Config) *FileSinkFactory {
	return &FileSinkFactory{cfg: cfg}
}

// NewSink は録画ディレクトリを作成し、フォーマットに応じたSinkを返す
func (f *FileSinkFactory) NewSink(cam camera.Camera, startedAt time.Time) (Sink, error) {
	if err := os.MkdirAll(f.cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: 録画ディレクトリの作成に失敗: %v", ErrSinkWrite, err)
	}

	switch f.cfg.Format {
	case FormatAVI:
		path := filepath.Join(f.cfg.Dir, ClipFilename(cam.StreamURL, startedAt, "avi"))
		return NewFFmpegSink(path, f.cfg)
	case FormatMJPEG:
		path := filepath.Join(f.cfg.Dir, ClipFilename(cam.StreamURL, startedAt, "avi"))
		return NewMJPEGSink(path, f.cfg)
	default:
		return nil, fmt.Errorf("%w: サポートされていないフォーマット: %q", ErrSinkWrite, f.cfg.Format)
	}
}

// ClipFilename はストリームURLと開始時刻からファイル名を生成する
// 例: motion_http_cam.local_video_20240102_150405_123.avi
func ClipFilename(streamURL string, startedAt time.Time, ext string) string {
	return fmt.Sprintf("motion_%s_%s_%03d.%s",
		SanitizeStreamID(streamURL),
		startedAt.Format("20060102_150405"),
		startedAt.Nanosecond()/int(time.Millisecond),
		ext,
	)
}

// SanitizeStreamID はURLをファイル名に使える文字列に変換する
func SanitizeStreamID(streamURL string) string {
	s := strings.ReplaceAll(streamURL, "://", "_")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
