package recording

import (
	"errors"
	"fmt"
	"time"

	"kanshi/internal/camera"
)

// ErrSinkWrite はクリップの書き込みに失敗したことを表す
// 現在のセッションだけが破棄され、ワーカーは待機状態に戻る
var ErrSinkWrite = errors.New("sink write error")

// 出力フォーマット
const (
	FormatMJPEG = "mjpeg" // Motion JPEGのAVI（ffmpeg不要）
	FormatAVI   = "avi"   // ffmpegでXVIDにエンコードしたAVI
)

// State は録画セッションの状態を表す
// 待機状態（Idle）はセッションが存在しないことで表す
type State int

const (
	StateActive     State = iota // 録画中
	StateFinalizing              // 終了処理中（新しいフレームは受け付けない）
	StateClosed                  // クリップ確定済み
	StateAbandoned               // 書き込み失敗により破棄
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Config は録画設定
type Config struct {
	Dir          string        `yaml:"dir"`           // クリップの保存先
	Format       string        `yaml:"format"`        // "mjpeg" または "avi"
	FPS          int           `yaml:"fps"`           // フレームレート
	Width        int           `yaml:"width"`         // 出力解像度
	Height       int           `yaml:"height"`        // 出力解像度
	Quality      int           `yaml:"quality"`       // JPEG品質 (1-100)
	QuietPeriod  time.Duration `yaml:"quiet_period"`  // 動きがない状態がこれを超えたら終了
	StallTimeout time.Duration `yaml:"stall_timeout"` // フレームが届かない状態がこれを超えたら終了
	QueueSize    int           `yaml:"queue_size"`    // 書き込み待ちフレームの上限
	FFmpegPath   string        `yaml:"ffmpeg_path"`
}

// DefaultConfig はデフォルトの録画設定を返す
func DefaultConfig() Config {
	return Config{
		Dir:          "recordings",
		Format:       FormatMJPEG,
		FPS:          20,
		Width:        640,
		Height:       480,
		Quality:      80,
		QuietPeriod:  2 * time.Second,
		StallTimeout: 10 * time.Second,
		QueueSize:    64,
		FFmpegPath:   "ffmpeg",
	}
}

// Validate は設定の妥当性を検証する
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("録画ディレクトリが設定されていません")
	}
	if c.Format != FormatMJPEG && c.Format != FormatAVI {
		return fmt.Errorf("サポートされていないフォーマット: %q", c.Format)
	}
	if c.FPS <= 0 || c.FPS > 60 {
		return fmt.Errorf("無効なFPS値: %d", c.FPS)
	}
	if c.Width <= 0 || c.Width > 4096 || c.Height <= 0 || c.Height > 4096 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Width, c.Height)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("無効な品質: %d", c.Quality)
	}
	if c.QuietPeriod <= 0 {
		return fmt.Errorf("無効な無動作時間: %s", c.QuietPeriod)
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("無効なストールタイムアウト: %s", c.StallTimeout)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("無効なキューサイズ: %d", c.QueueSize)
	}
	return nil
}

// Clip は確定した録画ファイルとカメラ情報
type Clip struct {
	SessionID string
	Path      string
	Camera    camera.Camera
	StartedAt time.Time
	EndedAt   time.Time
	Frames    int // 書き込んだフレーム数
	Dropped   int // キューが満杯で捨てたフレーム数
}

// Duration は録画時間を返す
func (c Clip) Duration() time.Duration {
	return c.EndedAt.Sub(c.StartedAt)
}
