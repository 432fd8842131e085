package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kanshi/internal/camera"
	"kanshi/internal/fleet"
	"kanshi/internal/motion"
	"kanshi/internal/notify"
	"kanshi/internal/publisher"
	"kanshi/internal/recording"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Registry  RegistryConfig   `yaml:"registry"`
	Upload    publisher.Config `yaml:"upload"`
	Stream    StreamConfig     `yaml:"stream"`
	Detection motion.Config    `yaml:"detection"`
	Recording recording.Config `yaml:"recording"`
	Notify    notify.Config    `yaml:"notify"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"` // 状態確認APIを起動するか
	Host    string `yaml:"host"`    // リッスンするホスト
	Port    int    `yaml:"port"`    // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// RegistryConfig はカメラレジストリの設定
// Camerasが設定されている場合はレジストリに問い合わせずにそれを使う
type RegistryConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Cameras []CameraEntry `yaml:"cameras"`
}

// CameraEntry は設定ファイルで定義する個別カメラ
type CameraEntry struct {
	ID        string `yaml:"id"`         // カメラID
	StreamURL string `yaml:"stream_url"` // 例: http://cam.local/video, file:///data/replay.mjpeg
	Name      string `yaml:"name"`       // カメラ名
	Location  string `yaml:"location"`   // 設置場所
}

// StreamConfig はストリーム受信の設定
type StreamConfig struct {
	ConnectTimeout time.Duration         `yaml:"connect_timeout"` // レスポンスヘッダーまでのタイムアウト
	ReadTimeout    time.Duration         `yaml:"read_timeout"`    // データが届かない状態の上限（0なら無効）
	ChunkSize      int                   `yaml:"chunk_size"`      // 1回の読み取りサイズ
	MaxBufferSize  int                   `yaml:"max_buffer_size"` // 未完成フレームの上限
	Reconnect      fleet.ReconnectConfig `yaml:"reconnect"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	TimeFormat string `yaml:"time_format"` // 例: 15:04:05
	NoColor    bool   `yaml:"no_color"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			URL:     "http://localhost:3002/cameras",
			Timeout: 10 * time.Second,
		},
		Upload: publisher.Config{
			URL:     "http://localhost:3003/videos/upload",
			Timeout: 2 * time.Minute,
		},
		Stream: StreamConfig{
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    10 * time.Second,
			ChunkSize:      32 * 1024,
			MaxBufferSize:  8 * 1024 * 1024,
			Reconnect:      fleet.DefaultReconnectConfig(),
		},
		Detection: motion.DefaultConfig(),
		Recording: recording.DefaultConfig(),
		Notify: notify.Config{
			AMQP: notify.AMQPConfig{
				Exchange: "kanshi.events",
			},
			MQTT: notify.MQTTConfig{
				ClientID:    "kanshi",
				TopicPrefix: "kanshi/events",
				QoS:         1,
			},
		},
		Log: LogConfig{
			Level:      "info",
			TimeFormat: "15:04:05",
		},
	}
}

// Load は設定を読み込む
//
// .env の内容を環境変数に取り込んだ後、デフォルト値、YAMLファイル、
// 環境変数の順に上書きする。pathが空の場合は KANSHI_CONFIG を使い、
// それも空ならYAMLは読まない。
func Load(path string) (*Config, error) {
	// .env は任意
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("KANSHI_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Registry.URL = getEnvOrDefault("KANSHI_REGISTRY_URL", c.Registry.URL)
	c.Upload.URL = getEnvOrDefault("KANSHI_UPLOAD_URL", c.Upload.URL)
	c.Recording.Dir = getEnvOrDefault("KANSHI_RECORDINGS_DIR", c.Recording.Dir)
	c.Recording.Format = getEnvOrDefault("KANSHI_RECORDING_FORMAT", c.Recording.Format)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)

	// URLが指定された通知先は有効にする
	if url := os.Getenv("KANSHI_AMQP_URL"); url != "" {
		c.Notify.AMQP.URL = url
		c.Notify.AMQP.Enabled = true
	}
	if broker := os.Getenv("KANSHI_MQTT_BROKER"); broker != "" {
		c.Notify.MQTT.Broker = broker
		c.Notify.MQTT.Enabled = true
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Registry.URL == "" && len(c.Registry.Cameras) == 0 {
		return fmt.Errorf("レジストリURLまたはカメラ一覧を設定してください")
	}
	for i, cam := range c.Registry.Cameras {
		if cam.ID == "" || cam.StreamURL == "" {
			return fmt.Errorf("%d件目のカメラにidまたはstream_urlがありません", i)
		}
	}

	if c.Upload.URL == "" {
		return fmt.Errorf("アップロード先URLが設定されていません")
	}
	if c.Upload.Timeout <= 0 {
		return fmt.Errorf("無効なアップロードタイムアウト: %s", c.Upload.Timeout)
	}

	if c.Stream.ReadTimeout < 0 {
		return fmt.Errorf("無効な読み取りタイムアウト: %s", c.Stream.ReadTimeout)
	}

	rc := c.Stream.Reconnect
	if rc.MaxRetries < 0 {
		return fmt.Errorf("無効な再接続回数: %d", rc.MaxRetries)
	}
	if rc.RetryDelay <= 0 || rc.MaxRetryDelay < rc.RetryDelay {
		return fmt.Errorf("無効な再接続間隔: %s (上限 %s)", rc.RetryDelay, rc.MaxRetryDelay)
	}

	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("検知設定: %w", err)
	}
	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("録画設定: %w", err)
	}

	if c.Notify.AMQP.Enabled && (c.Notify.AMQP.URL == "" || c.Notify.AMQP.Exchange == "") {
		return fmt.Errorf("AMQP通知にはurlとexchangeが必要です")
	}
	if c.Notify.MQTT.Enabled && c.Notify.MQTT.Broker == "" {
		return fmt.Errorf("MQTT通知にはbrokerが必要です")
	}
	if c.Notify.MQTT.QoS > 2 {
		return fmt.Errorf("無効なQoS: %d", c.Notify.MQTT.QoS)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StaticCameras は設定ファイルで定義されたカメラ一覧を返す
func (r RegistryConfig) StaticCameras() camera.StaticRegistry {
	cameras := make(camera.StaticRegistry, 0, len(r.Cameras))
	for _, c := range r.Cameras {
		cameras = append(cameras, camera.Camera{
			ID:        c.ID,
			StreamURL: c.StreamURL,
			Name:      c.Name,
			Location:  c.Location,
		})
	}
	return cameras
}

// ParseLevel はログレベル文字列を変換する
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("無効なログレベル: %q", level)
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
