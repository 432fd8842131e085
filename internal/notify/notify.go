// Package notify は録画イベントを外部のメッセージブローカーへ通知する
//
// 通知はベストエフォートで、失敗しても録画やアップロードは止めない。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EventType はイベントの種類
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventClipFinalized    EventType = "clip.finalized"
	EventClipUploaded     EventType = "clip.uploaded"
	EventUploadFailed     EventType = "clip.upload_failed"
	EventSessionAbandoned EventType = "session.abandoned"
	EventStreamLost       EventType = "stream.lost"
)

// Event は通知するイベント
type Event struct {
	Type       EventType `json:"type"`
	CameraID   string    `json:"camera_id"`
	CameraName string    `json:"camera_name,omitempty"`
	Location   string    `json:"location,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Path       string    `json:"path,omitempty"`
	Frames     int       `json:"frames,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier はイベントの送信先
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// Config は通知設定
type Config struct {
	AMQP AMQPConfig `yaml:"amqp"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// New は設定で有効になっている送信先をまとめたNotifierを作成する
// どれも有効でなければ Nop を返す
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Notifier, error) {
	var notifiers Multi

	if cfg.AMQP.Enabled {
		n, err := NewAMQPNotifier(cfg.AMQP)
		if err != nil {
			return nil, fmt.Errorf("AMQP通知の初期化に失敗: %w", err)
		}
		notifiers = append(notifiers, n)
		logger.Info("AMQP通知を有効にしました", "exchange", cfg.AMQP.Exchange)
	}

	if cfg.MQTT.Enabled {
		n, err := NewMQTTNotifier(ctx, cfg.MQTT, logger)
		if err != nil {
			_ = notifiers.Close()
			return nil, fmt.Errorf("MQTT通知の初期化に失敗: %w", err)
		}
		notifiers = append(notifiers, n)
		logger.Info("MQTT通知を有効にしました", "broker", cfg.MQTT.Broker)
	}

	if len(notifiers) == 0 {
		return Nop{}, nil
	}
	return notifiers, nil
}

// Multi は複数のNotifierへ同じイベントを送る
type Multi []Notifier

// Notify は全ての送信先に通知し、失敗をまとめて返す
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close は全ての送信先を閉じる
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop は何もしないNotifier
type Nop struct{}

// Notify は何もしない
func (Nop) Notify(context.Context, Event) error { return nil }

// Close は何もしない
func (Nop) Close() error { return nil }
