package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig はMQTT通知の設定
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // 例: tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTNotifier はイベントを "<prefix>/<camera_id>/<イベント種別>" に発行する
type MQTTNotifier struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTNotifier はブローカーへ接続する
// 接続が切れた場合はクライアントが自動で再接続する
func NewMQTTNotifier(_ context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT接続が切れました。再接続を待ちます", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("MQTT接続がタイムアウトしました: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT接続に失敗: %w", err)
	}

	return &MQTTNotifier{
		client: client,
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
	}, nil
}

// Topic はイベントの発行先トピックを返す
func Topic(prefix string, ev Event) string {
	return fmt.Sprintf("%s/%s/%s", prefix, ev.CameraID, ev.Type)
}

// Notify はイベントをJSONで発行する
func (n *MQTTNotifier) Notify(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}

	token := n.client.Publish(Topic(n.prefix, ev), n.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("MQTT発行がタイムアウトしました")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTTへの発行に失敗: %w", err)
	}
	return nil
}

// Close はブローカーから切断する
func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(250)
	return nil
}
