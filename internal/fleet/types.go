package fleet

import (
	"context"
	"time"

	"kanshi/internal/camera"
	"kanshi/internal/recording"
)

// Status はカメラワーカーの動作状態を表す
type Status string

const (
	StatusInactive  Status = "inactive"  // ワーカー未起動
	StatusActive    Status = "active"    // ストリーム受信中
	StatusRecording Status = "recording" // 録画セッション実行中
	StatusError     Status = "error"     // 再接続待ち
	StatusStopped   Status = "stopped"   // ワーカー終了
)

// WorkerStatus はワーカーの状態スナップショット
type WorkerStatus struct {
	Camera       camera.Camera `json:"camera"`
	Status       Status        `json:"status"`
	SessionID    string        `json:"session_id,omitempty"`
	Frames       uint64        `json:"frames"`
	MotionFrames uint64        `json:"motion_frames"`
	Skipped      uint64        `json:"skipped"`
	Sessions     uint64        `json:"sessions"`
	Clips        uint64        `json:"clips"`
	Reconnects   uint64        `json:"reconnects"`
	LastError    string        `json:"last_error,omitempty"`
	LastFrameAt  time.Time     `json:"last_frame_at"`
}

// Manager はカメラワーカー群の管理を担うインターフェース
type Manager interface {
	// Run はロスターを取得して全ワーカーを起動し、全ワーカーの終了まで待つ
	Run(ctx context.Context) error

	// StopCamera は指定されたカメラのワーカーだけを停止する
	StopCamera(id string) error

	// GetCameras は管理中のカメラ一覧を取得する
	GetCameras() []camera.Camera

	// GetCamera は指定されたIDのカメラを取得する
	GetCamera(id string) (*camera.Camera, bool)

	// Statuses は全ワーカーの状態を取得する
	Statuses() []WorkerStatus

	// GetStatus は指定されたIDのワーカー状態を取得する
	GetStatus(id string) (WorkerStatus, bool)
}

// Runner は1台分のワーカー
type Runner interface {
	Run(ctx context.Context) error
	Status() WorkerStatus
}

// WorkerFactory はカメラごとにワーカーを作成する
type WorkerFactory func(cam camera.Camera) Runner

// Publisher は確定したクリップを受け取る
type Publisher interface {
	Publish(ctx context.Context, clip recording.Clip) error
}
