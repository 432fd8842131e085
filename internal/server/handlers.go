package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kanshi/internal/camera"
	"kanshi/internal/config"
	"kanshi/internal/fleet"
)

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string     `json:"status"`
	Server    ServerInfo `json:"server"`
	Cameras   int        `json:"cameras"`
	Recording int        `json:"recording"` // 録画中のカメラ数
	Stopped   int        `json:"stopped"`   // 停止したワーカー数
	Timestamp time.Time  `json:"timestamp"`
}

// CameraInfo はカメラ情報と稼働状況
type CameraInfo struct {
	camera.Camera
	Worker fleet.WorkerStatus `json:"worker"`
}

// CamerasResponse はカメラ一覧のレスポンス
type CamerasResponse struct {
	Cameras []CameraInfo `json:"cameras"`
}

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// KanshiHandler はAPIのハンドラ
type KanshiHandler struct {
	config  *config.Config
	manager fleet.Manager
}

// NewHandler は新しいKanshiHandlerを作成する
func NewHandler(cfg *config.Config, manager fleet.Manager) *KanshiHandler {
	return &KanshiHandler{config: cfg, manager: manager}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *KanshiHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *KanshiHandler) GetStatus(c *gin.Context) {
	statuses := h.manager.Statuses()

	response := StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Cameras:   len(statuses),
		Timestamp: time.Now(),
	}
	for _, s := range statuses {
		switch s.Status {
		case fleet.StatusRecording:
			response.Recording++
		case fleet.StatusStopped:
			response.Stopped++
		}
	}

	// 全ワーカーが停止していれば劣化状態
	if len(statuses) > 0 && response.Stopped == len(statuses) {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *KanshiHandler) GetCameras(c *gin.Context) {
	list := h.manager.GetCameras()
	cameras := make([]CameraInfo, 0, len(list))

	for _, cam := range list {
		status, _ := h.manager.GetStatus(cam.ID)
		cameras = append(cameras, CameraInfo{Camera: cam, Worker: status})
	}

	c.JSON(http.StatusOK, CamerasResponse{Cameras: cameras})
}

// GetCamera は個別カメラ取得エンドポイントの実装
func (h *KanshiHandler) GetCamera(c *gin.Context) {
	cam, found := h.manager.GetCamera(c.Param("id"))
	if !found {
		cameraNotFound(c)
		return
	}

	status, _ := h.manager.GetStatus(cam.ID)
	c.JSON(http.StatusOK, CameraInfo{Camera: *cam, Worker: status})
}

// StopCamera は指定カメラのワーカーを停止する
// 実行中の録画は確定・アップロードしてから応答する
func (h *KanshiHandler) StopCamera(c *gin.Context) {
	cam, found := h.manager.GetCamera(c.Param("id"))
	if !found {
		cameraNotFound(c)
		return
	}

	if err := h.manager.StopCamera(cam.ID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "stop_failed",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	status, _ := h.manager.GetStatus(cam.ID)
	c.JSON(http.StatusOK, CameraInfo{Camera: *cam, Worker: status})
}

func cameraNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:     "camera_not_found",
		Message:   "指定されたカメラが見つかりません",
		Timestamp: time.Now(),
	})
}
