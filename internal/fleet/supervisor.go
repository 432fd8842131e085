package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"kanshi/internal/camera"
)

// handle は起動中ワーカーの管理情報
type handle struct {
	camera camera.Camera
	worker Runner
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Supervisor はロスターの全カメラにワーカーを1つずつ割り当てて管理する
//
// 1台のワーカーが失敗しても他のワーカーは動き続ける。
type Supervisor struct {
	registry camera.Registry
	factory  WorkerFactory
	logger   *slog.Logger

	mu      sync.RWMutex
	order   []string
	handles map[string]*handle
	wg      sync.WaitGroup
}

// NewSupervisor は新しいSupervisorを作成する
func NewSupervisor(registry camera.Registry, factory WorkerFactory, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		registry: registry,
		factory:  factory,
		logger:   logger,
		handles:  make(map[string]*handle),
	}
}

// Run はロスターを取得して全ワーカーを起動し、全ワーカーが終了するまで待つ
//
// ロスターを取得できない場合や1台もカメラがない場合は、ワーカーを
// 起動せずに camera.ErrRegistry をラップしたエラーを返す。
// 戻り値は各ワーカーのエラーをまとめたもの。
func (s *Supervisor) Run(ctx context.Context) error {
	cameras, err := s.registry.FetchCameras(ctx)
	if err != nil {
		s.logger.Error("カメラ一覧の取得に失敗しました", "kind", "registry", "error", err)
		if !errors.Is(err, camera.ErrRegistry) {
			err = fmt.Errorf("%w: %v", camera.ErrRegistry, err)
		}
		return err
	}
	if len(cameras) == 0 {
		s.logger.Error("登録されたカメラがありません", "kind", "registry")
		return fmt.Errorf("%w: カメラが1台も登録されていません", camera.ErrRegistry)
	}

	s.mu.Lock()
	for _, cam := range cameras {
		if _, exists := s.handles[cam.ID]; exists {
			s.logger.Warn("重複したカメラIDを無視します", "camera_id", cam.ID)
			continue
		}

		wctx, cancel := context.WithCancel(ctx)
		h := &handle{
			camera: cam,
			worker: s.factory(cam),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		s.handles[cam.ID] = h
		s.order = append(s.order, cam.ID)

		s.wg.Add(1)
		go s.runWorker(wctx, h)
	}
	started := len(s.order)
	s.mu.Unlock()

	s.logger.Info("カメラワーカーを起動しました", "count", started)
	s.wg.Wait()
	s.logger.Info("全てのカメラワーカーが停止しました")

	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	for _, id := range s.order {
		if h := s.handles[id]; h.err != nil {
			errs = append(errs, h.err)
		}
	}
	return errors.Join(errs...)
}

// runWorker はワーカーを実行し、パニックしても他のワーカーへ波及させない
func (s *Supervisor) runWorker(ctx context.Context, h *handle) {
	defer s.wg.Done()
	defer close(h.done)
	defer h.cancel()
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("カメラ %s のワーカーが異常終了しました: %v", h.camera.ID, r)
			s.logger.Error("ワーカーが異常終了しました", "camera_id", h.camera.ID, "panic", r)
		}
	}()

	if err := h.worker.Run(ctx); err != nil {
		h.err = err
		s.logger.Error("ワーカーがエラーで終了しました", "camera_id", h.camera.ID, "error", err)
	}
}

// StopCamera は指定されたカメラのワーカーを停止し、終了を待つ
func (s *Supervisor) StopCamera(id string) error {
	s.mu.RLock()
	h, exists := s.handles[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("カメラが見つかりません: %s", id)
	}

	h.cancel()
	<-h.done
	return nil
}

// GetCameras は管理中のカメラ一覧をロスターの順で取得する
func (s *Supervisor) GetCameras() []camera.Camera {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cameras := make([]camera.Camera, 0, len(s.order))
	for _, id := range s.order {
		cameras = append(cameras, s.handles[id].camera)
	}
	return cameras
}

// GetCamera は指定されたIDのカメラを取得する
func (s *Supervisor) GetCamera(id string) (*camera.Camera, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.handles[id]
	if !exists {
		return nil, false
	}

	// コピーを返す
	result := h.camera
	return &result, true
}

// Statuses は全ワーカーの状態をロスターの順で取得する
func (s *Supervisor) Statuses() []WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]WorkerStatus, 0, len(s.order))
	for _, id := range s.order {
		statuses = append(statuses, s.handles[id].worker.Status())
	}
	return statuses
}

// GetStatus は指定されたIDのワーカー状態を取得する
func (s *Supervisor) GetStatus(id string) (WorkerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.handles[id]
	if !exists {
		return WorkerStatus{}, false
	}
	return h.worker.Status(), true
}

var _ Manager = (*Supervisor)(nil)
