package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kanshi/internal/camera"
	"kanshi/internal/motion"
	"kanshi/internal/notify"
	"kanshi/internal/recording"
)

// notifyTimeout は1件の通知に使う時間の上限
const notifyTimeout = 5 * time.Second

// WorkerConfig はワーカーの設定
type WorkerConfig struct {
	Recording     recording.Config
	Reconnect     ReconnectConfig
	ChunkSize     int
	MaxBufferSize int
}

// Deps はワーカーが使う外部コンポーネント
type Deps struct {
	Source    camera.Source
	Sinks     recording.SinkFactory
	Publisher Publisher
	Notifier  notify.Notifier
	Logger    *slog.Logger
	Clock     func() time.Time // 未指定ならtime.Now
}

// Worker は1台のカメラのストリームを読み、動き検知と録画セッションを管理する
//
// 同時に実行できる録画セッションは1つだけ。セッションの枠はSinkの確定が
// 終わるまで解放しない。
type Worker struct {
	camera     camera.Camera
	classifier motion.Classifier
	deps       Deps
	cfg        WorkerConfig
	logger     *slog.Logger

	mu      sync.Mutex
	session *recording.Session

	sessions sync.WaitGroup

	infoMu      sync.RWMutex
	status      Status
	lastError   string
	lastFrameAt time.Time

	frames       atomic.Uint64
	motionFrames atomic.Uint64
	skipped      atomic.Uint64
	started      atomic.Uint64
	clips        atomic.Uint64
	reconnects   atomic.Uint64
}

// NewWorker は新しいWorkerを作成する
func NewWorker(cam camera.Camera, classifier motion.Classifier, deps Deps, cfg WorkerConfig) *Worker {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Worker{
		camera:     cam,
		classifier: classifier,
		deps:       deps,
		cfg:        cfg,
		logger:     deps.Logger.With("camera_id", cam.ID, "camera_name", cam.Name),
		status:     StatusInactive,
	}
}

// NewWorkerFactory はカメラごとに独立した背景モデルを持つワーカーを作るFactoryを返す
func NewWorkerFactory(deps Deps, cfg WorkerConfig, motionCfg motion.Config) WorkerFactory {
	return func(cam camera.Camera) Runner {
		return NewWorker(cam, motion.NewBackgroundSubtractor(motionCfg), deps, cfg)
	}
}

// Run はストリームを処理する。ctxがキャンセルされるか再接続の上限に
// 達するまで戻らない。戻る前に実行中のセッションを終了させ、
// アップロードまで完了するのを待つ。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("ワーカーを開始しました", "stream_url", w.camera.StreamURL)
	defer func() {
		w.finalizeSession()
		w.sessions.Wait()
		w.setStatus(StatusStopped)
		w.logger.Info("ワーカーを停止しました")
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := w.stream(ctx)
		w.finalizeSession()
		if ctx.Err() != nil {
			return nil
		}

		if n > 0 {
			failures = 0
		}
		failures++

		if err == nil {
			err = fmt.Errorf("%w: ストリームが終了しました", camera.ErrStream)
		}
		w.recordError(err)
		w.setStatus(StatusError)
		w.logger.Warn("ストリームが切断されました", "kind", "stream", "error", err, "attempt", failures)
		w.notify(notify.Event{Type: notify.EventStreamLost, Error: err.Error()})

		if failures > w.cfg.Reconnect.MaxRetries {
			w.logger.Error("再接続の上限に達しました", "kind", "stream", "max_retries", w.cfg.Reconnect.MaxRetries)
			return fmt.Errorf("カメラ %s: 再接続の上限に達しました: %w", w.camera.ID, err)
		}

		delay := calculateBackoff(failures, w.cfg.Reconnect)
		w.logger.Info("再接続します", "delay", delay)
		if !sleepContext(ctx, delay) {
			return nil
		}
		w.reconnects.Add(1)
	}
}

// stream は1回分の接続を処理し、受信したフレーム数を返す
// 正常にストリームが終わった場合のエラーはnil
func (w *Worker) stream(ctx context.Context) (uint64, error) {
	body, err := w.deps.Source.Open(ctx, w.camera)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	w.setStatus(StatusActive)
	w.logger.Info("ストリームに接続しました")

	var opts []camera.DecoderOption
	if w.cfg.ChunkSize > 0 {
		opts = append(opts, camera.WithChunkSize(w.cfg.ChunkSize))
	}
	if w.cfg.MaxBufferSize > 0 {
		opts = append(opts, camera.WithMaxBufferSize(w.cfg.MaxBufferSize))
	}
	opts = append(opts, camera.WithClock(w.deps.Clock))
	dec := camera.NewDecoder(body, opts...)

	var n, skipped uint64
	for {
		f, err := dec.Next()

		// デコーダーが捨てたフレームを反映する
		if s := dec.Skipped(); s > skipped {
			w.skipped.Add(s - skipped)
			skipped = s
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if ctx.Err() != nil {
			return n, nil
		}

		n++
		w.frames.Add(1)
		w.infoMu.Lock()
		w.lastFrameAt = f.CapturedAt
		w.infoMu.Unlock()

		moving, err := w.classifier.Classify(f.Image)
		if err != nil {
			w.skipped.Add(1)
			w.logger.Debug("フレームを判定できませんでした", "kind", "invalid_frame", "seq", f.Seq, "error", err)
			continue
		}
		if moving {
			w.motionFrames.Add(1)
		}

		w.deliver(ctx, f, moving)
	}
}

// deliver はフレームを実行中のセッションへ渡す
// セッションがなく動きがあれば新しいセッションを開始する
func (w *Worker) deliver(ctx context.Context, f camera.Frame, moving bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session != nil {
		// 終了処理中のセッションがある間は新しいセッションを開始しない
		w.session.Observe(f, moving)
		return
	}
	if !moving {
		return
	}

	s, err := recording.Start(w.camera, f, w.deps.Sinks, w.cfg.Recording)
	if err != nil {
		w.recordError(err)
		w.logger.Error("録画を開始できませんでした", "kind", "sink_write", "error", err)
		return
	}

	w.session = s
	w.started.Add(1)
	w.setStatus(StatusRecording)
	w.logger.Info("録画を開始しました", "session_id", s.ID(), "path", s.Path())

	w.sessions.Add(1)
	go w.runSession(ctx, s)
}

// runSession はセッションを最後まで実行し、確定したクリップをアップロードする
func (w *Worker) runSession(ctx context.Context, s *recording.Session) {
	defer w.sessions.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("録画セッションが異常終了しました", "kind", "sink_write", "session_id", s.ID(), "panic", r)
			w.recordError(fmt.Errorf("セッション %s が異常終了しました: %v", s.ID(), r))
			w.release(s)
		}
	}()

	w.notify(notify.Event{Type: notify.EventSessionStarted, SessionID: s.ID(), Path: s.Path()})

	clip, err := s.Run(ctx)
	w.release(s)

	if err != nil {
		w.recordError(err)
		w.logger.Error("録画セッションを破棄しました", "kind", "sink_write", "session_id", s.ID(), "error", err)
		w.notify(notify.Event{Type: notify.EventSessionAbandoned, SessionID: s.ID(), Error: err.Error()})
		return
	}

	w.clips.Add(1)
	w.logger.Info("録画を確定しました",
		"session_id", clip.SessionID,
		"path", clip.Path,
		"frames", clip.Frames,
		"dropped", clip.Dropped,
		"duration", clip.Duration())
	w.notify(notify.Event{Type: notify.EventClipFinalized, SessionID: clip.SessionID, Path: clip.Path, Frames: clip.Frames})

	// 停止中でもアップロードは最後まで行う
	if err := w.deps.Publisher.Publish(context.WithoutCancel(ctx), clip); err != nil {
		w.recordError(err)
		w.logger.Error("クリップのアップロードに失敗しました", "kind", "upload", "session_id", clip.SessionID, "error", err)
		w.notify(notify.Event{Type: notify.EventUploadFailed, SessionID: clip.SessionID, Path: clip.Path, Error: err.Error()})
		return
	}
	w.notify(notify.Event{Type: notify.EventClipUploaded, SessionID: clip.SessionID, Path: clip.Path, Frames: clip.Frames})
}

// release はセッションの枠を解放する
func (w *Worker) release(s *recording.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session == s {
		w.session = nil
		if w.currentStatus() == StatusRecording {
			w.setStatus(StatusActive)
		}
	}
}

// finalizeSession は実行中のセッションを終了処理に入れる
func (w *Worker) finalizeSession() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session != nil {
		w.session.Finalize()
	}
}

// notify はイベントを通知する。失敗はログに残すだけ
func (w *Worker) notify(ev notify.Event) {
	ev.CameraID = w.camera.ID
	ev.CameraName = w.camera.Name
	ev.Location = w.camera.Location
	ev.Timestamp = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := w.deps.Notifier.Notify(ctx, ev); err != nil {
		w.logger.Warn("イベントの通知に失敗しました", "kind", "notify", "event", ev.Type, "error", err)
	}
}

func (w *Worker) recordError(err error) {
	w.infoMu.Lock()
	defer w.infoMu.Unlock()
	w.lastError = err.Error()
}

func (w *Worker) setStatus(s Status) {
	w.infoMu.Lock()
	defer w.infoMu.Unlock()
	w.status = s
}

func (w *Worker) currentStatus() Status {
	w.infoMu.RLock()
	defer w.infoMu.RUnlock()
	return w.status
}

// Camera はワーカーが担当するカメラを返す
func (w *Worker) Camera() camera.Camera {
	return w.camera
}

// Status は現在の状態を返す
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	var sessionID string
	if w.session != nil {
		sessionID = w.session.ID()
	}
	w.mu.Unlock()

	w.infoMu.RLock()
	defer w.infoMu.RUnlock()

	return WorkerStatus{
		Camera:       w.camera,
		Status:       w.status,
		SessionID:    sessionID,
		Frames:       w.frames.Load(),
		MotionFrames: w.motionFrames.Load(),
		Skipped:      w.skipped.Load(),
		Sessions:     w.started.Load(),
		Clips:        w.clips.Load(),
		Reconnects:   w.reconnects.Load(),
		LastError:    w.lastError,
		LastFrameAt:  w.lastFrameAt,
	}
}
