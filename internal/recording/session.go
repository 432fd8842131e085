package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kanshi/internal/camera"
)

// Session は1本のクリップに対応する録画セッション
//
// 状態は Active → Finalizing → Closed（または Abandoned）の順にしか進まない。
// フレームの受け付け（Observe）はカメラワーカーのループから、
// 書き込み（Run）はセッション専用のゴルーチンから呼ばれる。
type Session struct {
	id        string
	camera    camera.Camera
	startedAt time.Time
	quiet     time.Duration
	stall     time.Duration
	sink      Sink

	mu           sync.Mutex
	state        State
	lastMotionAt time.Time
	frames       chan camera.Frame
	dropped      int

	// 以下はRunのゴルーチンだけが触る
	written     int
	lastWritten time.Time
}

// Start は新しいセッションを開始する
// Sinkを開き、動きを検出したフレームを最初のフレームとしてキューに入れる
func Start(cam camera.Camera, first camera.Frame, factory SinkFactory, cfg Config) (*Session, error) {
	sink, err := factory.NewSink(cam, first.CapturedAt)
	if err != nil {
		return nil, err
	}

	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	s := &Session{
		id:           uuid.New().String(),
		camera:       cam,
		startedAt:    first.CapturedAt,
		quiet:        cfg.QuietPeriod,
		stall:        cfg.StallTimeout,
		sink:         sink,
		state:        StateActive,
		lastMotionAt: first.CapturedAt,
		frames:       make(chan camera.Frame, queueSize),
	}
	s.frames <- first

	return s, nil
}

// ID はセッションIDを返す
func (s *Session) ID() string {
	return s.id
}

// StartedAt は録画開始時刻を返す
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Path は出力ファイルのパスを返す
func (s *Session) Path() string {
	return s.sink.Path()
}

// State は現在の状態を返す
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastMotionAt は最後に動きを検出した時刻を返す
func (s *Session) LastMotionAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMotionAt
}

// Observe はストリームから取得したフレームと判定結果を受け取る
//
// 動きがあれば最終検出時刻を更新し、その後で無動作時間を評価する。
// 無動作時間を超えていればセッションは終了処理に入り、そのフレームは
// クリップに含めない。録画を続ける場合はtrueを返す。
func (s *Session) Observe(f camera.Frame, moving bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return false
	}

	if moving && f.CapturedAt.After(s.lastMotionAt) {
		s.lastMotionAt = f.CapturedAt
	}

	if f.CapturedAt.Sub(s.lastMotionAt) > s.quiet {
		s.finalizeLocked()
		return false
	}

	select {
	case s.frames <- f:
	default:
		// 書き込みが追いつかない場合は検知を止めずにフレームを捨てる
		s.dropped++
	}
	return true
}

// Finalize は受け付けを止めて終了処理に入る
// 既に終了処理中の場合は何もしない
func (s *Session) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked()
}

// finalizeLocked はロック済み前提で終了処理に入る
func (s *Session) finalizeLocked() {
	if s.state != StateActive {
		return
	}
	s.state = StateFinalizing
	close(s.frames)
}

// Run はキューのフレームをSinkに書き込み、終了処理が済んだらクリップを返す
//
// StallTimeoutの間フレームが届かない場合やctxがキャンセルされた場合も
// 終了処理に入る。書き込みに失敗した場合はセッションを破棄し、
// ErrSinkWrite をラップしたエラーを返す。
func (s *Session) Run(ctx context.Context) (Clip, error) {
	stall := time.NewTimer(s.stall)
	defer stall.Stop()

	done := ctx.Done()
	for {
		select {
		case f, ok := <-s.frames:
			if !ok {
				return s.close()
			}
			if err := s.sink.WriteFrame(f); err != nil {
				return Clip{}, s.abandon(err)
			}
			s.written++
			s.lastWritten = f.CapturedAt
			stall.Reset(s.stall)

		case <-stall.C:
			s.Finalize()

		case <-done:
			done = nil
			s.Finalize()
		}
	}
}

// close はSinkを確定してクリップを返す
func (s *Session) close() (Clip, error) {
	if err := s.sink.Close(); err != nil {
		return Clip{}, s.abandon(err)
	}

	s.mu.Lock()
	s.state = StateClosed
	dropped := s.dropped
	s.mu.Unlock()

	return Clip{
		SessionID: s.id,
		Path:      s.sink.Path(),
		Camera:    s.camera,
		StartedAt: s.startedAt,
		EndedAt:   s.lastWritten,
		Frames:    s.written,
		Dropped:   dropped,
	}, nil
}

// abandon はセッションを破棄して途中のファイルを削除する
func (s *Session) abandon(cause error) error {
	s.mu.Lock()
	s.state = StateAbandoned
	s.mu.Unlock()

	if !errors.Is(cause, ErrSinkWrite) {
		cause = fmt.Errorf("%w: %v", ErrSinkWrite, cause)
	}
	if err := s.sink.Abort(); err != nil {
		return fmt.Errorf("%w (クリーンアップにも失敗: %v)", cause, err)
	}
	return cause
}
