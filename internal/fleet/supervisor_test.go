package fleet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kanshi/internal/camera"
	"kanshi/internal/motion"
	"kanshi/internal/recording"
)

var errBroken = errors.New("broken camera")

// fakeRunner はテスト用のワーカー
// mode: "fail" は即座にエラー、"panic" はパニック、それ以外はキャンセルまで待つ
type fakeRunner struct {
	cam     camera.Camera
	mode    string
	running atomic.Bool
	stopped atomic.Bool
}

func (r *fakeRunner) Run(ctx context.Context) error {
	switch r.mode {
	case "fail":
		r.stopped.Store(true)
		return errBroken
	case "panic":
		panic("decoder exploded")
	}

	r.running.Store(true)
	<-ctx.Done()
	r.running.Store(false)
	r.stopped.Store(true)
	return nil
}

func (r *fakeRunner) Status() WorkerStatus {
	status := StatusInactive
	if r.running.Load() {
		status = StatusActive
	}
	if r.stopped.Load() {
		status = StatusStopped
	}
	return WorkerStatus{Camera: r.cam, Status: status}
}

type fakeFleet struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
}

func (f *fakeFleet) factory(cam camera.Camera) Runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runners == nil {
		f.runners = make(map[string]*fakeRunner)
	}
	r := &fakeRunner{cam: cam, mode: cam.Name}
	f.runners[cam.ID] = r
	return r
}

func (f *fakeFleet) runner(id string) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners[id]
}

func (f *fakeFleet) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runners)
}

// waitFor は条件が満たされるまで待つ
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSupervisor_RegistryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	fleet := &fakeFleet{}
	sup := NewSupervisor(camera.NewHTTPRegistry(server.URL, time.Second), fleet.factory, discardLogger())

	err := sup.Run(context.Background())
	if !errors.Is(err, camera.ErrRegistry) {
		t.Fatalf("Expected ErrRegistry, got %v", err)
	}
	if fleet.created() != 0 {
		t.Errorf("Expected no workers, got %d", fleet.created())
	}
	if len(sup.GetCameras()) != 0 {
		t.Errorf("Expected no cameras, got %d", len(sup.GetCameras()))
	}
}

func TestSupervisor_EmptyRoster(t *testing.T) {
	fleet := &fakeFleet{}
	sup := NewSupervisor(camera.StaticRegistry{}, fleet.factory, discardLogger())

	err := sup.Run(context.Background())
	if !errors.Is(err, camera.ErrRegistry) {
		t.Fatalf("Expected ErrRegistry for empty roster, got %v", err)
	}
	if fleet.created() != 0 {
		t.Errorf("Expected no workers, got %d", fleet.created())
	}
}

func TestSupervisor_WorkerFailureIsIsolated(t *testing.T) {
	registry := camera.StaticRegistry{
		{ID: "good", Name: "ok", StreamURL: "http://good/stream"},
		{ID: "bad", Name: "fail", StreamURL: "http://bad/stream"},
		{ID: "crash", Name: "panic", StreamURL: "http://crash/stream"},
		{ID: "good", Name: "ok", StreamURL: "http://duplicate/stream"},
	}
	fleet := &fakeFleet{}
	sup := NewSupervisor(registry, fleet.factory, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		good, ok := sup.GetStatus("good")
		bad, _ := sup.GetStatus("bad")
		return ok && good.Status == StatusActive && bad.Status == StatusStopped
	})

	// 重複したIDには1つのワーカーだけ割り当てる
	if fleet.created() != 3 {
		t.Errorf("Expected 3 workers, got %d", fleet.created())
	}
	cameras := sup.GetCameras()
	if len(cameras) != 3 || cameras[0].ID != "good" || cameras[1].ID != "bad" || cameras[2].ID != "crash" {
		t.Errorf("Unexpected cameras: %+v", cameras)
	}

	cam, ok := sup.GetCamera("good")
	if !ok || cam.StreamURL != "http://good/stream" {
		t.Errorf("Unexpected camera: %+v", cam)
	}
	if _, ok := sup.GetCamera("missing"); ok {
		t.Error("Expected missing camera to be absent")
	}

	if len(sup.Statuses()) != 3 {
		t.Errorf("Expected 3 statuses, got %d", len(sup.Statuses()))
	}

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, errBroken) {
			t.Errorf("Expected joined error to contain worker failure, got %v", err)
		}
		if err == nil || !strings.Contains(err.Error(), "decoder exploded") {
			t.Errorf("Expected joined error to contain panic, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	if !fleet.runner("good").stopped.Load() {
		t.Error("Expected good worker to be stopped")
	}
}

func TestSupervisor_StopCamera(t *testing.T) {
	registry := camera.StaticRegistry{
		{ID: "cam-1", StreamURL: "http://cam-1/stream"},
		{ID: "cam-2", StreamURL: "http://cam-2/stream"},
	}
	fleet := &fakeFleet{}
	sup := NewSupervisor(registry, fleet.factory, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		s1, ok1 := sup.GetStatus("cam-1")
		s2, ok2 := sup.GetStatus("cam-2")
		return ok1 && ok2 && s1.Status == StatusActive && s2.Status == StatusActive
	})

	if err := sup.StopCamera("cam-1"); err != nil {
		t.Fatalf("StopCamera failed: %v", err)
	}
	if err := sup.StopCamera("missing"); err == nil {
		t.Error("Expected error for unknown camera")
	}

	if s, _ := sup.GetStatus("cam-1"); s.Status != StatusStopped {
		t.Errorf("Expected cam-1 stopped, got %s", s.Status)
	}
	if s, _ := sup.GetStatus("cam-2"); s.Status != StatusActive {
		t.Errorf("Expected cam-2 still active, got %s", s.Status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_FailingStreamDoesNotAffectOthers(t *testing.T) {
	stream := motionStream(t)

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		_, _ = w.Write(stream)
	}))
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	registry := camera.StaticRegistry{
		{ID: "good", StreamURL: good.URL},
		{ID: "bad", StreamURL: bad.URL},
	}

	pub := &clipRecorder{}
	deps := Deps{
		Source:    camera.NewHTTPSource(time.Second, 5*time.Second),
		Sinks:     recording.NewFileSinkFactory(recording.Config{Dir: t.TempDir(), Format: recording.FormatMJPEG, Width: 160, Height: 120, Quality: 80}),
		Publisher: pub,
		Logger:    discardLogger(),
		Clock:     steppingClock(),
	}
	cfg := testWorkerConfig()
	cfg.Reconnect.MaxRetries = 1

	sup := NewSupervisor(registry, NewWorkerFactory(deps, cfg, motion.DefaultConfig()), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, 10*time.Second, func() bool {
		s, _ := sup.GetStatus("bad")
		return s.Status == StatusStopped && pub.countFor("good") >= 1
	})

	if s, _ := sup.GetStatus("good"); s.Status == StatusStopped {
		t.Error("Expected good worker to keep running")
	}
	if pub.countFor("bad") != 0 {
		t.Errorf("Expected no clips from bad camera, got %d", pub.countFor("bad"))
	}

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, camera.ErrStream) {
			t.Errorf("Expected ErrStream from bad camera, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
