package camera

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPRegistry_FetchCameras(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Expected Accept: application/json, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"_id": "64f0c0ffee", "streamUrl": "http://cam-a/video", "name": "Entrance", "location": "1F"},
			{"id": "cam-b", "streamUrl": "http://cam-b/video", "name": "Garage"}
		]`))
	}))
	defer server.Close()

	registry := NewHTTPRegistry(server.URL, time.Second)
	cameras, err := registry.FetchCameras(context.Background())
	if err != nil {
		t.Fatalf("FetchCameras failed: %v", err)
	}

	if len(cameras) != 2 {
		t.Fatalf("Expected 2 cameras, got %d", len(cameras))
	}

	want := Camera{ID: "64f0c0ffee", StreamURL: "http://cam-a/video", Name: "Entrance", Location: "1F"}
	if cameras[0] != want {
		t.Errorf("Expected %+v, got %+v", want, cameras[0])
	}
	if cameras[1].ID != "cam-b" {
		t.Errorf("Expected id fallback to cam-b, got %q", cameras[1].ID)
	}
}

func TestHTTPRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"server error", http.StatusInternalServerError, "database unavailable", "database unavailable"},
		{"invalid json", http.StatusOK, "not json", ""},
		{"missing stream url", http.StatusOK, `[{"id": "cam-a"}]`, "streamUrl"},
		{"missing id", http.StatusOK, `[{"streamUrl": "http://cam/video"}]`, "id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			cameras, err := NewHTTPRegistry(server.URL, time.Second).FetchCameras(context.Background())
			if !errors.Is(err, ErrRegistry) {
				t.Fatalf("Expected ErrRegistry, got %v", err)
			}
			if len(cameras) != 0 {
				t.Errorf("Expected empty roster, got %d cameras", len(cameras))
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error to mention %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestHTTPRegistry_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPRegistry(url, time.Second).FetchCameras(context.Background())
	if !errors.Is(err, ErrRegistry) {
		t.Errorf("Expected ErrRegistry, got %v", err)
	}
}

func TestStaticRegistry_ReturnsCopy(t *testing.T) {
	registry := StaticRegistry{{ID: "cam-1", StreamURL: "file:///tmp/a.mjpeg"}}

	cameras, err := registry.FetchCameras(context.Background())
	if err != nil {
		t.Fatalf("FetchCameras failed: %v", err)
	}
	cameras[0].ID = "changed"

	if registry[0].ID != "cam-1" {
		t.Error("Expected registry to be unaffected by caller modification")
	}
}
