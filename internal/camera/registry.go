package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRegistry はHTTPのカメラレジストリからロスターを取得する
type HTTPRegistry struct {
	url    string
	client *http.Client
}

// NewHTTPRegistry は新しいHTTPRegistryを作成する
func NewHTTPRegistry(url string, timeout time.Duration) *HTTPRegistry {
	return &HTTPRegistry{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// registryRecord はレジストリのレスポンス1件
// IDは "_id" と "id" のどちらでも受け付ける
type registryRecord struct {
	MongoID   string `json:"_id"`
	ID        string `json:"id"`
	StreamURL string `json:"streamUrl"`
	Name      string `json:"name"`
	Location  string `json:"location"`
}

// FetchCameras はカメラ一覧を取得する
// 失敗時は空のロスターと ErrRegistry をラップしたエラーを返す
func (r *HTTPRegistry) FetchCameras(ctx context.Context) ([]Camera, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: リクエストの作成に失敗: %v", ErrRegistry, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: レジストリへの接続に失敗: %v", ErrRegistry, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: 予期しないステータス %d: %s", ErrRegistry, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var records []registryRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: レスポンスの解析に失敗: %v", ErrRegistry, err)
	}

	cameras := make([]Camera, 0, len(records))
	for i, rec := range records {
		id := rec.MongoID
		if id == "" {
			id = rec.ID
		}
		if id == "" || rec.StreamURL == "" {
			return nil, fmt.Errorf("%w: %d件目のカメラにidまたはstreamUrlがありません", ErrRegistry, i)
		}
		cameras = append(cameras, Camera{
			ID:        id,
			StreamURL: rec.StreamURL,
			Name:      rec.Name,
			Location:  rec.Location,
		})
	}

	return cameras, nil
}

// StaticRegistry は固定のロスターを返す
type StaticRegistry []Camera

// FetchCameras は保持しているカメラ一覧のコピーを返す
func (s StaticRegistry) FetchCameras(_ context.Context) ([]Camera, error) {
	cameras := make([]Camera, len(s))
	copy(cameras, s)
	return cameras, nil
}
