package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"
)

// HTTPSource はHTTP(S)のMJPEGストリームを開く
type HTTPSource struct {
	client      *http.Client
	readTimeout time.Duration
}

// NewHTTPSource は新しいHTTPSourceを作成する
// ストリームは無期限に続くため、クライアント全体のタイムアウトは設定しない。
// 代わりにreadTimeoutの間データが届かなければ接続を閉じる（0なら無効）。
func NewHTTPSource(connectTimeout, readTimeout time.Duration) *HTTPSource {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		transport.ResponseHeaderTimeout = connectTimeout
	}
	return &HTTPSource{
		client:      &http.Client{Transport: transport},
		readTimeout: readTimeout,
	}
}

// Open はストリームへのGETリクエストを送信する
func (s *HTTPSource) Open(ctx context.Context, cam Camera) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cam.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: リクエストの作成に失敗: %v", ErrStream, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ストリームへの接続に失敗: %v", ErrStream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: 予期しないステータス: %d", ErrStream, resp.StatusCode)
	}

	if s.readTimeout > 0 {
		return newIdleTimeoutBody(resp.Body, s.readTimeout), nil
	}
	return resp.Body, nil
}

// idleTimeoutBody は一定時間データが届かなければ下の接続を閉じる
type idleTimeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, timeout: timeout}
	b.timer = time.AfterFunc(timeout, b.expire)
	return b
}

func (b *idleTimeoutBody) expire() {
	b.expired.Store(true)
	_ = b.body.Close()
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if b.expired.Load() {
		return n, fmt.Errorf("%w: %s以上データが届きませんでした", ErrStream, b.timeout)
	}
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	if b.expired.Load() {
		return nil
	}
	return b.body.Close()
}

// FileSource はローカルのMJPEGファイルをストリームとして再生する
type FileSource struct{}

// Open はfile:// URLのファイルを開く
func (FileSource) Open(_ context.Context, cam Camera) (io.ReadCloser, error) {
	u, err := url.Parse(cam.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: 無効なURL: %v", ErrStream, err)
	}

	f, err := os.Open(u.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: ファイルを開けません: %v", ErrStream, err)
	}
	return f, nil
}

// SchemeSource はURLスキームに応じてSourceを切り替える
type SchemeSource struct {
	sources map[string]Source
}

// NewSchemeSource は http/https/file に対応したSourceを作成する
func NewSchemeSource(connectTimeout, readTimeout time.Duration) *SchemeSource {
	httpSource := NewHTTPSource(connectTimeout, readTimeout)
	s := &SchemeSource{sources: make(map[string]Source)}
	s.Register("http", httpSource)
	s.Register("https", httpSource)
	s.Register("file", FileSource{})
	return s
}

// Register はスキームに対応するSourceを登録する
func (s *SchemeSource) Register(scheme string, source Source) {
	s.sources[scheme] = source
}

// Open はスキームに対応するSourceでストリームを開く
func (s *SchemeSource) Open(ctx context.Context, cam Camera) (io.ReadCloser, error) {
	u, err := url.Parse(cam.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: 無効なURL: %v", ErrStream, err)
	}

	source, exists := s.sources[u.Scheme]
	if !exists {
		return nil, fmt.Errorf("%w: サポートされていないスキーム: %q", ErrStream, u.Scheme)
	}

	return source.Open(ctx, cam)
}
