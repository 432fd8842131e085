// Package publisher は確定したクリップを外部のストレージサービスへ送信する
//
// 送信の成否にかかわらず、ローカルのクリップファイルは必ず削除する。
// 自動リトライは行わない。
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kanshi/internal/recording"
)

// ErrUpload はクリップの送信に失敗したことを表す
var ErrUpload = errors.New("upload error")

// maxLoggedBody はログに残すレスポンス本文の上限
const maxLoggedBody = 1024

// Config はアップロード設定
type Config struct {
	URL     string        `yaml:"url"`     // アップロード先
	Timeout time.Duration `yaml:"timeout"` // 1回の送信のタイムアウト
}

// Publisher はクリップをマルチパートPOSTで送信する
type Publisher struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New は新しいPublisherを作成する
func New(cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Publish はクリップを送信し、結果にかかわらずローカルファイルを削除する
func (p *Publisher) Publish(ctx context.Context, clip recording.Clip) (err error) {
	logger := p.logger.With("camera_id", clip.Camera.ID, "session_id", clip.SessionID, "path", clip.Path)

	defer func() {
		if rmErr := Cleanup(clip.Path); rmErr != nil {
			logger.Warn("クリップの削除に失敗", "error", rmErr)
		}
	}()

	file, err := os.Open(clip.Path)
	if err != nil {
		return fmt.Errorf("%w: クリップを開けません: %v", ErrUpload, err)
	}
	defer func() {
		_ = file.Close()
	}()

	// ファイル全体をメモリに載せずにパイプで送る
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, clip, file))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("%w: リクエストの作成に失敗: %v", ErrUpload, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("%w: 送信に失敗: %v", ErrUpload, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	logger.Info("クリップを送信しました",
		"status", resp.StatusCode,
		"response", strings.TrimSpace(string(body)),
		"frames", clip.Frames,
		"duration", clip.Duration(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: 予期しないステータス: %d", ErrUpload, resp.StatusCode)
	}

	return nil
}

// writeForm はカメラ情報とクリップ本体をフォームに書き込む
func writeForm(form *multipart.Writer, clip recording.Clip, file io.Reader) error {
	fields := []struct {
		name  string
		value string
	}{
		{"cameraId", clip.Camera.ID},
		{"name", clip.Camera.Name},
		{"location", clip.Camera.Location},
		{"streamUrl", clip.Camera.StreamURL},
	}
	for _, field := range fields {
		if err := form.WriteField(field.name, field.value); err != nil {
			return err
		}
	}

	part, err := form.CreateFormFile("video", filepath.Base(clip.Path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}

	return form.Close()
}

// Cleanup はクリップファイルを削除する
// 既に存在しない場合はエラーにしない
func Cleanup(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
