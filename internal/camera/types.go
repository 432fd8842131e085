package camera

import (
	"context"
	"errors"
	"image"
	"io"
	"time"
)

// エラー分類
var (
	// ErrRegistry はカメラ一覧の取得に失敗したことを表す（起動時に致命的）
	ErrRegistry = errors.New("registry error")
	// ErrStream はカメラストリームの接続・読み取りに失敗したことを表す
	ErrStream = errors.New("stream error")
)

// Camera はレジストリから取得したカメラの情報
// ワーカー起動後は変更されない
type Camera struct {
	ID        string `json:"id"`
	StreamURL string `json:"streamUrl"`
	Name      string `json:"name"`
	Location  string `json:"location"`
}

// Frame はデコード済みの1フレーム
type Frame struct {
	Image      image.Image // デコード済み画像
	Data       []byte      // 元のJPEGデータ
	CapturedAt time.Time   // デコード時刻
	Seq        uint64      // ストリーム内の通し番号
}

// Registry はカメラ一覧（ロスター）の取得元
type Registry interface {
	FetchCameras(ctx context.Context) ([]Camera, error)
}

// Source はカメラストリームを開く
// 返されたReadCloserはJPEGが連結されたバイト列を返す
type Source interface {
	Open(ctx context.Context, cam Camera) (io.ReadCloser, error)
}
