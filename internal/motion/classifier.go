// Package motion はフレーム単位の動体検知を提供する
//
// 背景モデルを保持する状態付きの分類器で、1台のカメラにつき1つ使う。
// 既定の実装は移動平均による背景差分と連結領域の面積判定。
package motion

import (
	"errors"
	"fmt"
	"image"
)

// ErrInvalidFrame は分類できないフレームを表す
// 呼び出し側はこのフレームを判定なしとして読み飛ばす
var ErrInvalidFrame = errors.New("invalid frame")

// Classifier はフレームに動きがあるかを判定する
// 呼び出しごとに内部の背景モデルを更新するため並行利用はできない
type Classifier interface {
	Classify(img image.Image) (bool, error)
}

// Config は背景差分の設定
type Config struct {
	LearningRate float64 `yaml:"learning_rate"` // 背景の更新率 (0-1]
	Threshold    uint8   `yaml:"threshold"`     // 前景とみなす輝度差
	MinArea      int     `yaml:"min_area"`      // 動きとみなす領域の面積（これを超えたら動き）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		LearningRate: 0.05,
		Threshold:    25,
		MinArea:      500,
	}
}

// Validate は設定の妥当性を検証する
func (c Config) Validate() error {
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("無効な学習率: %v", c.LearningRate)
	}
	if c.MinArea < 0 {
		return fmt.Errorf("無効な最小面積: %d", c.MinArea)
	}
	return nil
}

// BackgroundSubtractor は移動平均の背景モデルによる Classifier 実装
type BackgroundSubtractor struct {
	cfg Config

	width, height int
	background    []float32 // 画素ごとの背景輝度
	gray          []uint8   // 現フレームの輝度
	mask          []bool    // 前景マスク
	visited       []bool
	queue         []int
}

// NewBackgroundSubtractor は新しいBackgroundSubtractorを作成する
func NewBackgroundSubtractor(cfg Config) *BackgroundSubtractor {
	return &BackgroundSubtractor{cfg: cfg}
}

// Classify はフレームを背景モデルと比較し、面積がしきい値を超える
// 前景領域があればtrueを返す
func (b *BackgroundSubtractor) Classify(img image.Image) (bool, error) {
	if img == nil {
		return false, fmt.Errorf("%w: nilフレーム", ErrInvalidFrame)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return false, fmt.Errorf("%w: 空のフレーム", ErrInvalidFrame)
	}

	w, h := bounds.Dx(), bounds.Dy()
	if w != b.width || h != b.height || b.background == nil {
		// 初回または解像度変更時は背景を作り直す
		b.reset(w, h)
		toGray(img, b.gray)
		for i, v := range b.gray {
			b.background[i] = float32(v)
		}
		return false, nil
	}

	toGray(img, b.gray)

	threshold := float32(b.cfg.Threshold)
	for i, v := range b.gray {
		diff := float32(v) - b.background[i]
		if diff < 0 {
			diff = -diff
		}
		b.mask[i] = diff > threshold
	}

	// 判定後に背景を更新する
	alpha := float32(b.cfg.LearningRate)
	for i, v := range b.gray {
		b.background[i] += alpha * (float32(v) - b.background[i])
	}

	return b.hasLargeRegion(), nil
}

func (b *BackgroundSubtractor) reset(w, h int) {
	n := w * h
	b.width, b.height = w, h
	b.background = make([]float32, n)
	b.gray = make([]uint8, n)
	b.mask = make([]bool, n)
	b.visited = make([]bool, n)
	b.queue = make([]int, 0, 1024)
}

// hasLargeRegion は8近傍で連結した前景領域を探索し、
// MinAreaを超える領域が見つかった時点でtrueを返す
func (b *BackgroundSubtractor) hasLargeRegion() bool {
	for i := range b.visited {
		b.visited[i] = false
	}

	w, h := b.width, b.height
	for start, fg := range b.mask {
		if !fg || b.visited[start] {
			continue
		}

		area := 0
		b.queue = append(b.queue[:0], start)
		b.visited[start] = true
		for len(b.queue) > 0 {
			p := b.queue[len(b.queue)-1]
			b.queue = b.queue[:len(b.queue)-1]
			area++
			if area > b.cfg.MinArea {
				return true
			}

			x, y := p%w, p/w
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					q := ny*w + nx
					if b.mask[q] && !b.visited[q] {
						b.visited[q] = true
						b.queue = append(b.queue, q)
					}
				}
			}
		}
	}

	return false
}

// toGray は画像の輝度をdstに書き込む
func toGray(img image.Image, dst []uint8) {
	bounds := img.Bounds()
	w := bounds.Dx()

	switch src := img.(type) {
	case *image.YCbCr:
		// JPEGのデコード結果はほぼこの型なのでY面をそのまま使う
		for y := 0; y < bounds.Dy(); y++ {
			off := src.YOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(dst[y*w:(y+1)*w], src.Y[off:off+w])
		}
	case *image.Gray:
		for y := 0; y < bounds.Dy(); y++ {
			off := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(dst[y*w:(y+1)*w], src.Pix[off:off+w])
		}
	default:
		i := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				// ITU-R BT.601
				lum := (19595*r + 38470*g + 7471*bl + 1<<15) >> 24
				dst[i] = uint8(lum)
				i++
			}
		}
	}
}
