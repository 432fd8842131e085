package motion

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayFrame(w, h int, bg uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = bg
	}
	return img
}

func withSquare(img *image.Gray, x0, y0, size int, v uint8) *image.Gray {
	out := image.NewGray(img.Rect)
	copy(out.Pix, img.Pix)
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			out.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return out
}

func TestBackgroundSubtractor_StaticSceneHasNoMotion(t *testing.T) {
	c := NewBackgroundSubtractor(DefaultConfig())
	bg := grayFrame(120, 90, 60)

	for i := 0; i < 5; i++ {
		moving, err := c.Classify(bg)
		require.NoError(t, err)
		assert.False(t, moving, "frame %d", i)
	}
}

func TestBackgroundSubtractor_LargeRegionIsMotion(t *testing.T) {
	c := NewBackgroundSubtractor(DefaultConfig())
	bg := grayFrame(120, 90, 60)

	moving, err := c.Classify(bg)
	require.NoError(t, err)
	require.False(t, moving, "seed frame must not report motion")

	// 30x30 = 900 > 500
	moving, err = c.Classify(withSquare(bg, 10, 10, 30, 220))
	require.NoError(t, err)
	assert.True(t, moving)
}

func TestBackgroundSubtractor_SmallRegionIsIgnored(t *testing.T) {
	c := NewBackgroundSubtractor(DefaultConfig())
	bg := grayFrame(120, 90, 60)

	_, err := c.Classify(bg)
	require.NoError(t, err)

	// 20x20 = 400 <= 500
	moving, err := c.Classify(withSquare(bg, 50, 30, 20, 220))
	require.NoError(t, err)
	assert.False(t, moving)
}

func TestBackgroundSubtractor_SmallDifferenceBelowThreshold(t *testing.T) {
	c := NewBackgroundSubtractor(DefaultConfig())
	bg := grayFrame(120, 90, 60)

	_, err := c.Classify(bg)
	require.NoError(t, err)

	// 輝度差10はしきい値25以下
	moving, err := c.Classify(withSquare(bg, 0, 0, 60, 70))
	require.NoError(t, err)
	assert.False(t, moving)
}

func TestBackgroundSubtractor_YCbCrFrames(t *testing.T) {
	c := NewBackgroundSubtractor(DefaultConfig())
	rect := image.Rect(0, 0, 64, 64)

	newFrame := func(square bool) *image.YCbCr {
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
		for i := range img.Y {
			img.Y[i] = 40
		}
		if square {
			for y := 8; y < 40; y++ {
				for x := 8; x < 40; x++ {
					img.Y[img.YOffset(x, y)] = 230
				}
			}
		}
		return img
	}

	moving, err := c.Classify(newFrame(false))
	require.NoError(t, err)
	assert.False(t, moving)

	moving, err = c.Classify(newFrame(true))
	require.NoError(t, err)
	assert.True(t, moving)
}

func TestBackgroundSubtractor_ResolutionChangeReseeds(t *testing.T) {
	c := NewBackgroundSubtractor(DefaultConfig())

	_, err := c.Classify(grayFrame(120, 90, 60))
	require.NoError(t, err)

	moving, err := c.Classify(grayFrame(64, 48, 250))
	require.NoError(t, err)
	assert.False(t, moving, "a new resolution must reseed the model")
}

func TestBackgroundSubtractor_InvalidFrames(t *testing.T) {
	c := NewBackgroundSubtractor(DefaultConfig())

	_, err := c.Classify(nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = c.Classify(image.NewGray(image.Rect(0, 0, 0, 0)))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.LearningRate = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MinArea = -1
	assert.Error(t, cfg.Validate())
}
