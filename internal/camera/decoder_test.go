package camera

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"testing"
	"testing/iotest"
	"time"
)

// testJPEG は指定した輝度で塗りつぶした16x16のJPEGを返す
func testJPEG(t *testing.T, y uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = y
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg encode failed: %v", err)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, d *Decoder) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		frames = append(frames, f)
	}
}

func TestDecoder_InterleavedGarbage(t *testing.T) {
	first := testJPEG(t, 40)
	second := testJPEG(t, 200)

	var stream bytes.Buffer
	stream.WriteString("HTTP junk before first frame")
	stream.Write(first)
	stream.WriteString("\r\n--frame\r\nContent-Type: image/jpeg\r\n\r\n")
	stream.Write(second)
	stream.WriteString("\r\n--frame\r\n")

	// 1バイトずつ読むことでマーカーが読み取りの境界をまたぐ
	d := NewDecoder(iotest.OneByteReader(&stream), WithChunkSize(7))
	frames := readAll(t, d)

	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0].Data, first) || !bytes.Equal(frames[1].Data, second) {
		t.Error("Expected frame data to match the original JPEG bytes")
	}
	if frames[0].Seq != 1 || frames[1].Seq != 2 {
		t.Errorf("Unexpected sequence numbers: %d, %d", frames[0].Seq, frames[1].Seq)
	}
	if frames[0].Image.Bounds().Dx() != 16 {
		t.Errorf("Expected decoded image width 16, got %d", frames[0].Image.Bounds().Dx())
	}
	if d.Skipped() != 0 {
		t.Errorf("Expected no skipped frames, got %d", d.Skipped())
	}
}

func TestDecoder_CorruptFrameSkipped(t *testing.T) {
	good := testJPEG(t, 128)

	var stream bytes.Buffer
	stream.Write([]byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9})
	stream.Write(good)

	d := NewDecoder(&stream)
	frames := readAll(t, d)

	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	if d.Skipped() != 1 {
		t.Errorf("Expected 1 skipped frame, got %d", d.Skipped())
	}
}

func TestDecoder_MaxBufferExceeded(t *testing.T) {
	good := testJPEG(t, 128)

	var stream bytes.Buffer
	stream.Write([]byte{0xFF, 0xD8})
	stream.Write(make([]byte, 16*1024))
	stream.Write(good)

	d := NewDecoder(&stream, WithChunkSize(512), WithMaxBufferSize(4096))
	frames := readAll(t, d)

	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame after oversized one, got %d", len(frames))
	}
	if d.Skipped() != 1 {
		t.Errorf("Expected 1 skipped frame, got %d", d.Skipped())
	}
}

func TestDecoder_ReadErrorWrapsErrStream(t *testing.T) {
	r := io.MultiReader(bytes.NewReader(testJPEG(t, 90)), iotest.ErrReader(errors.New("connection reset")))
	d := NewDecoder(r)

	if _, err := d.Next(); err != nil {
		t.Fatalf("Expected first frame, got error: %v", err)
	}

	_, err := d.Next()
	if !errors.Is(err, ErrStream) {
		t.Fatalf("Expected ErrStream, got %v", err)
	}

	// エラーは繰り返し返す
	if _, err := d.Next(); !errors.Is(err, ErrStream) {
		t.Errorf("Expected ErrStream again, got %v", err)
	}
}

func TestDecoder_EmptyStream(t *testing.T) {
	d := NewDecoder(bytes.NewReader(nil))
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestDecoder_TruncatedFrameAtEOF(t *testing.T) {
	good := testJPEG(t, 128)

	var stream bytes.Buffer
	stream.Write(good)
	stream.Write(good[:len(good)/2])

	frames := readAll(t, NewDecoder(&stream))
	if len(frames) != 1 {
		t.Errorf("Expected 1 complete frame, got %d", len(frames))
	}
}

func TestDecoder_Clock(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewDecoder(bytes.NewReader(testJPEG(t, 10)), WithClock(func() time.Time { return at }))

	f, err := d.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !f.CapturedAt.Equal(at) {
		t.Errorf("Expected capture time %v, got %v", at, f.CapturedAt)
	}
}

func TestDecoder_TruncatedFrameBeforeGoodFrame(t *testing.T) {
	first := testJPEG(t, 40)
	second := testJPEG(t, 200)

	var stream bytes.Buffer
	stream.Write(first)
	// 開始マーカーだけで終了マーカーのないフレーム
	stream.Write([]byte{0xFF, 0xD8, 0x00, 0x01, 0x02, 0x03})
	stream.Write(second)

	d := NewDecoder(&stream, WithChunkSize(64))
	frames := readAll(t, d)

	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[1].Data, second) {
		t.Error("Expected the frame after the truncated one to be yielded intact")
	}
	if d.Skipped() != 1 {
		t.Errorf("Expected 1 skipped frame, got %d", d.Skipped())
	}
}

func TestDecoder_HalfFrameBeforeGoodFrame(t *testing.T) {
	first := testJPEG(t, 40)
	second := testJPEG(t, 200)

	var stream bytes.Buffer
	stream.Write(first)
	stream.Write(first[:len(first)/2])
	stream.Write(second)

	frames := readAll(t, NewDecoder(&stream))
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if frames[1].Image.Bounds().Dx() != 16 {
		t.Errorf("Expected decoded image width 16, got %d", frames[1].Image.Bounds().Dx())
	}
}
