package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"time"
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

const (
	defaultChunkSize     = 32 * 1024       // 1回の読み取りサイズ
	defaultMaxBufferSize = 8 * 1024 * 1024 // 終了マーカーが見つからない場合の上限
)

// Decoder はJPEGが連結されたバイトストリームをフレーム列に分割する
//
// 開始マーカー（FF D8）とその後の最初の終了マーカー（FF D9）で
// 囲まれた範囲を1枚のJPEGとして扱う。デコードに失敗した範囲は
// 読み飛ばし、ストリームの終端まで続ける。終了マーカーのない
// 途切れたフレームは、直後のフレームを巻き込まずに捨てる。
// 1本の接続に紐づくため再利用はできない。
type Decoder struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	maxBuf  int
	now     func() time.Time
	seq     uint64
	skipped uint64
	err     error
}

// DecoderOption はDecoderの設定を変更する
type DecoderOption func(*Decoder)

// WithChunkSize は1回の読み取りサイズを設定する
func WithChunkSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = make([]byte, n)
		}
	}
}

// WithMaxBufferSize は未完成フレームを保持する上限を設定する
func WithMaxBufferSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxBuf = n
		}
	}
}

// WithClock はフレームのタイムスタンプに使う時計を設定する
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDecoder は新しいDecoderを作成する
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:      r,
		chunk:  make([]byte, defaultChunkSize),
		maxBuf: defaultMaxBufferSize,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next は次のフレームを返す
// ストリームが正常に終了した場合は io.EOF、
// 読み取りエラーの場合は ErrStream をラップしたエラーを返す
func (d *Decoder) Next() (Frame, error) {
	for {
		if data, ok := d.extract(); ok {
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				d.skipped++
				// 途切れたフレームの後ろに次のフレームが続いている場合は
				// 内側の開始マーカーから読み直す
				inner := bytes.LastIndex(data[len(jpegStart):], jpegStart)
				if inner == -1 {
					continue
				}
				data = data[len(jpegStart)+inner:]
				if img, err = jpeg.Decode(bytes.NewReader(data)); err != nil {
					d.skipped++
					continue
				}
			}
			d.seq++
			return Frame{
				Image:      img,
				Data:       data,
				CapturedAt: d.now(),
				Seq:        d.seq,
			}, nil
		}

		if d.err != nil {
			return Frame{}, d.err
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.err = io.EOF
			} else {
				d.err = fmt.Errorf("%w: フレーム読み取りエラー: %v", ErrStream, err)
			}
		}
	}
}

// Skipped はデコードできずに読み飛ばしたフレーム数を返す
func (d *Decoder) Skipped() uint64 {
	return d.skipped
}

// extract はバッファから完全なJPEGを1枚取り出す
func (d *Decoder) extract() ([]byte, bool) {
	startIdx := bytes.Index(d.buf, jpegStart)
	if startIdx == -1 {
		// 開始マーカーの前半（FF）だけが末尾にある可能性を残す
		if n := len(d.buf); n > 0 && d.buf[n-1] == 0xFF {
			d.buf = append(d.buf[:0], 0xFF)
		} else {
			d.buf = d.buf[:0]
		}
		return nil, false
	}

	// 不要なデータを削除
	if startIdx > 0 {
		d.buf = append(d.buf[:0], d.buf[startIdx:]...)
	}

	endIdx := bytes.Index(d.buf[len(jpegStart):], jpegEnd)
	if endIdx == -1 {
		if len(d.buf) > d.maxBuf {
			// 終了マーカーが来ないまま上限を超えたので破棄
			d.skipped++
			d.buf = d.buf[:0]
		}
		return nil, false
	}

	// マーカーのサイズを含める
	endIdx += len(jpegStart) + len(jpegEnd)
	frame := make([]byte, endIdx)
	copy(frame, d.buf[:endIdx])

	// 処理済みデータを削除
	d.buf = append(d.buf[:0], d.buf[endIdx:]...)
	return frame, true
}
