package recording

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"

	"kanshi/internal/camera"
)

// aviHeaderSize はRIFFヘッダーからmoviリストの識別子までの長さ
const aviHeaderSize = 224

// AVIフラグ
const (
	avifHasIndex   = 0x10
	aviifKeyframe  = 0x10
	aviChunkHeader = 8
)

// aviIndexEntry はidx1に書き込む1フレーム分の位置
type aviIndexEntry struct {
	offset uint32 // moviの識別子からの相対位置
	size   uint32
}

// MJPEGSink はMotion JPEGのAVIファイルにフレームを書き込む
// 出力解像度と異なるフレームは縮小・拡大してから再エンコードする
// ヘッダーのフレーム数とインデックスはCloseで確定する
type MJPEGSink struct {
	path    string
	file    *os.File
	w       *bufio.Writer
	width   int
	height  int
	fps     int
	quality int
	scaled  *image.RGBA

	frame    bytes.Buffer
	index    []aviIndexEntry
	moviSize uint32 // moviリスト内のチャンクの合計
	maxFrame uint32
}

// NewMJPEGSink は出力ファイルを作成し、仮のヘッダーを書き込む
func NewMJPEGSink(path string, cfg Config) (*MJPEGSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: クリップファイルの作成に失敗: %v", ErrSinkWrite, err)
	}

	fps := cfg.FPS
	if fps <= 0 {
		fps = DefaultConfig().FPS
	}

	s := &MJPEGSink{
		path:    path,
		file:    file,
		w:       bufio.NewWriterSize(file, 256*1024),
		width:   cfg.Width,
		height:  cfg.Height,
		fps:     fps,
		quality: cfg.Quality,
	}
	if _, err := s.w.Write(s.header()); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: ヘッダーの書き込みに失敗: %v", ErrSinkWrite, err)
	}
	return s, nil
}

// WriteFrame はフレームを00dcチャンクとして追記する
func (s *MJPEGSink) WriteFrame(f camera.Frame) error {
	s.frame.Reset()
	if err := writeJPEG(&s.frame, f, s.width, s.height, s.quality, &s.scaled); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSinkWrite, s.path, err)
	}

	size := s.frame.Len()
	if uint64(s.moviSize)+uint64(size)+aviChunkHeader+1 > math.MaxUint32-aviHeaderSize {
		return fmt.Errorf("%w: %s: AVIの上限サイズを超えました", ErrSinkWrite, s.path)
	}

	chunk := make([]byte, 0, aviChunkHeader)
	chunk = append(chunk, "00dc"...)
	chunk = binary.LittleEndian.AppendUint32(chunk, uint32(size))
	if _, err := s.w.Write(chunk); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSinkWrite, s.path, err)
	}
	if _, err := s.w.Write(s.frame.Bytes()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSinkWrite, s.path, err)
	}
	// チャンクは2バイト境界に揃える
	padded := size
	if size%2 == 1 {
		if err := s.w.WriteByte(0); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSinkWrite, s.path, err)
		}
		padded++
	}

	s.index = append(s.index, aviIndexEntry{offset: 4 + s.moviSize, size: uint32(size)})
	s.moviSize += aviChunkHeader + uint32(padded)
	if uint32(size) > s.maxFrame {
		s.maxFrame = uint32(size)
	}
	return nil
}

// Close はインデックスを追記し、ヘッダーを確定してファイルを閉じる
func (s *MJPEGSink) Close() error {
	idx := make([]byte, 0, aviChunkHeader+16*len(s.index))
	idx = append(idx, "idx1"...)
	idx = binary.LittleEndian.AppendUint32(idx, uint32(16*len(s.index)))
	for _, e := range s.index {
		idx = append(idx, "00dc"...)
		idx = binary.LittleEndian.AppendUint32(idx, aviifKeyframe)
		idx = binary.LittleEndian.AppendUint32(idx, e.offset)
		idx = binary.LittleEndian.AppendUint32(idx, e.size)
	}

	if _, err := s.w.Write(idx); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("%w: インデックスの書き込みに失敗: %v", ErrSinkWrite, err)
	}
	if err := s.w.Flush(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("%w: フラッシュに失敗: %v", ErrSinkWrite, err)
	}
	if _, err := s.file.WriteAt(s.header(), 0); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("%w: ヘッダーの更新に失敗: %v", ErrSinkWrite, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: ファイルのクローズに失敗: %v", ErrSinkWrite, err)
	}
	return nil
}

// Abort はファイルを閉じて削除する
func (s *MJPEGSink) Abort() error {
	_ = s.file.Close() // 既に閉じている場合のエラーは無視
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("途中のクリップの削除に失敗: %w", err)
	}
	return nil
}

// Path は出力ファイルのパスを返す
func (s *MJPEGSink) Path() string {
	return s.path
}

// header は現在のフレーム数でRIFF/hdrl/moviのヘッダーを組み立てる
func (s *MJPEGSink) header() []byte {
	frames := uint32(len(s.index))
	width, height := uint32(s.width), uint32(s.height)
	usPerFrame := uint32(1000000 / s.fps)
	riffSize := aviHeaderSize - 8 + s.moviSize + aviChunkHeader + 16*frames

	le := binary.LittleEndian
	b := make([]byte, 0, aviHeaderSize)

	b = append(b, "RIFF"...)
	b = le.AppendUint32(b, riffSize)
	b = append(b, "AVI "...)

	b = append(b, "LIST"...)
	b = le.AppendUint32(b, 192)
	b = append(b, "hdrl"...)

	// avih
	b = append(b, "avih"...)
	b = le.AppendUint32(b, 56)
	b = le.AppendUint32(b, usPerFrame)
	b = le.AppendUint32(b, s.maxFrame*uint32(s.fps)) // dwMaxBytesPerSec
	b = le.AppendUint32(b, 0)                        // dwPaddingGranularity
	b = le.AppendUint32(b, avifHasIndex)
	b = le.AppendUint32(b, frames)
	b = le.AppendUint32(b, 0) // dwInitialFrames
	b = le.AppendUint32(b, 1) // dwStreams
	b = le.AppendUint32(b, s.maxFrame)
	b = le.AppendUint32(b, width)
	b = le.AppendUint32(b, height)
	b = append(b, make([]byte, 16)...) // dwReserved

	b = append(b, "LIST"...)
	b = le.AppendUint32(b, 116)
	b = append(b, "strl"...)

	// strh
	b = append(b, "strh"...)
	b = le.AppendUint32(b, 56)
	b = append(b, "vids"...)
	b = append(b, "MJPG"...)
	b = le.AppendUint32(b, 0)              // dwFlags
	b = le.AppendUint32(b, 0)              // wPriority, wLanguage
	b = le.AppendUint32(b, 0)              // dwInitialFrames
	b = le.AppendUint32(b, 1)              // dwScale
	b = le.AppendUint32(b, uint32(s.fps))  // dwRate
	b = le.AppendUint32(b, 0)              // dwStart
	b = le.AppendUint32(b, frames)         // dwLength
	b = le.AppendUint32(b, s.maxFrame)     // dwSuggestedBufferSize
	b = le.AppendUint32(b, math.MaxUint32) // dwQuality
	b = le.AppendUint32(b, 0)              // dwSampleSize
	b = le.AppendUint16(b, 0)
	b = le.AppendUint16(b, 0)
	b = le.AppendUint16(b, uint16(width))
	b = le.AppendUint16(b, uint16(height))

	// strf (BITMAPINFOHEADER)
	b = append(b, "strf"...)
	b = le.AppendUint32(b, 40)
	b = le.AppendUint32(b, 40)
	b = le.AppendUint32(b, width)
	b = le.AppendUint32(b, height)
	b = le.AppendUint16(b, 1)  // biPlanes
	b = le.AppendUint16(b, 24) // biBitCount
	b = append(b, "MJPG"...)
	b = le.AppendUint32(b, width*height*3)
	b = append(b, make([]byte, 16)...)

	b = append(b, "LIST"...)
	b = le.AppendUint32(b, 4+s.moviSize)
	b = append(b, "movi"...)

	return b
}

// writeJPEG はフレームを指定解像度のJPEGとしてwに書き込む
// 解像度が一致していれば元のJPEGデータをそのまま使う
func writeJPEG(w io.Writer, f camera.Frame, width, height, quality int, scratch **image.RGBA) error {
	if f.Image == nil {
		if len(f.Data) == 0 {
			return fmt.Errorf("空のフレーム")
		}
		_, err := w.Write(f.Data)
		return err
	}

	bounds := f.Image.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height && len(f.Data) > 0 {
		_, err := w.Write(f.Data)
		return err
	}

	if *scratch == nil {
		*scratch = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	dst := *scratch
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), f.Image, bounds, draw.Src, nil)

	return jpeg.Encode(w, dst, &jpeg.Options{Quality: quality})
}
