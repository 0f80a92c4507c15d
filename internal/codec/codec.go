// Package codec はRawFrameを配信用の圧縮フレームに変換する
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"vipreception/internal/camera"
)

// ErrEncodeOverflow は最低品質でも上限サイズを超えることを表す
var ErrEncodeOverflow = errors.New("フレームが最大サイズを超えています")

// Format は配信フレームの画像形式
const Format = "jpeg"

// 品質段階。大きいフレームほど低い品質を使う
const (
	qualityHigh   = 80
	qualityMedium = 70
	qualityLow    = 60
	qualityMin    = 30
	qualityStep   = 15
)

// WireFrame は配信用に圧縮されたフレーム
// 構築後は不変で、全ViewerLinkで共有される
type WireFrame struct {
	Data      []byte
	Width     int
	Height    int
	Seq       uint64
	TestMode  bool
	Timestamp time.Time
}

// Config はFrameCodecの設定
type Config struct {
	MaxDimension  int // 長辺の最大ピクセル数
	MaxFrameBytes int // 1フレームの最大バイト数
}

// FrameCodec はリサイズと適応的なJPEG品質選択を行う
type FrameCodec struct {
	cfg     Config
	skipped atomic.Uint64
}

// New は新しいFrameCodecを作成する
func New(cfg Config) *FrameCodec {
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 640
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 512 * 1024
	}
	return &FrameCodec{cfg: cfg}
}

// Encode はフレームを縮小してJPEGに圧縮する
// 最低品質でも上限を超える場合はErrEncodeOverflowを返し、スキップ数を加算する
func (c *FrameCodec) Encode(frame *camera.RawFrame) (*WireFrame, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("フレームが空です")
	}

	img := Downscale(frame.Image, c.cfg.MaxDimension)
	b := img.Bounds()

	var buf bytes.Buffer
	for q := InitialQuality(b.Dx(), b.Dy()); q >= qualityMin; q -= qualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
		}
		if buf.Len() <= c.cfg.MaxFrameBytes {
			return &WireFrame{
				Data:      append([]byte(nil), buf.Bytes()...),
				Width:     b.Dx(),
				Height:    b.Dy(),
				Seq:       frame.Seq,
				TestMode:  frame.TestMode,
				Timestamp: frame.Timestamp,
			}, nil
		}
	}

	c.skipped.Add(1)
	return nil, fmt.Errorf("%w: seq=%d size=%d limit=%d", ErrEncodeOverflow, frame.Seq, buf.Len(), c.cfg.MaxFrameBytes)
}

// Skipped はサイズ超過で破棄したフレーム数を返す
func (c *FrameCodec) Skipped() uint64 {
	return c.skipped.Load()
}

// MaxDimension は設定された長辺の上限を返す
func (c *FrameCodec) MaxDimension() int {
	return c.cfg.MaxDimension
}

// ScaledSize はアスペクト比を保ったまま長辺がmaxDim以下になる寸法を返す
func ScaledSize(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}

// Downscale は長辺がmaxDim以下になるよう縮小する
// 既に収まっている場合は元の画像を返す
func Downscale(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	nw, nh := ScaledSize(b.Dx(), b.Dy(), maxDim)
	if nw == b.Dx() && nh == b.Dy() {
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// InitialQuality は縮小後の非圧縮サイズの見積もりから品質を選ぶ
func InitialQuality(width, height int) int {
	estimate := width * height * 3
	switch {
	case estimate > 640*480*3:
		return qualityLow
	case estimate > 320*240*3:
		return qualityMedium
	default:
		return qualityHigh
	}
}
