package camera

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"time"
)

var (
	// ErrSourceUnavailable はソースを開けない、または読み取りがタイムアウトしたことを表す
	ErrSourceUnavailable = errors.New("映像ソースが利用できません")
	// ErrSourceEOF はソースがこれ以上フレームを生成しないことを表す
	ErrSourceEOF = errors.New("映像ソースが終端に達しました")
)

// Descriptor はカメラ設定の読み取り専用スナップショット
type Descriptor struct {
	ID       string `json:"id" yaml:"id"`             // カメラID
	Name     string `json:"name" yaml:"name"`         // 表示名
	Source   string `json:"source" yaml:"source"`     // ソースロケータ (デバイス番号、URL、test:...)
	Location string `json:"location" yaml:"location"` // 設置場所
	FPS      int    `json:"fps" yaml:"fps"`           // 目標フレームレート
	Width    int    `json:"width" yaml:"width"`       // 目標幅
	Height   int    `json:"height" yaml:"height"`     // 目標高さ
	Active   bool   `json:"active" yaml:"active"`     // 有効フラグ
}

// WithDefaults はゼロ値の項目を既定値で埋めたコピーを返す
func (d Descriptor) WithDefaults() Descriptor {
	if d.FPS <= 0 {
		d.FPS = 15
	}
	if d.Width <= 0 {
		d.Width = 1280
	}
	if d.Height <= 0 {
		d.Height = 720
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	return d
}

// FrameBudget は1フレームあたりの時間予算を返す
func (d Descriptor) FrameBudget() time.Duration {
	fps := d.FPS
	if fps <= 0 {
		fps = 15
	}
	return time.Second / time.Duration(fps)
}

// RawFrame はキャプチャされた未圧縮フレーム
type RawFrame struct {
	Image     *image.RGBA // ピクセルバッファ
	Width     int
	Height    int
	Timestamp time.Time // キャプチャ時刻
	Seq       uint64    // セッション内で単調増加する通し番号
	TestMode  bool      // テストパターン由来かどうか
}

// NewRawFrame は任意の画像からRGBAバッファを持つフレームを作成する
func NewRawFrame(img image.Image, ts time.Time) *RawFrame {
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Bounds().Min != (image.Point{}) {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &RawFrame{
		Image:     rgba,
		Width:     rgba.Bounds().Dx(),
		Height:    rgba.Bounds().Dy(),
		Timestamp: ts,
	}
}

// Clone はピクセルバッファを複製したフレームを返す
// 認識処理に渡すフレームはキャプチャループと共有しない
func (f *RawFrame) Clone() *RawFrame {
	c := *f
	if f.Image != nil {
		c.Image = &image.RGBA{
			Pix:    append([]byte(nil), f.Image.Pix...),
			Stride: f.Image.Stride,
			Rect:   f.Image.Rect,
		}
	}
	return &c
}

// SourceInfo は開かれたソースのメタデータ
type SourceInfo struct {
	Kind     SourceKind
	Locator  string
	TestMode bool
}

// FrameSource は1つの映像ソースを抽象化する
type FrameSource interface {
	// Next は次のフレームを返す。ブロックはソース固有のタイムアウトで打ち切られる
	Next(ctx context.Context) (*RawFrame, error)

	// Close はデバイスやネットワークのハンドルを解放する
	Close() error

	// Info はソースのメタデータを返す
	Info() SourceInfo
}

// Opener はディスクリプタからFrameSourceを開く
type Opener interface {
	// Open は実ソースを開き、起動タイムアウト内に最初のフレームが得られることを確認する
	Open(ctx context.Context, desc Descriptor) (FrameSource, error)

	// Fallback は代替のテストパターンソースを返す。失敗しない
	Fallback(desc Descriptor) FrameSource
}
