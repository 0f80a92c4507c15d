package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// 75%カラーバー (白, 黄, シアン, 緑, マゼンタ, 赤, 青)
var colorBars = []color.RGBA{
	{191, 191, 191, 255},
	{191, 191, 0, 255},
	{0, 191, 191, 255},
	{0, 191, 0, 255},
	{191, 0, 191, 255},
	{191, 0, 0, 255},
	{0, 0, 191, 255},
}

var (
	placeholderBackground = color.RGBA{50, 50, 50, 255}
	placeholderGrid       = color.RGBA{70, 70, 70, 255}
	labelColor            = color.RGBA{255, 255, 255, 255}
	subLabelColor         = color.RGBA{100, 255, 100, 255}
)

// TestPatternSource は合成フレームを生成するFrameSource
// 失敗しないことが保証されている
type TestPatternSource struct {
	style    PatternStyle
	label    string
	width    int
	height   int
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	base    *image.RGBA
	last    time.Time
	counter uint64
	info    SourceInfo
}

// NewTestPatternSource は新しいTestPatternSourceを作成する
func NewTestPatternSource(style PatternStyle, label string, width, height, fps int) *TestPatternSource {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if fps <= 0 {
		fps = 15
	}
	if style == "" {
		style = PatternColorBars
	}

	s := &TestPatternSource{
		style:    style,
		label:    label,
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(fps),
		now:      time.Now,
		info: SourceInfo{
			Kind:     SourceKindTestPattern,
			Locator:  "test:" + string(style),
			TestMode: true,
		},
	}
	s.base = s.renderBase()
	return s
}

// Next は設定されたフレームレートに合わせて次のフレームを返す
func (s *TestPatternSource) Next(ctx context.Context) (*RawFrame, error) {
	s.mu.Lock()
	wait := time.Duration(0)
	if !s.last.IsZero() {
		wait = s.interval - s.now().Sub(s.last)
	}
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ts := s.now()
	s.last = ts

	img := image.NewRGBA(s.base.Rect)
	copy(img.Pix, s.base.Pix)
	drawText(img, 20, s.height-20, subLabelColor, fmt.Sprintf("%s  #%d", ts.Format("15:04:05.000"), s.counter))

	frame := NewRawFrame(img, ts)
	frame.TestMode = true
	return frame, nil
}

// Close は何もしない
func (s *TestPatternSource) Close() error {
	return nil
}

// Info はソース情報を返す
func (s *TestPatternSource) Info() SourceInfo {
	return s.info
}

// renderBase は時刻表示以外の静的な部分を描画する
func (s *TestPatternSource) renderBase() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))

	switch s.style {
	case PatternPlaceholder:
		draw.Draw(img, img.Bounds(), image.NewUniform(placeholderBackground), image.Point{}, draw.Src)
		for x := 0; x < s.width; x += 40 {
			for y := 0; y < s.height; y++ {
				img.SetRGBA(x, y, placeholderGrid)
			}
		}
		for y := 0; y < s.height; y += 40 {
			for x := 0; x < s.width; x++ {
				img.SetRGBA(x, y, placeholderGrid)
			}
		}
	default:
		barWidth := s.width / len(colorBars)
		for i, c := range colorBars {
			x0 := i * barWidth
			x1 := x0 + barWidth
			if i == len(colorBars)-1 {
				x1 = s.width
			}
			draw.Draw(img, image.Rect(x0, 0, x1, s.height), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}

	draw.Draw(img, image.Rect(0, 0, s.width, 60), image.NewUniform(color.RGBA{0, 0, 0, 160}), image.Point{}, draw.Over)
	drawText(img, 20, 25, labelColor, s.label)
	drawText(img, 20, 45, labelColor, "TEST MODE")
	return img
}

func drawText(dst *image.RGBA, x, y int, c color.Color, text string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
