package camera

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// SourceKind はロケータから判定されるソースの種類
type SourceKind string

const (
	// SourceKindDevice はローカルキャプチャデバイス
	SourceKindDevice SourceKind = "device"
	// SourceKindNetwork はネットワークストリーム
	SourceKindNetwork SourceKind = "network"
	// SourceKindTestPattern は合成テストパターン
	SourceKindTestPattern SourceKind = "test_pattern"
)

// PatternStyle はテストパターンの描画スタイル
type PatternStyle string

const (
	PatternColorBars   PatternStyle = "bars"
	PatternPlaceholder PatternStyle = "placeholder"
)

// Locator は解析済みのソースロケータ
type Locator struct {
	Kind    SourceKind
	Raw     string
	Device  string       // デバイスパス (例: /dev/video0)
	URL     *url.URL     // ネットワークストリームのURL
	Pattern PatternStyle // テストパターンのスタイル
}

var devicePathPattern = regexp.MustCompile(`^/dev/video\d+$`)

// networkSchemes はネットワークストリームとして扱うスキーム
var networkSchemes = map[string]bool{
	"rtsp":  true,
	"rtsps": true,
	"rtmp":  true,
	"http":  true,
	"https": true,
	"udp":   true,
	"tcp":   true,
}

// ParseLocator はロケータ文字列を解析する
//
// 受け付ける形式:
//   - "0", "device:0", "/dev/video0" はデバイス
//   - "rtsp://...", "http(s)://..." などはネットワークストリーム
//   - "test", "test:bars", "test:placeholder" はテストパターン
func ParseLocator(raw string) (Locator, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Locator{}, fmt.Errorf("ロケータが空です")
	}

	lower := strings.ToLower(s)
	if lower == "test" || strings.HasPrefix(lower, "test:") {
		style := PatternColorBars
		if rest := strings.TrimPrefix(lower, "test"); rest != "" {
			switch PatternStyle(strings.TrimPrefix(rest, ":")) {
			case PatternPlaceholder:
				style = PatternPlaceholder
			case PatternColorBars:
			default:
				return Locator{}, fmt.Errorf("未知のテストパターン: %s", s)
			}
		}
		return Locator{Kind: SourceKindTestPattern, Raw: s, Pattern: style}, nil
	}

	if idx, ok := strings.CutPrefix(lower, "device:"); ok {
		return deviceLocator(s, idx)
	}
	if _, err := strconv.Atoi(s); err == nil {
		return deviceLocator(s, s)
	}
	if devicePathPattern.MatchString(s) {
		return Locator{Kind: SourceKindDevice, Raw: s, Device: s}, nil
	}

	if u, err := url.Parse(s); err == nil && networkSchemes[strings.ToLower(u.Scheme)] && u.Host != "" {
		return Locator{Kind: SourceKindNetwork, Raw: s, URL: u}, nil
	}

	return Locator{}, fmt.Errorf("解釈できないロケータ: %s", s)
}

func deviceLocator(raw, index string) (Locator, error) {
	n, err := strconv.Atoi(index)
	if err != nil || n < 0 {
		return Locator{}, fmt.Errorf("無効なデバイス番号: %s", raw)
	}
	return Locator{Kind: SourceKindDevice, Raw: raw, Device: fmt.Sprintf("/dev/video%d", n)}, nil
}
