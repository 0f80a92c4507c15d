package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SourceCreator はロケータからソースを作成する関数の型
type SourceCreator func(ctx context.Context, loc Locator, desc Descriptor) (FrameSource, error)

// OpenerConfig はOpenerの設定
type OpenerConfig struct {
	StartupTimeout time.Duration // 最初のフレームを待つ上限
	ReadTimeout    time.Duration // 1フレームの読み取り上限
	FFmpegBinary   string
	Discovery      Discovery
}

// DefaultOpener はソース種別ごとの作成関数を持つOpener実装
type DefaultOpener struct {
	cfg      OpenerConfig
	mu       sync.RWMutex
	creators map[SourceKind]SourceCreator
}

var _ Opener = (*DefaultOpener)(nil)

// NewOpener は標準の作成関数を登録したOpenerを作成する
func NewOpener(cfg OpenerConfig) *DefaultOpener {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.Discovery == nil {
		cfg.Discovery = NewLinuxDiscovery()
	}

	o := &DefaultOpener{
		cfg:      cfg,
		creators: make(map[SourceKind]SourceCreator),
	}
	o.Register(SourceKindDevice, o.createDevice)
	o.Register(SourceKindNetwork, o.createNetwork)
	o.Register(SourceKindTestPattern, createTestPattern)
	return o
}

// Register はソース作成関数を登録する
func (o *DefaultOpener) Register(kind SourceKind, creator SourceCreator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.creators[kind] = creator
}

// Open はロケータを解析してソースを開き、最初のフレームを確認する
// 失敗した場合はErrSourceUnavailableを返す
func (o *DefaultOpener) Open(ctx context.Context, desc Descriptor) (FrameSource, error) {
	desc = desc.WithDefaults()

	loc, err := ParseLocator(desc.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	o.mu.RLock()
	creator, ok := o.creators[loc.Kind]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: サポートされていないソース種別: %s", ErrSourceUnavailable, loc.Kind)
	}

	source, err := creator(ctx, loc, desc)
	if err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.cfg.StartupTimeout)
	defer cancel()

	first, err := source.Next(probeCtx)
	if err != nil {
		_ = source.Close()
		log.Warn().Err(err).Str("camera_id", desc.ID).Str("locator", loc.Raw).Msg("起動タイムアウト内にフレームを取得できませんでした")
		return nil, fmt.Errorf("%w: 最初のフレームの取得に失敗: %v", ErrSourceUnavailable, err)
	}

	log.Info().Str("camera_id", desc.ID).Str("kind", string(loc.Kind)).Msg("映像ソースを開きました")
	return &primedSource{FrameSource: source, first: first}, nil
}

// Fallback はラベル付きプレースホルダーのテストパターンを返す
func (o *DefaultOpener) Fallback(desc Descriptor) FrameSource {
	desc = desc.WithDefaults()
	label := fmt.Sprintf("%s - Demo Mode", desc.Name)
	return NewTestPatternSource(PatternPlaceholder, label, desc.Width, desc.Height, desc.FPS)
}

func (o *DefaultOpener) createDevice(ctx context.Context, loc Locator, desc Descriptor) (FrameSource, error) {
	if !o.cfg.Discovery.IsDeviceAvailable(ctx, loc.Device) {
		return nil, fmt.Errorf("%w: デバイスが利用できません: %s", ErrSourceUnavailable, loc.Device)
	}
	capturer := NewFFmpegCapturer(o.cfg.FFmpegBinary, loc, desc.Width, desc.Height, desc.FPS)
	return OpenFFmpegSource(ctx, capturer, o.cfg.ReadTimeout)
}

func (o *DefaultOpener) createNetwork(ctx context.Context, loc Locator, desc Descriptor) (FrameSource, error) {
	capturer := NewFFmpegCapturer(o.cfg.FFmpegBinary, loc, desc.Width, desc.Height, desc.FPS)
	return OpenFFmpegSource(ctx, capturer, o.cfg.ReadTimeout)
}

func createTestPattern(_ context.Context, loc Locator, desc Descriptor) (FrameSource, error) {
	return NewTestPatternSource(loc.Pattern, desc.Name, desc.Width, desc.Height, desc.FPS), nil
}

// primedSource は起動確認で読んだ最初のフレームを先に返す
type primedSource struct {
	FrameSource
	mu    sync.Mutex
	first *RawFrame
}

func (p *primedSource) Next(ctx context.Context) (*RawFrame, error) {
	p.mu.Lock()
	first := p.first
	p.first = nil
	p.mu.Unlock()

	if first != nil {
		return first, nil
	}
	return p.FrameSource.Next(ctx)
}
