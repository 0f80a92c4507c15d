package camera

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FFmpegSource はデバイスとネットワークストリームのFrameSource実装
type FFmpegSource struct {
	info        SourceInfo
	readTimeout time.Duration

	cancel context.CancelFunc
	frames chan []byte
	errs   chan error

	closeOnce sync.Once
}

// OpenFFmpegSource はffmpegプロセスを起動してソースを開く
func OpenFFmpegSource(ctx context.Context, capturer *FFmpegCapturer, readTimeout time.Duration) (*FFmpegSource, error) {
	// プロセスはセッションの寿命に従うため、呼び出し元のctxから切り離す
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	internal := make(chan []byte, 2)
	s := &FFmpegSource{
		info: SourceInfo{
			Kind:    capturer.locator.Kind,
			Locator: capturer.locator.Raw,
		},
		readTimeout: readTimeout,
		cancel:      cancel,
		frames:      make(chan []byte, 2),
		errs:        make(chan error, 1),
	}

	if err := capturer.StartStream(procCtx, internal, s.errs); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	go s.forwardFrames(procCtx, internal)
	return s, nil
}

// forwardFrames はキャプチャからフレームを転送する
// 読み手が遅れている場合は古いフレームを破棄する
func (s *FFmpegSource) forwardFrames(ctx context.Context, in <-chan []byte) {
	defer close(s.frames)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.frames <- frame:
			default:
				// チャンネルがフルの場合は古いフレームを破棄
				select {
				case <-s.frames:
				default:
				}
				select {
				case s.frames <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Next は次のフレームをデコードして返す
func (s *FFmpegSource) Next(ctx context.Context) (*RawFrame, error) {
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s から %v 以内にフレームが届きません", ErrSourceUnavailable, s.info.Locator, s.readTimeout)
	case err := <-s.errs:
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	case data, ok := <-s.frames:
		if !ok {
			return nil, ErrSourceEOF
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			log.Debug().Err(err).Str("locator", s.info.Locator).Msg("JPEGフレームのデコードに失敗")
			return nil, fmt.Errorf("%w: JPEG画像のデコードに失敗: %v", ErrSourceUnavailable, err)
		}
		return NewRawFrame(img, time.Now()), nil
	}
}

// Close はffmpegプロセスを停止する
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// Info はソース情報を返す
func (s *FFmpegSource) Info() SourceInfo {
	return s.info
}
