package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FFmpegCapturer はffmpegサブプロセスでデバイスまたはネットワークストリームを読み取り、
// MJPEGのフレーム列として出力する
type FFmpegCapturer struct {
	binary  string
	locator Locator
	width   int
	height  int
	fps     int
}

// NewFFmpegCapturer は新しいFFmpegCapturerを作成する
func NewFFmpegCapturer(binary string, loc Locator, width, height, fps int) *FFmpegCapturer {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegCapturer{
		binary:  binary,
		locator: loc,
		width:   width,
		height:  height,
		fps:     fps,
	}
}

// Args はffmpegに渡す引数を組み立てる
func (c *FFmpegCapturer) Args() []string {
	var args []string
	switch c.locator.Kind {
	case SourceKindDevice:
		args = append(args,
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
			"-i", c.locator.Device,
		)
	case SourceKindNetwork:
		// 低遅延化のためバッファリングを無効にする
		args = append(args, "-fflags", "nobuffer", "-flags", "low_delay")
		if strings.HasPrefix(strings.ToLower(c.locator.URL.Scheme), "rtsp") {
			// UDPの並べ替えによる乱れを避けるためTCPで受信する
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args, "-i", c.locator.URL.String())
		if c.width > 0 && c.height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", c.width, c.height))
		}
	}
	args = append(args,
		"-an",
		"-r", strconv.Itoa(c.fps),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
	return args
}

// StartStream は連続キャプチャを開始し、JPEGフレームをframeChanへ送る
// プロセス終了時はframeChanをクローズする
func (c *FFmpegCapturer) StartStream(ctx context.Context, frameChan chan<- []byte, errorChan chan<- error) error {
	cmd := exec.CommandContext(ctx, c.binary, c.Args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Str("locator", c.locator.Raw).Str("ffmpeg", scanner.Text()).Msg("ffmpeg出力")
		}
	}()

	go func() {
		defer close(frameChan)
		defer func() {
			_ = cmd.Wait() // コンテキストキャンセル時のエラーは無視する
		}()

		if err := readJPEGStream(ctx, stdout, frameChan); err != nil {
			select {
			case errorChan <- err:
			default:
			}
		}
	}()

	return nil
}

// readJPEGStream はSOI/EOIマーカーでストリームを分割してフレームを送る
func readJPEGStream(ctx context.Context, r io.Reader, frameChan chan<- []byte) error {
	buffer := make([]byte, 256*1024)
	var splitter jpegSplitter

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			for _, frame := range splitter.Feed(buffer[:n]) {
				select {
				case frameChan <- frame:
				case <-ctx.Done():
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
	}
}

// jpegSplitter はバイト列から完全なJPEG画像を切り出す
type jpegSplitter struct {
	buf bytes.Buffer
}

// Feed はデータを追加し、完成したフレームを返す
func (s *jpegSplitter) Feed(p []byte) [][]byte {
	s.buf.Write(p)

	var frames [][]byte
	for {
		data := s.buf.Bytes()
		startIdx := bytes.Index(data, jpegSOI)
		if startIdx == -1 {
			// 末尾の0xFFはSOIの前半の可能性があるので残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				s.buf.Reset()
				s.buf.WriteByte(0xFF)
			} else {
				s.buf.Reset()
			}
			return frames
		}

		endIdx := bytes.Index(data[startIdx+2:], jpegEOI)
		if endIdx == -1 {
			// 完全なフレームがまだない
			if startIdx > 0 {
				rest := append([]byte(nil), data[startIdx:]...)
				s.buf.Reset()
				s.buf.Write(rest)
			}
			return frames
		}

		endIdx += startIdx + 2 + 2 // マーカーのサイズを含める
		frame := make([]byte, endIdx-startIdx)
		copy(frame, data[startIdx:endIdx])
		frames = append(frames, frame)

		rest := append([]byte(nil), data[endIdx:]...)
		s.buf.Reset()
		s.buf.Write(rest)
	}
}
