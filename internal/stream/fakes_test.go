package stream

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"vipreception/internal/camera"
	"vipreception/internal/codec"
	"vipreception/internal/ledger"
	"vipreception/internal/recognition"
	"vipreception/internal/retry"
)

// fakeSource は指定数のフレームを返した後に失敗するFrameSource
type fakeSource struct {
	failAfter int // 0なら失敗しない
	testMode  bool
	closeWait chan struct{} // nilでなければCloseはクローズされるまで戻らない

	mu     sync.Mutex
	served int
	closed atomic.Bool
}

func (s *fakeSource) Next(ctx context.Context) (*camera.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && s.served >= s.failAfter {
		return nil, camera.ErrSourceEOF
	}
	s.served++
	frame := camera.NewRawFrame(image.NewRGBA(image.Rect(0, 0, 32, 24)), time.Now())
	frame.TestMode = s.testMode
	return frame, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	if s.closeWait != nil {
		<-s.closeWait
	}
	return nil
}

func (s *fakeSource) Info() camera.SourceInfo {
	return camera.SourceInfo{Kind: camera.SourceKindNetwork, Locator: "fake", TestMode: s.testMode}
}

// fakeOpener はソースロケータごとの挙動を切り替えられるOpener
type fakeOpener struct {
	mu        sync.Mutex
	open      func(desc camera.Descriptor) (camera.FrameSource, error)
	opens     int
	fallbacks int
}

func (o *fakeOpener) Open(ctx context.Context, desc camera.Descriptor) (camera.FrameSource, error) {
	o.mu.Lock()
	o.opens++
	open := o.open
	o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return open(desc)
}

func (o *fakeOpener) Fallback(camera.Descriptor) camera.FrameSource {
	o.mu.Lock()
	o.fallbacks++
	o.mu.Unlock()
	return &fakeSource{testMode: true}
}

func (o *fakeOpener) counts() (opens, fallbacks int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens, o.fallbacks
}

func unavailable(camera.Descriptor) (camera.FrameSource, error) {
	return nil, camera.ErrSourceUnavailable
}

// fakeRecognizer は常に同じ来場者を返す
type fakeRecognizer struct {
	subject int64
	delay   time.Duration
	calls   atomic.Int32
}

func (r *fakeRecognizer) Dispatch(ctx context.Context, frame *camera.RawFrame, cameraID string) *recognition.DetectionEvent {
	r.calls.Add(1)
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.delay):
		}
	}
	id := r.subject
	return &recognition.DetectionEvent{
		Kind:       recognition.MethodFace,
		SubjectID:  &id,
		Confidence: 0.9,
		CameraID:   cameraID,
		Seq:        frame.Seq,
		Timestamp:  frame.Timestamp,
	}
}

// fakePersister は書き込みを記録するPersister
type fakePersister struct {
	mu     sync.Mutex
	visits []ledger.VisitRecord
}

func (p *fakePersister) CreateVisit(_ context.Context, v ledger.VisitRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visits = append(p.visits, v)
	return nil
}

func (p *fakePersister) UpdateAttendeeStatus(context.Context, int64, string) error {
	return nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.visits)
}

// failingPersister は常に書き込みに失敗するPersister
type failingPersister struct {
	attempts atomic.Int32
}

func (p *failingPersister) CreateVisit(context.Context, ledger.VisitRecord) error {
	p.attempts.Add(1)
	return errors.New("write failed")
}

func (p *failingPersister) UpdateAttendeeStatus(context.Context, int64, string) error {
	return nil
}

// fakeViewer は受け取ったメッセージを記録するViewer
type fakeViewer struct {
	id string

	mu     sync.Mutex
	envs   []Envelope
	closed string
}

func newFakeViewer(id string) *fakeViewer {
	return &fakeViewer{id: id}
}

func (v *fakeViewer) ID() string { return v.id }

func (v *fakeViewer) Deliver(env Envelope) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.envs = append(v.envs, env)
}

func (v *fakeViewer) Close(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = reason
}

func (v *fakeViewer) Stats() ViewerStats {
	return ViewerStats{ID: v.id}
}

type decoded struct {
	Type     string       `json:"type"`
	FrameID  uint64       `json:"frame_id"`
	TestMode bool         `json:"test_mode"`
	State    string       `json:"state"`
	Width    int          `json:"width"`
	Message  string       `json:"message"`
	Raw      []byte       `json:"-"`
	Env      Envelope     `json:"-"`
	Detected []detectedEv `json:"detections"`
}

type detectedEv struct {
	SubjectID *int64 `json:"subject_id"`
	FrameID   uint64 `json:"frame_id"`
}

func (v *fakeViewer) messages(t *testing.T) []decoded {
	t.Helper()
	v.mu.Lock()
	envs := append([]Envelope(nil), v.envs...)
	v.mu.Unlock()

	out := make([]decoded, 0, len(envs))
	for _, env := range envs {
		var d decoded
		if err := json.Unmarshal(env.Data, &d); err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}
		d.Raw = env.Data
		d.Env = env
		out = append(out, d)
	}
	return out
}

func (v *fakeViewer) ofType(t *testing.T, typ string) []decoded {
	t.Helper()
	var out []decoded
	for _, m := range v.messages(t) {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (v *fakeViewer) closedReason() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// fakeLookup はメモリ上のカメラ一覧
type fakeLookup map[string]camera.Descriptor

func (l fakeLookup) Camera(_ context.Context, id string) (camera.Descriptor, error) {
	d, ok := l[id]
	if !ok {
		return camera.Descriptor{}, errNoCamera
	}
	return d, nil
}

var errNoCamera = errors.New("no camera")

func testDescriptor(id string) camera.Descriptor {
	return camera.Descriptor{ID: id, Name: id, Source: "rtsp://cam/" + id, FPS: 100, Width: 32, Height: 24, Active: true}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		SampleInterval: 3,
		Retry:          retry.Config{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond},
	}
}

func testCodec() *codec.FrameCodec {
	return codec.New(codec.Config{})
}

// eventually は条件が成立するまで待つ
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
