package stream

import (
	"sync/atomic"
	"testing"
	"time"

	"vipreception/internal/camera"
	"vipreception/internal/ledger"
	"vipreception/internal/retry"
)

func statesOf(t *testing.T, v *fakeViewer) []string {
	t.Helper()
	var states []string
	for _, m := range v.ofType(t, TypeStatus) {
		states = append(states, m.State)
	}
	return states
}

func containsInOrder(got []string, want ...string) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestSession_FallbackWhenSourceUnavailable(t *testing.T) {
	opener := &fakeOpener{open: unavailable}
	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), nil, nil)
	v := newFakeViewer("v1")
	s.Attach(v)
	s.Start()
	defer s.Stop()

	eventually(t, 2*time.Second, func() bool { return len(v.ofType(t, TypeFrame)) >= 5 }, "frames")

	if s.State() != StateTestFallback {
		t.Errorf("Expected state test_fallback, got %s", s.State())
	}
	if !s.TestMode() {
		t.Error("Expected session to be in test mode")
	}

	msgs := v.messages(t)
	if msgs[0].Type != TypeConnected || msgs[1].Type != TypeStreamInfo || msgs[2].Type != TypeStatus {
		t.Fatalf("Expected connected, stream_info, status first, got %s, %s, %s", msgs[0].Type, msgs[1].Type, msgs[2].Type)
	}
	if !msgs[0].TestMode {
		t.Error("Expected connected message to report test mode")
	}
	if msgs[1].Width != 32 {
		t.Errorf("Expected stream width 32, got %d", msgs[1].Width)
	}

	var last uint64
	for _, f := range v.ofType(t, TypeFrame) {
		if !f.TestMode {
			t.Errorf("frame %d: expected test_mode", f.FrameID)
		}
		if f.FrameID <= last {
			t.Errorf("Expected strictly increasing frame ids, got %d after %d", f.FrameID, last)
		}
		last = f.FrameID
	}
	if first := v.ofType(t, TypeFrame)[0].FrameID; first != 1 {
		t.Errorf("Expected first frame id 1, got %d", first)
	}
}

func TestSession_GreetingOnLateAttach(t *testing.T) {
	opener := &fakeOpener{open: func(camera.Descriptor) (camera.FrameSource, error) { return &fakeSource{}, nil }}
	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), nil, nil)
	s.Start()
	defer s.Stop()

	eventually(t, time.Second, func() bool { return s.State() == StateStreaming }, "streaming")

	v := newFakeViewer("late")
	s.Attach(v)
	msgs := v.messages(t)
	if len(msgs) < 3 {
		t.Fatalf("Expected greeting on attach, got %d messages", len(msgs))
	}
	if msgs[0].Type != TypeConnected || msgs[1].Type != TypeStreamInfo || msgs[2].Type != TypeStatus {
		t.Errorf("Unexpected greeting order: %s, %s, %s", msgs[0].Type, msgs[1].Type, msgs[2].Type)
	}
	if msgs[2].State != "streaming" {
		t.Errorf("Expected status streaming, got %s", msgs[2].State)
	}
}

func TestSession_RecordsSubjectOncePerSession(t *testing.T) {
	opener := &fakeOpener{open: func(camera.Descriptor) (camera.FrameSource, error) { return &fakeSource{}, nil }}
	persist := &fakePersister{}
	l := ledger.New(persist, retry.Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	rec := &fakeRecognizer{subject: 42}

	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), rec, l)
	v := newFakeViewer("v1")
	s.Attach(v)
	s.Start()

	eventually(t, 2*time.Second, func() bool { return len(v.ofType(t, TypeRecognitionUpdate)) >= 3 }, "recognition updates")
	eventually(t, time.Second, func() bool { return persist.count() > 0 }, "visit written")

	if got := persist.count(); got != 1 {
		t.Errorf("Expected exactly 1 visit, got %d", got)
	}

	for _, m := range v.ofType(t, TypeRecognitionUpdate) {
		if len(m.Detected) != 1 {
			t.Fatalf("Expected 1 detection, got %d", len(m.Detected))
		}
		d := m.Detected[0]
		if d.SubjectID == nil || *d.SubjectID != 42 {
			t.Errorf("Expected subject 42, got %v", d.SubjectID)
		}
		if d.FrameID%3 != 0 {
			t.Errorf("Expected sampled frame id to be a multiple of 3, got %d", d.FrameID)
		}
		if m.Env.Seq != d.FrameID {
			t.Errorf("Expected envelope seq %d, got %d", d.FrameID, m.Env.Seq)
		}
	}

	s.Stop()
	if l.Len() != 0 {
		t.Errorf("Expected ledger to be reset on stop, got %d", l.Len())
	}
}

func TestSession_LedgerFailureDoesNotDelayDetections(t *testing.T) {
	opener := &fakeOpener{open: func(camera.Descriptor) (camera.FrameSource, error) { return &fakeSource{}, nil }}
	persist := &failingPersister{}
	// 書き込みの再試行だけで1.4秒かかる
	l := ledger.New(persist, retry.Config{MaxRetries: 3, RetryDelay: 200 * time.Millisecond, MaxRetryDelay: time.Second})
	rec := &fakeRecognizer{subject: 7}

	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), rec, l)
	v := newFakeViewer("v1")
	s.Attach(v)
	s.Start()

	eventually(t, 500*time.Millisecond, func() bool { return len(v.ofType(t, TypeRecognitionUpdate)) > 0 }, "recognition update while the write is retried")
	eventually(t, time.Second, func() bool { return rec.calls.Load() >= 3 }, "recognition keeps running while the write is retried")

	if persist.attempts.Load() == 0 {
		t.Error("Expected the visit write to be attempted")
	}
	if l.Len() != 0 {
		t.Errorf("Expected failed subject not to be marked as seen, got %d", l.Len())
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited for the write retries to finish")
	}
}

func TestSession_RecoversAfterSourceFailure(t *testing.T) {
	var opens atomic.Int32
	first := &fakeSource{failAfter: 3}
	opener := &fakeOpener{open: func(camera.Descriptor) (camera.FrameSource, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		return &fakeSource{}, nil
	}}
	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), nil, nil)
	v := newFakeViewer("v1")
	s.Attach(v)
	s.Start()
	defer s.Stop()

	eventually(t, 2*time.Second, func() bool { return len(v.ofType(t, TypeFrame)) >= 8 }, "frames after recovery")

	if !first.closed.Load() {
		t.Error("Expected failed source to be closed")
	}
	states := statesOf(t, v)
	if !containsInOrder(states, "streaming", "recovering", "streaming") {
		t.Errorf("Expected streaming -> recovering -> streaming, got %v", states)
	}

	var last uint64
	for _, f := range v.ofType(t, TypeFrame) {
		if f.FrameID != last+1 {
			t.Errorf("Expected contiguous frame ids across reopen, got %d after %d", f.FrameID, last)
		}
		if f.TestMode {
			t.Errorf("frame %d: unexpected test_mode", f.FrameID)
		}
		last = f.FrameID
	}
}

func TestSession_FallbackAfterRetriesExhausted(t *testing.T) {
	var opens atomic.Int32
	opener := &fakeOpener{open: func(camera.Descriptor) (camera.FrameSource, error) {
		if opens.Add(1) == 1 {
			return &fakeSource{failAfter: 2}, nil
		}
		return nil, camera.ErrSourceUnavailable
	}}
	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), nil, nil)
	v := newFakeViewer("v1")
	s.Attach(v)
	s.Start()
	defer s.Stop()

	eventually(t, 2*time.Second, func() bool { return s.State() == StateTestFallback }, "test fallback")

	gotOpens, fallbacks := opener.counts()
	// 初回 + 最初の試行 + 再試行2回
	if gotOpens != 4 {
		t.Errorf("Expected 4 opens, got %d", gotOpens)
	}
	if fallbacks != 1 {
		t.Errorf("Expected 1 fallback, got %d", fallbacks)
	}
	if !containsInOrder(statesOf(t, v), "streaming", "recovering", "test_fallback") {
		t.Errorf("Unexpected state sequence %v", statesOf(t, v))
	}

	eventually(t, time.Second, func() bool {
		frames := v.ofType(t, TypeFrame)
		return len(frames) > 3 && frames[len(frames)-1].TestMode
	}, "test mode frames")
}

func TestSession_ReconfigureLeavesTestFallback(t *testing.T) {
	opener := &fakeOpener{open: func(desc camera.Descriptor) (camera.FrameSource, error) {
		if desc.Source == "rtsp://cam/good" {
			return &fakeSource{}, nil
		}
		return nil, camera.ErrSourceUnavailable
	}}
	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), nil, nil)
	v := newFakeViewer("v1")
	s.Attach(v)
	s.Start()
	defer s.Stop()

	eventually(t, time.Second, func() bool { return s.State() == StateTestFallback }, "test fallback")

	s.Reconfigure("rtsp://cam/good")
	eventually(t, time.Second, func() bool { return s.State() == StateStreaming }, "streaming after reconfigure")

	if s.TestMode() {
		t.Error("Expected test mode to be cleared")
	}
	if !containsInOrder(statesOf(t, v), "test_fallback", "initializing", "streaming") {
		t.Errorf("Unexpected state sequence %v", statesOf(t, v))
	}

	eventually(t, time.Second, func() bool {
		frames := v.ofType(t, TypeFrame)
		return len(frames) > 0 && !frames[len(frames)-1].TestMode
	}, "live frames")
}

func TestSession_SkipsDispatchWhileInFlight(t *testing.T) {
	opener := &fakeOpener{open: func(camera.Descriptor) (camera.FrameSource, error) { return &fakeSource{}, nil }}
	rec := &fakeRecognizer{subject: 7, delay: 200 * time.Millisecond}
	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), rec, nil)
	s.Start()

	eventually(t, 2*time.Second, func() bool { return s.Stats().DispatchSkipped > 0 }, "skipped dispatches")

	s.Stop()
	if rec.calls.Load() < 1 {
		t.Error("Expected at least one dispatch")
	}
	if s.State() != StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
}

func TestSession_StopClosesSource(t *testing.T) {
	src := &fakeSource{}
	opener := &fakeOpener{open: func(camera.Descriptor) (camera.FrameSource, error) { return src, nil }}
	s := NewSession(testDescriptor("cam1"), testSessionConfig(), opener, testCodec(), nil, nil)
	s.Start()

	eventually(t, time.Second, func() bool { return s.State() == StateStreaming }, "streaming")
	s.Stop()
	s.Stop()

	select {
	case <-s.Done():
	default:
		t.Error("Expected loop to be finished")
	}
	if !src.closed.Load() {
		t.Error("Expected source to be closed")
	}
}
