package stream

import "sync"

// Outbox はViewerLinkの送信待ちキュー
//
// フレームは深さが制限され、満杯の場合は最も古いフレームを破棄する。
// イベントは破棄されず、Seq以下のフレームを全て送り終えてから送られる。
type Outbox struct {
	mu      sync.Mutex
	depth   int
	frames  []Envelope
	events  []Envelope
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// NewOutbox は新しいOutboxを作成する
func NewOutbox(depth int) *Outbox {
	if depth <= 0 {
		depth = 5
	}
	return &Outbox{
		depth:  depth,
		frames: make([]Envelope, 0, depth),
		notify: make(chan struct{}, 1),
	}
}

// PushFrame はフレームを追加する。古いフレームを破棄した場合はtrueを返す
func (o *Outbox) PushFrame(env Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}

	dropped := false
	if len(o.frames) >= o.depth {
		copy(o.frames, o.frames[1:])
		o.frames = o.frames[:len(o.frames)-1]
		o.dropped++
		dropped = true
	}
	o.frames = append(o.frames, env)
	o.signal()
	return dropped
}

// PushEvent はイベントを追加する
func (o *Outbox) PushEvent(env Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.events = append(o.events, env)
	o.signal()
}

// Next は次に送るメッセージを取り出す
func (o *Outbox) Next() (Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.events) > 0 && (len(o.frames) == 0 || o.frames[0].Seq > o.events[0].Seq) {
		env := o.events[0]
		o.events[0] = Envelope{}
		o.events = o.events[1:]
		return env, true
	}
	if len(o.frames) > 0 {
		env := o.frames[0]
		copy(o.frames, o.frames[1:])
		o.frames = o.frames[:len(o.frames)-1]
		return env, true
	}
	return Envelope{}, false
}

// Close は以降の追加を拒否する。残りはNextで取り出せる
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		o.signal()
	}
}

// Drained はクローズ済みで送信待ちがないかを返す
func (o *Outbox) Drained() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed && len(o.frames) == 0 && len(o.events) == 0
}

// Wait は追加があると通知されるチャンネルを返す
func (o *Outbox) Wait() <-chan struct{} {
	return o.notify
}

// Len は送信待ちのフレーム数とイベント数を返す
func (o *Outbox) Len() (frames, events int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames), len(o.events)
}

// Dropped は破棄したフレーム数を返す
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
