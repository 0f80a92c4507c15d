package stream

import (
	"testing"
)

func frameEnv(seq uint64) Envelope {
	return Envelope{Seq: seq, Frame: true, Data: []byte{byte(seq)}}
}

func eventEnv(seq uint64) Envelope {
	return Envelope{Seq: seq, Data: []byte{0xff, byte(seq)}}
}

func drain(o *Outbox) []Envelope {
	var out []Envelope
	for {
		env, ok := o.Next()
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func TestOutbox_DropsOldestFrame(t *testing.T) {
	o := NewOutbox(5)

	for seq := uint64(1); seq <= 5; seq++ {
		if o.PushFrame(frameEnv(seq)) {
			t.Fatalf("frame %d: unexpected drop", seq)
		}
	}
	if !o.PushFrame(frameEnv(6)) {
		t.Fatal("Expected 6th frame to drop the oldest")
	}
	if o.Dropped() != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", o.Dropped())
	}

	got := drain(o)
	if len(got) != 5 {
		t.Fatalf("Expected 5 frames, got %d", len(got))
	}
	for i, env := range got {
		if want := uint64(i + 2); env.Seq != want {
			t.Errorf("index %d: expected seq %d, got %d", i, want, env.Seq)
		}
	}
}

func TestOutbox_EventOrdering(t *testing.T) {
	tests := []struct {
		name string
		push func(o *Outbox)
		want []uint64 // フレームは正、イベントは1000+seq
	}{
		{
			name: "イベントは同じseqまでのフレームの後",
			push: func(o *Outbox) {
				o.PushFrame(frameEnv(1))
				o.PushFrame(frameEnv(2))
				o.PushFrame(frameEnv(3))
				o.PushEvent(eventEnv(2))
			},
			want: []uint64{1, 2, 1002, 3},
		},
		{
			name: "後続フレームより先に積まれたイベント",
			push: func(o *Outbox) {
				o.PushEvent(eventEnv(0))
				o.PushFrame(frameEnv(1))
			},
			want: []uint64{1000, 1},
		},
		{
			name: "イベントの順序は保たれる",
			push: func(o *Outbox) {
				o.PushFrame(frameEnv(4))
				o.PushEvent(eventEnv(5))
				o.PushEvent(eventEnv(3))
				o.PushFrame(frameEnv(6))
			},
			want: []uint64{4, 1005, 1003, 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOutbox(5)
			tt.push(o)

			var got []uint64
			for _, env := range drain(o) {
				if env.Frame {
					got = append(got, env.Seq)
				} else {
					got = append(got, 1000+env.Seq)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestOutbox_EventsAreNeverDropped(t *testing.T) {
	o := NewOutbox(2)
	for seq := uint64(1); seq <= 10; seq++ {
		o.PushFrame(frameEnv(seq))
		o.PushEvent(eventEnv(seq))
	}

	frames, events := o.Len()
	if frames != 2 {
		t.Errorf("Expected 2 queued frames, got %d", frames)
	}
	if events != 10 {
		t.Errorf("Expected 10 queued events, got %d", events)
	}
}

func TestOutbox_Close(t *testing.T) {
	o := NewOutbox(5)
	o.PushFrame(frameEnv(1))
	o.Close()
	o.PushFrame(frameEnv(2))
	o.PushEvent(eventEnv(2))

	if o.Drained() {
		t.Error("Expected queued frame to remain after close")
	}
	if got := drain(o); len(got) != 1 {
		t.Errorf("Expected 1 message after close, got %d", len(got))
	}
	if !o.Drained() {
		t.Error("Expected outbox to be drained")
	}

	select {
	case <-o.Wait():
	default:
		t.Error("Expected notification after push")
	}
}
