package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"vipreception/internal/codec"
)

func newLinkServer(t *testing.T) (*websocket.Conn, *Link) {
	t.Helper()
	client, link, _ := startLinkServer(t, LinkConfig{QueueDepth: 5, PingPeriod: time.Second})
	return client, link
}

// startLinkServer はLinkを動かすサーバーに接続する
// 返すチャンネルはRunが戻るとクローズされる
func startLinkServer(t *testing.T, cfg LinkConfig) (*websocket.Conn, *Link, <-chan struct{}) {
	t.Helper()

	links := make(chan *Link, 1)
	finished := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		link := NewLink(conn, "cam1", cfg)
		links <- link
		link.Run()
		close(finished)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case link := <-links:
		return client, link, finished
	case <-time.After(time.Second):
		t.Fatal("link was not created")
	}
	return nil, nil, nil
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return msg
}

func TestLink_DeliversMessages(t *testing.T) {
	client, link := newLinkServer(t)

	link.Deliver(encode(0, StatusMessage{Type: TypeStatus, CameraID: "cam1", State: StateStreaming}))
	link.Deliver(frameEnvelope("cam1", &codec.WireFrame{Data: []byte{0xff, 0xd8}, Width: 2, Height: 1, Seq: 1}))

	status := readMessage(t, client)
	if status["type"] != TypeStatus || status["state"] != "streaming" {
		t.Errorf("Unexpected status message: %v", status)
	}
	frame := readMessage(t, client)
	if frame["type"] != TypeFrame {
		t.Fatalf("Expected frame, got %v", frame["type"])
	}
	if frame["data"] != "/9g=" {
		t.Errorf("Expected base64 payload, got %v", frame["data"])
	}
	if frame["frame_id"] != float64(1) {
		t.Errorf("Expected frame_id 1, got %v", frame["frame_id"])
	}

	eventually(t, time.Second, func() bool { return link.Stats().FramesSent == 1 }, "frames sent")
	if link.Stats().ID != link.ID() {
		t.Error("Expected stats to carry the viewer id")
	}
}

func TestLink_RepliesToPing(t *testing.T) {
	client, _ := newLinkServer(t)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	pong := readMessage(t, client)
	if pong["type"] != TypePong {
		t.Errorf("Expected pong, got %v", pong["type"])
	}
	if _, ok := pong["timestamp"].(float64); !ok {
		t.Errorf("Expected numeric timestamp, got %v", pong["timestamp"])
	}

	// 不正なメッセージでは切断しない
	_ = client.WriteMessage(websocket.TextMessage, []byte(`not json`))
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	if readMessage(t, client)["type"] != TypePong {
		t.Error("Expected connection to survive an invalid message")
	}
}

func TestLink_CloseSendsReason(t *testing.T) {
	client, link := newLinkServer(t)

	link.Close("配信が停止されました")

	msg := readMessage(t, client)
	if msg["type"] != TypeError || msg["message"] != "配信が停止されました" {
		t.Errorf("Unexpected message: %v", msg)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal closure, got %v", err)
	}
}

func TestLink_KeepAlive(t *testing.T) {
	tests := []struct {
		name         string
		clientReads  bool
		expectClosed bool
	}{
		{
			name:         "pongを返さない視聴者は切断される",
			clientReads:  false,
			expectClosed: true,
		},
		{
			name:         "pongを返す視聴者は接続が続く",
			clientReads:  true,
			expectClosed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, finished := startLinkServer(t, LinkConfig{
				QueueDepth: 5,
				PingPeriod: 100 * time.Millisecond,
				PongWait:   300 * time.Millisecond,
			})
			if tt.clientReads {
				// 読み込み中はgorillaの既定のハンドラがpingにpongを返す
				go func() {
					for {
						if _, _, err := client.ReadMessage(); err != nil {
							return
						}
					}
				}()
			}

			select {
			case <-finished:
				if !tt.expectClosed {
					t.Error("Expected link to stay open while pongs arrive")
				}
			case <-time.After(time.Second):
				if tt.expectClosed {
					t.Error("Expected link to be detached after missing pongs")
				}
			}
		})
	}
}
