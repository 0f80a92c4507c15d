package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LinkConfig はViewerLinkの設定
type LinkConfig struct {
	QueueDepth     int           // 未送信フレームの上限
	PingPeriod     time.Duration // pingの送信間隔
	PongWait       time.Duration // pongを待つ上限。超えると切断する
	WriteWait      time.Duration // 1メッセージの書き込み上限
	MaxMessageSize int64         // 受信メッセージの上限
}

// ViewerStats は視聴者ごとの統計情報
type ViewerStats struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connected_at"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
	RemoteAddr    string    `json:"remote_addr"`
}

// Link は1つのWebSocket接続を表すViewer実装
type Link struct {
	id          string
	cameraID    string
	conn        *websocket.Conn
	cfg         LinkConfig
	outbox      *Outbox
	connectedAt time.Time
	logger      zerolog.Logger

	framesSent atomic.Uint64
	done       chan struct{}
	closeOnce  sync.Once
}

var _ Viewer = (*Link)(nil)

// NewLink は新しいLinkを作成する
func NewLink(conn *websocket.Conn, cameraID string, cfg LinkConfig) *Link {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.PongWait <= cfg.PingPeriod {
		cfg.PongWait = cfg.PingPeriod * 2
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	id := uuid.NewString()
	return &Link{
		id:          id,
		cameraID:    cameraID,
		conn:        conn,
		cfg:         cfg,
		outbox:      NewOutbox(cfg.QueueDepth),
		connectedAt: time.Now(),
		logger:      log.With().Str("camera_id", cameraID).Str("viewer_id", id).Logger(),
		done:        make(chan struct{}),
	}
}

// ID は視聴者IDを返す
func (l *Link) ID() string {
	return l.id
}

// Deliver はメッセージを送信キューに積む
func (l *Link) Deliver(env Envelope) {
	if env.Frame {
		l.outbox.PushFrame(env)
		return
	}
	l.outbox.PushEvent(env)
}

// Close はerrorメッセージを送った後に接続を閉じる
func (l *Link) Close(reason string) {
	if reason != "" {
		l.outbox.PushEvent(errorEnvelope(0, reason))
	}
	l.outbox.Close()
}

// Stats は統計情報を返す
func (l *Link) Stats() ViewerStats {
	return ViewerStats{
		ID:            l.id,
		ConnectedAt:   l.connectedAt,
		FramesSent:    l.framesSent.Load(),
		FramesDropped: l.outbox.Dropped(),
		RemoteAddr:    l.conn.RemoteAddr().String(),
	}
}

// Run は送受信を開始し、接続が終わるまでブロックする
func (l *Link) Run() {
	go l.writePump()
	l.readPump()
	l.shutdown()
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.outbox.Close()
		_ = l.conn.Close()
	})
}

// readPump はpongとクライアントのpingを処理する
// 期限内にpongもメッセージも届かなければ接続は死んだものとみなす
func (l *Link) readPump() {
	l.conn.SetReadLimit(l.cfg.MaxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				l.logger.Warn().Err(err).Msg("視聴者との接続が切れました")
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Debug().Err(err).Msg("不正なメッセージを無視しました")
			continue
		}
		switch msg.Type {
		case TypePing:
			l.outbox.PushEvent(pongEnvelope(time.Now()))
		default:
			l.logger.Debug().Str("type", msg.Type).Msg("未知のメッセージを無視しました")
		}
	}
}

// writePump は送信キューの内容とpingを書き込む唯一の書き手
func (l *Link) writePump() {
	ticker := time.NewTicker(l.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		l.shutdown()
	}()

	for {
		select {
		case <-l.done:
			return

		case <-l.outbox.Wait():
			for {
				env, ok := l.outbox.Next()
				if !ok {
					break
				}
				_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteWait))
				if err := l.conn.WriteMessage(websocket.TextMessage, env.Data); err != nil {
					l.logger.Debug().Err(err).Msg("書き込みに失敗しました")
					return
				}
				if env.Frame {
					l.framesSent.Add(1)
				}
			}
			if l.outbox.Drained() {
				_ = l.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(l.cfg.WriteWait))
				return
			}

		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.cfg.WriteWait)); err != nil {
				l.logger.Debug().Err(err).Msg("pingの送信に失敗しました")
				return
			}
		}
	}
}
