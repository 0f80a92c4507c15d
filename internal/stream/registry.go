package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vipreception/internal/camera"
	"vipreception/internal/codec"
)

var (
	// ErrCameraInactive は無効化されたカメラへの接続を表す
	ErrCameraInactive = errors.New("カメラが無効です")
	// ErrSessionClosed は稼働中のセッションがないことを表す
	ErrSessionClosed = errors.New("セッションが稼働していません")
)

// CameraLookup はカメラディスクリプタの取得機能
type CameraLookup interface {
	Camera(ctx context.Context, id string) (camera.Descriptor, error)
}

// RegistryDeps はセッション作成に必要な依存
type RegistryDeps struct {
	Cameras    CameraLookup
	Opener     camera.Opener
	Codec      *codec.FrameCodec
	Recognizer Recognizer
	Session    SessionConfig

	// NewLedger はセッションごとに新しい来場記録を作る
	NewLedger func(cameraID string) VisitRecorder
}

type registryEntry struct {
	session *Session
	refs    int
}

// Registry はカメラIDごとに稼働中のセッションを管理する
// セッションは最初の視聴者で作成され、最後の視聴者の切断で停止する
type Registry struct {
	deps RegistryDeps

	mu       sync.Mutex
	sessions map[string]*registryEntry
	closed   bool
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry(deps RegistryDeps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*registryEntry),
	}
}

// Attach は視聴者をカメラのセッションに追加する。セッションがなければ作成する
func (r *Registry) Attach(ctx context.Context, cameraID string, v Viewer) error {
	desc, err := r.deps.Cameras.Camera(ctx, cameraID)
	if err != nil {
		return fmt.Errorf("カメラの取得に失敗: %w", err)
	}
	if !desc.Active {
		return fmt.Errorf("%w: %s", ErrCameraInactive, cameraID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrSessionClosed
	}

	entry, ok := r.sessions[cameraID]
	if !ok {
		var visits VisitRecorder
		if r.deps.NewLedger != nil {
			visits = r.deps.NewLedger(cameraID)
		}
		s := NewSession(desc, r.deps.Session, r.deps.Opener, r.deps.Codec, r.deps.Recognizer, visits)
		s.Start()
		entry = &registryEntry{session: s}
		r.sessions[cameraID] = entry
		log.Info().Str("camera_id", cameraID).Msg("カメラセッションを開始しました")
	}

	entry.session.Attach(v)
	entry.refs++
	return nil
}

// Detach は視聴者を取り除く。最後の視聴者ならセッションを停止する
// 停止の完了はロックの外で待つ
func (r *Registry) Detach(cameraID, viewerID string) {
	if s := r.detach(cameraID, viewerID); s != nil {
		s.Stop()
	}
}

// detach は参照数を減らし、停止すべきセッションがあれば返す
func (r *Registry) detach(cameraID, viewerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[cameraID]
	if !ok {
		return nil
	}
	// 明示的な停止の後に作られた別セッションの参照数は減らさない
	if !entry.session.Detach(viewerID) {
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		return nil
	}

	delete(r.sessions, cameraID)
	return entry.session
}

// StopCamera は稼働中のセッションを停止し、全視聴者を切断する
func (r *Registry) StopCamera(cameraID string) error {
	r.mu.Lock()
	entry, ok := r.sessions[cameraID]
	if ok {
		delete(r.sessions, cameraID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionClosed, cameraID)
	}
	entry.session.Stop()
	entry.session.CloseViewers("配信が停止されました")
	return nil
}

// Reconfigure は稼働中のセッションにソースの切り替えを要求する
// セッションがなければfalseを返す
func (r *Registry) Reconfigure(cameraID, source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[cameraID]
	if !ok {
		return false
	}
	entry.session.Reconfigure(source)
	return true
}

// Session は稼働中のセッションを返す
func (r *Registry) Session(cameraID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[cameraID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Refs はカメラの視聴者数を返す
func (r *Registry) Refs(cameraID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.sessions[cameraID]; ok {
		return entry.refs
	}
	return 0
}

// Sessions は全セッションの統計情報をカメラID順に返す
func (r *Registry) Sessions() []SessionStats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	stats := make([]SessionStats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, s.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].CameraID < stats[j].CameraID })
	return stats
}

// Shutdown は全セッションを並行して停止し、視聴者を切断する
// 以降のAttachはErrSessionClosedを返す
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := r.sessions
	r.sessions = make(map[string]*registryEntry)
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			e.session.Stop()
			e.session.CloseViewers("サーバーを停止しています")
			return nil
		})
	}
	log.Info().Int("sessions", len(entries)).Msg("全セッションを停止します")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("セッションの停止がタイムアウトしました: %w", ctx.Err())
	}
}
