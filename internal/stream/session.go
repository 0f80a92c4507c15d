package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vipreception/internal/camera"
	"vipreception/internal/codec"
	"vipreception/internal/ledger"
	"vipreception/internal/recognition"
	"vipreception/internal/retry"
)

// Recognizer は1フレームの認識処理を行う
type Recognizer interface {
	Dispatch(ctx context.Context, frame *camera.RawFrame, cameraID string) *recognition.DetectionEvent
}

// VisitRecorder はセッション中の来場記録を管理する
type VisitRecorder interface {
	RecordIfNew(ctx context.Context, subjectID int64, cameraID string, method recognition.Method) (*ledger.VisitRecord, error)
	Reset()
}

// Viewer はセッションに接続された1人の視聴者
type Viewer interface {
	ID() string
	// Deliver は送信キューに積むだけで、ブロックしない
	Deliver(env Envelope)
	// Close は理由を通知してから接続を閉じる
	Close(reason string)
	Stats() ViewerStats
}

// SessionConfig はCameraSessionの設定
type SessionConfig struct {
	SampleInterval uint64       // N フレームごとに認識処理を行う
	Retry          retry.Config // RECOVERING中の再接続設定
}

// SessionStats はセッションの統計情報
type SessionStats struct {
	CameraID        string        `json:"camera_id"`
	State           SessionState  `json:"state"`
	TestMode        bool          `json:"test_mode"`
	LastSeq         uint64        `json:"last_seq"`
	FramesEncoded   uint64        `json:"frames_encoded"`
	DispatchSkipped uint64        `json:"dispatch_skipped"`
	Detections      uint64        `json:"detections"`
	Viewers         []ViewerStats `json:"viewers"`
	StartedAt       time.Time     `json:"started_at"`
}

// Session は1台のカメラのキャプチャループと配信を管理する
type Session struct {
	cfg        SessionConfig
	opener     camera.Opener
	codec      *codec.FrameCodec
	recognizer Recognizer
	ledger     VisitRecorder
	logger     zerolog.Logger
	startedAt  time.Time

	// ループ専用
	desc   camera.Descriptor
	source camera.FrameSource
	seq    uint64

	mu       sync.Mutex
	viewers  map[string]Viewer
	state    SessionState
	testMode bool
	lastSeq  uint64

	reconfigure chan string
	inflight    atomic.Bool
	dispatchWG  sync.WaitGroup

	// 来場記録は記録用ゴルーチンだけが書き込む
	records  chan recognition.DetectionEvent
	recordWG sync.WaitGroup

	framesEncoded   atomic.Uint64
	dispatchSkipped atomic.Uint64
	detections      atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewSession は新しいSessionを作成する。Startを呼ぶまでループは動かない
func NewSession(desc camera.Descriptor, cfg SessionConfig, opener camera.Opener, fc *codec.FrameCodec, recognizer Recognizer, visits VisitRecorder) *Session {
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:         cfg,
		opener:      opener,
		codec:       fc,
		recognizer:  recognizer,
		ledger:      visits,
		logger:      log.With().Str("camera_id", desc.ID).Logger(),
		desc:        desc.WithDefaults(),
		viewers:     make(map[string]Viewer),
		state:       StateInitializing,
		reconfigure: make(chan string, 1),
		records:     make(chan recognition.DetectionEvent, recordQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// recordQueueSize は書き込み待ちの検出結果の上限
const recordQueueSize = 16

// Start はキャプチャループを開始する
func (s *Session) Start() {
	s.startedAt = time.Now()
	if s.ledger != nil {
		s.recordWG.Add(1)
		go s.recordLoop()
	}
	go s.run()
}

// Stop はループを止め、実行中の認識処理をキャンセルしてソースを解放する
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
		s.dispatchWG.Wait()
		s.recordWG.Wait()
		if s.ledger != nil {
			s.ledger.Reset()
		}
		s.logger.Info().Msg("カメラセッションを停止しました")
	})
}

// Done はループ終了時にクローズされる
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CameraID はカメラIDを返す
func (s *Session) CameraID() string {
	return s.desc.ID
}

// Attach は視聴者を追加する
// 既に初期化が済んでいれば、connected、stream_info、statusをすぐに送る
func (s *Session) Attach(v Viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.viewers[v.ID()] = v
	if s.state != StateInitializing && s.state != StateClosed {
		for _, env := range s.greetingLocked() {
			v.Deliver(env)
		}
	}
	s.logger.Info().Str("viewer_id", v.ID()).Int("viewers", len(s.viewers)).Msg("視聴者が接続しました")
}

// Detach は視聴者を取り除く。接続されていなければfalseを返す
func (s *Session) Detach(viewerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.viewers[viewerID]; !ok {
		return false
	}
	delete(s.viewers, viewerID)
	s.logger.Info().Str("viewer_id", viewerID).Int("viewers", len(s.viewers)).Msg("視聴者が切断しました")
	return true
}

// CloseViewers は全視聴者に理由を通知して切断する
func (s *Session) CloseViewers(reason string) {
	s.mu.Lock()
	viewers := make([]Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.mu.Unlock()

	for _, v := range viewers {
		v.Close(reason)
	}
}

// Reconfigure はソースの切り替えを要求する
// TEST_FALLBACKから抜ける唯一の経路
func (s *Session) Reconfigure(source string) {
	for {
		select {
		case s.reconfigure <- source:
			return
		default:
		}
		// 未処理の要求は新しいもので置き換える
		select {
		case <-s.reconfigure:
		default:
		}
	}
}

// State は現在の状態を返す
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TestMode はテストパターンで配信中かを返す
func (s *Session) TestMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testMode
}

// ViewerCount は接続中の視聴者数を返す
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Stats は統計情報を返す
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SessionStats{
		CameraID:        s.desc.ID,
		State:           s.state,
		TestMode:        s.testMode,
		LastSeq:         s.lastSeq,
		FramesEncoded:   s.framesEncoded.Load(),
		DispatchSkipped: s.dispatchSkipped.Load(),
		Detections:      s.detections.Load(),
		Viewers:         make([]ViewerStats, 0, len(s.viewers)),
		StartedAt:       s.startedAt,
	}
	for _, v := range s.viewers {
		stats.Viewers = append(stats.Viewers, v.Stats())
	}
	return stats
}

// --- ループ ---

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if s.source != nil {
			_ = s.source.Close()
		}
		s.setState(StateClosed, false)
	}()

	s.openInitial(s.desc)
	if s.ctx.Err() != nil {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case source := <-s.reconfigure:
			s.applyReconfigure(source)
			continue
		default:
		}
		if s.ctx.Err() != nil {
			return
		}

		start := time.Now()
		if err := s.step(); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.handleFailure(err)
			continue
		}

		wait := s.desc.FrameBudget() - time.Since(start)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// step はキャプチャ、エンコード、配信、サンプリングを1回行う
func (s *Session) step() error {
	if s.source == nil {
		return camera.ErrSourceUnavailable
	}
	frame, err := s.source.Next(s.ctx)
	if err != nil {
		return err
	}

	s.seq++
	frame.Seq = s.seq
	frame.TestMode = frame.TestMode || s.TestMode()

	wf, err := s.codec.Encode(frame)
	switch {
	case errors.Is(err, codec.ErrEncodeOverflow):
		s.logger.Debug().Err(err).Uint64("seq", frame.Seq).Msg("フレームをスキップしました")
	case err != nil:
		return err
	default:
		s.framesEncoded.Add(1)
		s.broadcastFrame(wf)
	}

	if frame.Seq%s.cfg.SampleInterval == 0 {
		s.submitDispatch(frame.Clone())
	}
	return nil
}

// openInitial はINITIALIZINGからSTREAMINGまたはTEST_FALLBACKへ遷移する
func (s *Session) openInitial(desc camera.Descriptor) {
	src, err := s.opener.Open(s.ctx, desc)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Str("source", desc.Source).Msg("ソースを開けないためテストパターンに切り替えます")
		s.source = s.opener.Fallback(desc)
		s.setState(StateTestFallback, true)
		return
	}
	s.source = src
	s.setState(StateStreaming, src.Info().TestMode)
}

// handleFailure はSTREAMING中の失敗でRECOVERINGへ遷移し、再接続を試みる
func (s *Session) handleFailure(err error) {
	if s.State() != StateStreaming {
		// テストパターンは失敗しないため、ここに来るのはプログラムの誤り
		s.logger.Error().Err(err).Str("state", s.State().String()).Msg("フォールバックソースの読み取りに失敗しました")
		return
	}

	s.logger.Warn().Err(err).Msg("フレームの取得に失敗したため再接続します")
	_ = s.source.Close()
	s.source = nil
	s.setState(StateRecovering, s.TestMode())

	var src camera.FrameSource
	err = retry.Do(s.ctx, s.cfg.Retry, func(ctx context.Context) error {
		var openErr error
		src, openErr = s.opener.Open(ctx, s.desc)
		return openErr
	}, func(attempt int, delay time.Duration, err error) {
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("再接続に失敗しました")
	})
	if s.ctx.Err() != nil {
		if src != nil {
			_ = src.Close()
		}
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("再接続を諦めテストパターンに切り替えます")
		s.source = s.opener.Fallback(s.desc)
		s.setState(StateTestFallback, true)
		return
	}

	s.source = src
	s.setState(StateStreaming, src.Info().TestMode)
	s.logger.Info().Msg("再接続しました")
}

// applyReconfigure は新しいソースロケータで開き直す
func (s *Session) applyReconfigure(source string) {
	s.logger.Info().Str("source", source).Msg("ソースを再設定します")

	if s.source != nil {
		_ = s.source.Close()
		s.source = nil
	}
	s.mu.Lock()
	s.desc.Source = source
	s.mu.Unlock()
	s.setState(StateInitializing, false)
	s.openInitial(s.desc)
}

// setState は状態を更新し、視聴者に通知する
func (s *Session) setState(to SessionState, testMode bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if from == to && s.testMode == testMode {
		return
	}
	if from != to && !canTransition(from, to) {
		s.logger.Error().Str("from", from.String()).Str("to", to.String()).Msg("不正な状態遷移です")
		return
	}
	s.state = to
	s.testMode = testMode
	s.logger.Info().Str("from", from.String()).Str("state", to.String()).Bool("test_mode", testMode).Msg("状態が変化しました")

	switch {
	case to == StateInitializing || to == StateClosed:
		s.broadcastLocked(encode(s.lastSeq, s.statusMessageLocked()))
	case from == StateInitializing:
		// 初期化中に接続した視聴者にはここで最初の通知を送る
		for _, env := range s.greetingLocked() {
			s.broadcastLocked(env)
		}
	default:
		s.broadcastLocked(encode(s.lastSeq, s.statusMessageLocked()))
	}
}

func (s *Session) statusMessageLocked() StatusMessage {
	return StatusMessage{
		Type:     TypeStatus,
		CameraID: s.desc.ID,
		State:    s.state,
		TestMode: s.testMode,
	}
}

// greetingLocked は接続時に送るメッセージを作る
func (s *Session) greetingLocked() []Envelope {
	w, h := codec.ScaledSize(s.desc.Width, s.desc.Height, s.codec.MaxDimension())
	return []Envelope{
		encode(s.lastSeq, ConnectedMessage{
			Type:       TypeConnected,
			CameraID:   s.desc.ID,
			CameraName: s.desc.Name,
			TestMode:   s.testMode,
		}),
		encode(s.lastSeq, StreamInfoMessage{
			Type:     TypeStreamInfo,
			CameraID: s.desc.ID,
			Width:    w,
			Height:   h,
			FPS:      s.desc.FPS,
			Format:   codec.Format,
		}),
		encode(s.lastSeq, s.statusMessageLocked()),
	}
}

func (s *Session) broadcastFrame(wf *codec.WireFrame) {
	env := frameEnvelope(s.desc.ID, wf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = wf.Seq
	s.broadcastLocked(env)
}

func (s *Session) broadcastLocked(env Envelope) {
	for _, v := range s.viewers {
		v.Deliver(env)
	}
}

// submitDispatch は認識処理を非同期に開始する
// 実行中の処理がある場合はスキップする
func (s *Session) submitDispatch(frame *camera.RawFrame) {
	if s.recognizer == nil {
		return
	}
	if !s.inflight.CompareAndSwap(false, true) {
		s.dispatchSkipped.Add(1)
		s.logger.Debug().Uint64("seq", frame.Seq).Msg("認識処理が実行中のためスキップしました")
		return
	}

	s.dispatchWG.Add(1)
	go func() {
		defer s.dispatchWG.Done()
		defer s.inflight.Store(false)
		s.handleDetection(s.recognizer.Dispatch(s.ctx, frame, s.desc.ID))
	}()
}

// handleDetection は認識結果を視聴者に通知し、来場記録の書き込みを依頼する
// 書き込みの成否や再試行は配信を待たせない
func (s *Session) handleDetection(ev *recognition.DetectionEvent) {
	if ev == nil || s.ctx.Err() != nil {
		return
	}
	s.detections.Add(1)

	env := encode(ev.Seq, RecognitionUpdateMessage{
		Type:       TypeRecognitionUpdate,
		CameraID:   ev.CameraID,
		Detections: []recognition.DetectionEvent{*ev},
	})
	s.mu.Lock()
	s.broadcastLocked(env)
	s.mu.Unlock()

	if !ev.Matched() || s.ledger == nil {
		return
	}
	select {
	case s.records <- *ev:
	default:
		// 記録済みにはならないので、次の検出で再度書き込まれる
		s.logger.Warn().Int64("subject_id", *ev.SubjectID).Msg("来場記録の待ち行列が一杯のため破棄しました")
	}
}

// recordLoop は検出結果を順に来場記録へ書き込む
func (s *Session) recordLoop() {
	defer s.recordWG.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.records:
			s.record(ev)
		}
	}
}

func (s *Session) record(ev recognition.DetectionEvent) {
	_, err := s.ledger.RecordIfNew(s.ctx, *ev.SubjectID, ev.CameraID, ev.Kind)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrAlreadyRecorded):
		s.logger.Debug().Int64("subject_id", *ev.SubjectID).Msg("既に記録済みの来場者です")
	case s.ctx.Err() != nil:
	default:
		s.logger.Warn().Err(err).Int64("subject_id", *ev.SubjectID).Msg("来場記録に失敗しました")
	}
}
