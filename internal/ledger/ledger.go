// Package ledger はセッション中の来場記録を重複なく作成する
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vipreception/internal/recognition"
	"vipreception/internal/retry"
)

// ErrAlreadyRecorded は同じセッションで既に記録済みであることを表す
var ErrAlreadyRecorded = errors.New("このセッションで既に記録済みです")

// StatusCheckedIn はチェックイン済みの来場者ステータス
const StatusCheckedIn = "checked_in"

// VisitRecord は来場記録
type VisitRecord struct {
	ID         string             `json:"id" dynamodbav:"id"`
	SubjectID  int64              `json:"subject_id" dynamodbav:"subject_id"`
	CameraID   string             `json:"camera_id" dynamodbav:"camera_id"`
	Method     recognition.Method `json:"method" dynamodbav:"method"`
	CheckInAt  time.Time          `json:"check_in_at" dynamodbav:"check_in_at"`
	CheckOutAt *time.Time         `json:"check_out_at,omitempty" dynamodbav:"check_out_at,omitempty"`
}

// DefaultRetryConfig は書き込みの既定の再試行設定を返す
// 検出は数秒ごとに繰り返されるため、ソースの再接続より短く諦める
func DefaultRetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: time.Second,
	}
}

// Persister は来場記録と来場者ステータスの永続化機能
type Persister interface {
	CreateVisit(ctx context.Context, visit VisitRecord) error
	UpdateAttendeeStatus(ctx context.Context, subjectID int64, status string) error
}

// Ledger は1つのカメラセッションの記録済み来場者を保持する
type Ledger struct {
	persist Persister
	retry   retry.Config
	now     func() time.Time

	mu   sync.Mutex
	seen map[int64]struct{}
}

// New は新しいLedgerを作成する
func New(persist Persister, retryCfg retry.Config) *Ledger {
	return &Ledger{
		persist: persist,
		retry:   retryCfg,
		now:     time.Now,
		seen:    make(map[int64]struct{}),
	}
}

// RecordIfNew は初めて識別された来場者の来場記録を作成する
//
// 同じセッションで記録済みならErrAlreadyRecordedを返し、書き込みは行わない。
// 永続化に失敗した場合は記録済みとせず、次の検出で再度書き込みを試みる。
func (l *Ledger) RecordIfNew(ctx context.Context, subjectID int64, cameraID string, method recognition.Method) (*VisitRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[subjectID]; ok {
		return nil, ErrAlreadyRecorded
	}

	visit := VisitRecord{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		CameraID:  cameraID,
		Method:    method,
		CheckInAt: l.now(),
	}

	logger := log.With().Int64("subject_id", subjectID).Str("camera_id", cameraID).Logger()
	onRetry := func(attempt int, delay time.Duration, err error) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("来場記録の書き込みを再試行します")
	}

	if err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.persist.CreateVisit(ctx, visit)
	}, onRetry); err != nil {
		logger.Error().Err(err).Msg("来場記録の書き込みに失敗しました")
		return nil, fmt.Errorf("来場記録の作成に失敗: %w", err)
	}

	// 来場記録は作成済みなので、ステータス更新の失敗では記録済み扱いを取り消さない
	if err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.persist.UpdateAttendeeStatus(ctx, subjectID, StatusCheckedIn)
	}, onRetry); err != nil {
		logger.Error().Err(err).Msg("来場者ステータスの更新に失敗しました")
	}

	l.seen[subjectID] = struct{}{}
	logger.Info().Str("method", string(method)).Str("visit_id", visit.ID).Msg("来場を記録しました")
	return &visit, nil
}

// Reset は記録済みの集合を空にする。セッション終了時に呼ばれる
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.seen)
}

// Len は記録済みの来場者数を返す
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
