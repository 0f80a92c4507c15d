// Package recognition は顔照合とコード読み取りを並行に実行し、勝者を決める
package recognition

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"vipreception/internal/camera"
)

// DefaultThreshold は顔照合の既定の信頼度しきい値
const DefaultThreshold = 0.6

// Config はDispatcherの設定
type Config struct {
	Threshold float64       // 顔照合の信頼度しきい値 (>=で判定)
	Timeout   time.Duration // 1回の認識処理の上限
}

// Dispatcher は顔照合とコード読み取りを競争させる
type Dispatcher struct {
	cfg      Config
	faces    FaceMatcher
	codes    CodeDecoder
	subjects SubjectResolver
	now      func() time.Time
}

// NewDispatcher は新しいDispatcherを作成する
// faces、codesがnilの場合、その経路は常に「結果なし」となる
func NewDispatcher(cfg Config, faces FaceMatcher, codes CodeDecoder, subjects SubjectResolver) *Dispatcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		faces:    faces,
		codes:    codes,
		subjects: subjects,
		now:      time.Now,
	}
}

// Dispatch はフレームに対して顔照合とコード読み取りを並行に実行する
//
// 顔照合がしきい値以上で一致した場合は、コード読み取りの完了順に関係なく顔の結果を返し、
// コード読み取りをキャンセルする。顔照合が一致しなかった場合のみコードの結果を返す。
// どちらも結果がなければnilを返す。タイムアウトは「結果なし」として扱う。
func (d *Dispatcher) Dispatch(ctx context.Context, frame *camera.RawFrame, cameraID string) *DetectionEvent {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	codeCtx, cancelCode := context.WithCancel(ctx)
	defer cancelCode()

	faceCh := make(chan *DetectionEvent, 1)
	codeCh := make(chan *DetectionEvent, 1)

	go func() { faceCh <- d.tryFace(ctx, frame, cameraID) }()
	go func() { codeCh <- d.tryCode(codeCtx, frame, cameraID) }()

	var codeResult *DetectionEvent
	codeDone := false

faceWait:
	for {
		select {
		case ev := <-faceCh:
			if ev != nil {
				cancelCode()
				return ev
			}
			break faceWait
		case ev := <-codeCh:
			// 顔照合が優先されるので、結果を保持して顔の完了を待つ
			codeResult, codeDone = ev, true
			codeCh = nil
		case <-ctx.Done():
			log.Debug().Str("camera_id", cameraID).Uint64("seq", frame.Seq).Msg("顔照合がタイムアウトしました")
			break faceWait
		}
	}

	if codeDone {
		return codeResult
	}

	select {
	case ev := <-codeCh:
		return ev
	case <-ctx.Done():
		log.Debug().Str("camera_id", cameraID).Uint64("seq", frame.Seq).Msg("コード読み取りがタイムアウトしました")
		return nil
	}
}

func (d *Dispatcher) tryFace(ctx context.Context, frame *camera.RawFrame, cameraID string) *DetectionEvent {
	if d.faces == nil {
		return nil
	}

	candidates, err := d.faces.Match(ctx, frame.Image)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("camera_id", cameraID).Msg("顔照合サービスが利用できません")
		}
		return nil
	}

	best, ok := SelectCandidate(candidates, d.cfg.Threshold)
	if !ok {
		return nil
	}

	id := best.SubjectID
	return &DetectionEvent{
		Kind:       MethodFace,
		SubjectID:  &id,
		Confidence: best.Confidence,
		Region:     best.Region,
		CameraID:   cameraID,
		Seq:        frame.Seq,
		Timestamp:  d.now(),
	}
}

func (d *Dispatcher) tryCode(ctx context.Context, frame *camera.RawFrame, cameraID string) *DetectionEvent {
	if d.codes == nil {
		return nil
	}

	payload, err := d.codes.Decode(ctx, frame.Image)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Str("camera_id", cameraID).Msg("コードの読み取りに失敗")
		}
		return nil
	}
	if payload == "" || ctx.Err() != nil {
		return nil
	}

	ev := &DetectionEvent{
		Kind:      MethodCode,
		Payload:   payload,
		CameraID:  cameraID,
		Seq:       frame.Seq,
		Timestamp: d.now(),
	}

	if d.subjects != nil {
		id, found, err := d.subjects.SubjectByCode(ctx, payload)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("camera_id", cameraID).Msg("コードに対応する来場者の検索に失敗")
		case found:
			ev.SubjectID = &id
		}
	}
	return ev
}

// SelectCandidate は信頼度が最も高い候補を選ぶ
// 同じ信頼度の場合はIDが小さい方を選び、しきい値未満なら候補なしとする
func SelectCandidate(candidates []FaceCandidate, threshold float64) (FaceCandidate, bool) {
	if len(candidates) == 0 {
		return FaceCandidate{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence || (c.Confidence == best.Confidence && c.SubjectID < best.SubjectID) {
			best = c
		}
	}
	if best.Confidence >= threshold {
		return best, true
	}
	return FaceCandidate{}, false
}
