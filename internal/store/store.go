// Package store はカメラ設定、来場者、来場記録の永続化を担う
package store

import (
	"context"
	"errors"

	"vipreception/internal/camera"
	"vipreception/internal/ledger"
	"vipreception/internal/recognition"
)

// ErrNotFound は対象が存在しないことを表す
var ErrNotFound = errors.New("対象が見つかりません")

// Attendee は来場者
type Attendee struct {
	ID        int64  `json:"id" yaml:"id" dynamodbav:"id"`
	FirstName string `json:"first_name" yaml:"first_name" dynamodbav:"first_name"`
	LastName  string `json:"last_name" yaml:"last_name" dynamodbav:"last_name"`
	Company   string `json:"company" yaml:"company" dynamodbav:"company"`
	Email     string `json:"email" yaml:"email" dynamodbav:"email"`
	QRCode    string `json:"qr_code" yaml:"qr_code" dynamodbav:"qr_code"`
	IsVIP     bool   `json:"is_vip" yaml:"is_vip" dynamodbav:"is_vip"`
	Status    string `json:"status" yaml:"status" dynamodbav:"status"`
}

// Store は認識パイプラインが利用する永続化機能
type Store interface {
	recognition.SubjectResolver
	ledger.Persister

	// Camera はカメラディスクリプタを返す。存在しなければErrNotFound
	Camera(ctx context.Context, id string) (camera.Descriptor, error)
	// Cameras は全カメラディスクリプタをID順に返す
	Cameras(ctx context.Context) ([]camera.Descriptor, error)
	// UpdateCameraSource はカメラのソースロケータを更新する
	UpdateCameraSource(ctx context.Context, id, source string) (camera.Descriptor, error)
	// PutCamera はカメラディスクリプタを登録する
	PutCamera(ctx context.Context, desc camera.Descriptor) error
	// PutAttendee は来場者を登録する
	PutAttendee(ctx context.Context, a Attendee) error
}

// Seed はカメラと来場者の初期データを登録する
func Seed(ctx context.Context, s Store, cameras []camera.Descriptor, attendees []Attendee) error {
	for _, c := range cameras {
		if err := s.PutCamera(ctx, c); err != nil {
			return err
		}
	}
	for _, a := range attendees {
		if err := s.PutAttendee(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
