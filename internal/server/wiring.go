package server

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"

	"vipreception/internal/camera"
	"vipreception/internal/codec"
	"vipreception/internal/config"
	"vipreception/internal/ledger"
	"vipreception/internal/logging"
	"vipreception/internal/recognition"
	"vipreception/internal/store"
	"vipreception/internal/stream"
)

// Build は設定から全コンポーネントを組み立ててServerを作成する
func Build(ctx context.Context, cfg *config.Config) (*Server, error) {
	st, err := NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := store.Seed(ctx, st, cfg.Cameras, cfg.Attendees); err != nil {
		return nil, fmt.Errorf("初期データの登録に失敗: %w", err)
	}

	discovery := camera.NewLinuxDiscovery()
	opener := camera.NewOpener(camera.OpenerConfig{
		StartupTimeout: cfg.Stream.StartupTimeout,
		ReadTimeout:    cfg.Stream.ReadTimeout,
		FFmpegBinary:   cfg.Stream.FFmpegBinary,
		Discovery:      discovery,
	})
	fc := codec.New(codec.Config{
		MaxDimension:  cfg.Stream.MaxDimension,
		MaxFrameBytes: cfg.Stream.MaxFrameBytes,
	})

	registry := stream.NewRegistry(stream.RegistryDeps{
		Cameras:    st,
		Opener:     opener,
		Codec:      fc,
		Recognizer: NewRecognizer(cfg.Recognition, st),
		Session: stream.SessionConfig{
			SampleInterval: uint64(cfg.Stream.SampleInterval),
			Retry:          cfg.Stream.Retry,
		},
		NewLedger: func(string) stream.VisitRecorder {
			return ledger.New(st, cfg.Store.Retry)
		},
	})

	startup := logging.NewStartupLogger("vipreception").
		Feature("face", cfg.Recognition.FaceServiceURL != "").
		Feature("code", cfg.Recognition.CodeEnabled).
		Config("store", cfg.Store.Backend).
		Config("addr", cfg.ServerAddress())
	for _, c := range cfg.Cameras {
		startup.Camera(c.ID)
	}
	// デバイスが見つからなくてもネットワークカメラとテストパターンは使える
	devices, err := camera.DetectDevices(ctx, discovery)
	if err != nil {
		log.Warn().Err(err).Msg("キャプチャデバイスの検出に失敗しました")
	}
	for _, d := range devices {
		startup.Device(d.Path, d.Name)
	}
	startup.Log()

	return New(cfg, Deps{Store: st, Registry: registry, Codec: fc})
}

// NewRecognizer は設定に従ってDispatcherを作成する
// 顔照合サービスのURLが空なら顔照合は常に「結果なし」になる
func NewRecognizer(cfg config.RecognitionConfig, subjects recognition.SubjectResolver) *recognition.Dispatcher {
	var faces recognition.FaceMatcher
	if cfg.FaceServiceURL != "" {
		faces = recognition.NewHTTPFaceMatcher(cfg.FaceServiceURL, cfg.Timeout)
	}
	var codes recognition.CodeDecoder
	if cfg.CodeEnabled {
		codes = recognition.NewQRDecoder()
	}
	return recognition.NewDispatcher(recognition.Config{
		Threshold: cfg.Threshold,
		Timeout:   cfg.Timeout,
	}, faces, codes, subjects)
}

// NewStore は設定されたバックエンドのストアを作成する
func NewStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreMemory, "":
		return store.NewMemoryStore(), nil
	case config.StoreDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("AWS設定の読み込みに失敗: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		log.Info().Str("table", cfg.Table).Str("region", cfg.Region).Msg("DynamoDBストアを使用します")
		return store.NewDynamoStore(client, cfg.Table), nil
	default:
		return nil, fmt.Errorf("未知のストア: %q", cfg.Backend)
	}
}
