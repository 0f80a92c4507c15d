package logging

import (
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger は起動時の構成を1つのログイベントにまとめる
type StartupLogger struct {
	name     string
	cameras  []string
	devices  map[string]string
	features map[string]bool
	config   map[string]string
}

// NewStartupLogger は新しいStartupLoggerを作成する
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:     name,
		devices:  make(map[string]string),
		features: make(map[string]bool),
		config:   make(map[string]string),
	}
}

// Camera は登録済みのカメラIDを追加する
func (s *StartupLogger) Camera(id string) *StartupLogger {
	s.cameras = append(s.cameras, id)
	return s
}

// Device は検出されたキャプチャデバイスを追加する
func (s *StartupLogger) Device(path, name string) *StartupLogger {
	s.devices[path] = name
	return s
}

// Feature は機能の有効/無効を追加する
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config は秘匿情報を含まない設定値を追加する
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// Log は集めた情報をINFOレベルで出力する
func (s *StartupLogger) Log() {
	evt := log.Info().
		Str("name", s.name).
		Str("go_version", runtime.Version()).
		Strs("cameras", s.cameras)

	if len(s.devices) > 0 {
		d := zerolog.Dict()
		for path, name := range s.devices {
			d = d.Str(path, name)
		}
		evt = evt.Dict("devices", d)
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		d := zerolog.Dict()
		for k, v := range s.config {
			d = d.Str(k, v)
		}
		evt = evt.Dict("config", d)
	}

	evt.Msg("起動構成")
}
