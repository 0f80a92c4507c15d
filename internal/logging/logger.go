// Package logging はzerologのグローバルロガーを初期化する
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel はレベル名をzerologのレベルに変換する
// debug, info, warn, error 以外はinfoとして扱う
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init はグローバルロガーを初期化する
// formatがjsonならJSON行、それ以外はコンソール形式で標準エラーに出力する
func Init(level, format string) {
	InitWithWriter(level, format, os.Stderr)
}

// InitWithWriter は出力先を指定してグローバルロガーを初期化する
func InitWithWriter(level, format string, w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	if format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"})
}
