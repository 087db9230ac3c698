package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config はロガーの設定を表す.
type Config struct {
	Level    string
	Format   string // "json" または "console"
	File     string // 空の場合はファイル出力なし
	Rotation *RotationConfig
}

// Logger は構築済みのロガーと、閉じる必要のある出力先をまとめたもの.
type Logger struct {
	zerolog.Logger
	file *RotatingFile
}

// New は設定からロガーを作成.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var console io.Writer = os.Stderr
	if strings.EqualFold(cfg.Format, "console") {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006/01/02 15:04:05.000"}
	}

	l := &Logger{}
	out := console
	if cfg.File != "" {
		l.file, err = NewRotatingFile(cfg.File, cfg.Rotation)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(console, l.file)
	}

	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// ParseLevel はログレベル文字列を変換. 空文字列は info として扱う.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Close はログファイルを閉じる.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// StartCleanup は stop が閉じられるまで古いローテーション済みファイルを定期的に削除.
func (l *Logger) StartCleanup(stop <-chan struct{}, interval time.Duration) {
	if l.file == nil {
		return
	}
	go l.file.periodicCleanup(stop, interval)
}
