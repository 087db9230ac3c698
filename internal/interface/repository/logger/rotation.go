package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSize    int64         // バイト単位の最大サイズ
	MaxAge     time.Duration // ログファイルの最大保持期間
	MaxBackups int           // 保持する古いログファイルの最大数
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSize:    100 * 1024 * 1024,  // 100MB
		MaxAge:     7 * 24 * time.Hour, // 7日
		MaxBackups: 5,
	}
}

// RotatingFile はサイズでローテーションする io.Writer.
type RotatingFile struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	size   int64
	config *RotationConfig
	seq    int
}

// NewRotatingFile は path を追記モードで開く.
func NewRotatingFile(path string, config *RotationConfig) (*RotatingFile, error) {
	if config == nil {
		config = DefaultRotationConfig()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	rf := &RotatingFile{path: path, config: config}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	file, err := os.OpenFile(rf.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	rf.file = file
	rf.size = info.Size()
	return nil
}

// Write は1件のログを書き込む. 上限を超える場合は先にローテーションする.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.size > 0 && rf.size+int64(len(p)) > rf.config.MaxSize {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation failed: %w", err)
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// rotate はログファイルを <path>.<timestamp> へ移して新しいファイルを開く.
func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}

	rf.seq++
	rotated := fmt.Sprintf("%s.%s.%d", rf.path, time.Now().Format("20060102150405"), rf.seq)
	if err := os.Rename(rf.path, rotated); err != nil {
		return err
	}

	if err := rf.open(); err != nil {
		rf.file = nil
		return err
	}
	return rf.cleanOldLogs()
}

// cleanOldLogs は期限切れまたは上限数を超えたローテーション済みファイルを削除.
func (rf *RotatingFile) cleanOldLogs() error {
	files, err := filepath.Glob(rf.path + ".*")
	if err != nil {
		return err
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}

	var logFiles []fileInfo
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		logFiles = append(logFiles, fileInfo{f, info.ModTime()})
	}

	// 新しい順
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].modTime.After(logFiles[j].modTime)
	})

	now := time.Now()
	for i, f := range logFiles {
		expired := rf.config.MaxAge > 0 && now.Sub(f.modTime) > rf.config.MaxAge
		excess := rf.config.MaxBackups > 0 && i >= rf.config.MaxBackups
		if expired || excess {
			os.Remove(f.path)
		}
	}
	return nil
}

// periodicCleanup は定期的に古いログファイルを削除.
func (rf *RotatingFile) periodicCleanup(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rf.mu.Lock()
			rf.cleanOldLogs()
			rf.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// Close はファイルを閉じる.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}
