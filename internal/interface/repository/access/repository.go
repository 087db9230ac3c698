package access

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/divergen371/cacheproxy/internal/domain"
)

// Repository はアクセス制御のリポジトリ実装
type Repository struct {
	mu          sync.RWMutex
	configFile  string
	rules       *rules
	lastModTime time.Time
	logger      zerolog.Logger
}

var _ domain.AccessController = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成し、ブロックリストを読み込む
func New(configFile string, logger zerolog.Logger) (*Repository, error) {
	r := &Repository{
		configFile: configFile,
		logger:     logger.With().Str("component", "access").Logger(),
	}

	if err := r.loadConfig(); err != nil {
		return nil, err
	}
	return r, nil
}

// IsAllowed は指定されたIPアドレスとホストがアクセスを許可されているか確認
func (r *Repository) IsAllowed(clientIP, host string) (bool, error) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	if rules.blocksIP(clientIP) {
		r.logger.Info().Str("client_ip", clientIP).Msg("Blocked IP access attempt")
		return false, nil
	}

	if match := rules.blockingDomain(host); match != "" {
		r.logger.Info().
			Str("client_ip", clientIP).
			Str("host", host).
			Str("rule", match).
			Msg("Blocked domain access attempt")
		return false, nil
	}

	return true, nil
}

// Reload は設定を再読み込み
func (r *Repository) Reload() error {
	return r.loadConfig()
}

// loadConfig は設定ファイルから設定を読み込む
// 読み込みに失敗した場合は直前の規則を維持する.
func (r *Repository) loadConfig() error {
	stat, err := os.Stat(r.configFile)
	if err != nil {
		return fmt.Errorf("failed to stat block list: %w", err)
	}

	list, err := loadBlockList(r.configFile)
	if err != nil {
		return err
	}
	rules, err := list.prepare()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.rules = rules
	r.lastModTime = stat.ModTime()
	r.mu.Unlock()

	r.logger.Info().
		Int("blocked_ips", len(rules.ips)+len(rules.prefixes)).
		Int("blocked_domains", len(rules.domains)).
		Msg("Loaded block list")
	return nil
}

// Watch は ctx が終わるまで設定ファイルの変更を監視し、更新されていれば再読み込みする
func (r *Repository) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.reloadIfChanged(); err != nil {
				r.logger.Error().Err(err).Msg("Error reloading block list")
			}
		}
	}
}

func (r *Repository) reloadIfChanged() error {
	stat, err := os.Stat(r.configFile)
	if err != nil {
		return fmt.Errorf("failed to stat block list: %w", err)
	}

	r.mu.RLock()
	changed := !stat.ModTime().Equal(r.lastModTime)
	r.mu.RUnlock()

	if !changed {
		return nil
	}
	return r.loadConfig()
}
