package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/divergen371/cacheproxy/internal/domain"
)

// MetricsSaver はスナップショットを永続化できるコレクター
type MetricsSaver interface {
	SaveMetrics(snapshot *domain.MetricsSnapshot) error
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
	MetricsFile  string
}

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       zerolog.Logger
	saveInterval time.Duration
	metricsFile  string
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger zerolog.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval <= 0 {
		config.SaveInterval = time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger.With().Str("component", "metrics").Logger(),
		saveInterval: config.SaveInterval,
		metricsFile:  config.MetricsFile,
	}
}

// Start は ctx が終わるまで定期的にメトリクスを保存する.
// 保存先が設定されていなければ何もせずに ctx の終了を待つ.
func (uc *MetricsUseCase) Start(ctx context.Context) error {
	saver, ok := uc.metrics.(MetricsSaver)
	if uc.metricsFile == "" || !ok {
		<-ctx.Done()
		return nil
	}

	uc.logger.Info().
		Str("file", uc.metricsFile).
		Dur("save_interval", uc.saveInterval).
		Msg("Starting periodic metrics save")

	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.save(saver); err != nil {
				uc.logger.Error().Err(err).Msg("Failed to save metrics")
			}
		case <-ctx.Done():
			if err := uc.save(saver); err != nil {
				uc.logger.Error().Err(err).Msg("Failed to save final metrics")
			}
			uc.logger.Info().Msg("Stopping periodic metrics save")
			return nil
		}
	}
}

func (uc *MetricsUseCase) save(saver MetricsSaver) error {
	if err := saver.SaveMetrics(uc.Snapshot()); err != nil {
		return fmt.Errorf("failed to save metrics snapshot: %w", err)
	}
	return nil
}

// Snapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) Snapshot() *domain.MetricsSnapshot {
	snapshot := uc.metrics.GetSnapshot()
	snapshot.Timestamp = time.Now()
	return snapshot
}
