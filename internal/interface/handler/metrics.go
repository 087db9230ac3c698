package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/divergen371/cacheproxy/internal/domain"
	"github.com/divergen371/cacheproxy/internal/usecase"
)

// MetricsHandler は管理用HTTPリクエストを処理
type MetricsHandler struct {
	metricsUseCase *usecase.MetricsUseCase
	gatherer       prometheus.Gatherer
	cache          domain.CacheInspector
	logger         zerolog.Logger
}

// cacheReport は /cache のレスポンス
type cacheReport struct {
	domain.CacheStats
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
}

// NewMetricsHandler は新しいMetricsHandlerインスタンスを作成
func NewMetricsHandler(
	metricsUseCase *usecase.MetricsUseCase,
	gatherer prometheus.Gatherer,
	cache domain.CacheInspector,
	logger zerolog.Logger,
) *MetricsHandler {
	return &MetricsHandler{
		metricsUseCase: metricsUseCase,
		gatherer:       gatherer,
		cache:          cache,
		logger:         logger.With().Str("component", "admin").Logger(),
	}
}

// Routes は管理用エンドポイントのルーターを返す
func (h *MetricsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/stats", h.HandleStats)
	r.Get("/health", h.HandleHealth)
	r.Get("/cache", h.HandleCache)

	return r
}

// HandleStats はJSON形式の詳細な統計情報を提供
func (h *MetricsHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.metricsUseCase.Snapshot())
}

// HandleHealth はヘルスチェックエンドポイントを提供
func (h *MetricsHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]string{
		"status": "up",
	})
}

// HandleCache はキャッシュの占有状況と整合性チェックの結果を提供
func (h *MetricsHandler) HandleCache(w http.ResponseWriter, _ *http.Request) {
	violations := h.cache.Validate()
	if violations == nil {
		violations = []string{}
	}

	h.writeJSON(w, cacheReport{
		CacheStats: h.cache.Stats(),
		Valid:      len(violations) == 0,
		Violations: violations,
	})
}

func (h *MetricsHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
