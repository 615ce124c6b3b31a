package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"papertrade-go/models"
	"papertrade-go/portfolio"
	"papertrade-go/storage"
	"papertrade-go/trader"
)

type Service struct {
	bot    *trader.Bot
	store  *storage.Store
	logger zerolog.Logger

	mu               sync.RWMutex
	schedulerRunning bool
	nextRunAt        time.Time
	cancelScheduler  context.CancelFunc
}

// NewService 创建HTTP服务。store 可为 nil（纯内存模式，历史查询返回空）。
func NewService(bot *trader.Bot, store *storage.Store, logger zerolog.Logger) *Service {
	return &Service{
		bot:    bot,
		store:  store,
		logger: logger.With().Str("component", "server").Logger(),
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/portfolio", s.handlePortfolio)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/signals", s.handleSignals)
	mux.HandleFunc("/api/risk-events", s.handleRiskEvents)
	mux.HandleFunc("/api/equity", s.handleEquity)
	mux.HandleFunc("/api/daily", s.handleDaily)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/close", s.handleClose)
	mux.HandleFunc("/api/run", s.handleRunNow)
	mux.HandleFunc("/api/scheduler/start", s.handleStartScheduler)
	mux.HandleFunc("/api/scheduler/stop", s.handleStopScheduler)
}

// StartScheduler 启动定时交易循环，已在运行时为空操作
func (s *Service) StartScheduler() {
	s.mu.Lock()
	if s.schedulerRunning {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelScheduler = cancel
	s.schedulerRunning = true
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Service) StopScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelScheduler != nil {
		s.cancelScheduler()
	}
	s.schedulerRunning = false
	s.nextRunAt = time.Time{}
}

func (s *Service) loop(ctx context.Context) {
	for {
		interval := time.Duration(s.bot.Settings().TickInterval()) * time.Second
		next := time.Now().Add(interval)
		s.mu.Lock()
		s.nextRunAt = next
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.bot.Tick(ctx)
		}
	}
}

// RunOnce 立即执行一个交易周期
func (s *Service) RunOnce(ctx context.Context) {
	s.bot.Tick(ctx)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := s.bot.Snapshot()
	cfg := s.bot.Settings()

	s.mu.RLock()
	resp := map[string]any{
		"settings":          cfg,
		"scheduler_running": s.schedulerRunning,
		"next_run_at":       s.nextRunAt,
		"runtime":           snap,
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.bot.Portfolio())
}

func (s *Service) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := parseLimit(r, 50, 500)
	symbol := r.URL.Query().Get("symbol")

	resp := map[string]any{
		"open": s.bot.Ledger().OpenTrades(),
	}
	if s.store != nil {
		history, err := s.store.TradeHistory(symbol, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["closed"] = history
	} else {
		resp["closed"] = s.bot.Ledger().ClosedTrades(limit)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := parseLimit(r, 20, 200)
	writeJSON(w, http.StatusOK, map[string]any{"signals": s.bot.SignalHistory(limit)})
}

func (s *Service) handleRiskEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []storage.RiskEvent{}})
		return
	}
	events, err := s.store.RecentRiskEvents(parseLimit(r, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Service) handleEquity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since 需为 RFC3339 时间")
			return
		}
		since = t
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"points": []storage.EquityPoint{}})
		return
	}
	points, err := s.store.EquityTrendSince(since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (s *Service) handleDaily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"daily": s.bot.Portfolio().DailySnapshots})
		return
	}
	daily, err := s.store.DailySnapshots(parseLimit(r, 90, 365))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daily": daily})
}

func (s *Service) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Symbols              *[]string               `json:"symbols"`
		Timeframe            *string                 `json:"timeframe"`
		Lookback             *int                    `json:"lookback"`
		TickIntervalSec      *int                    `json:"tick_interval_sec"`
		Leverage             *int                    `json:"leverage"`
		MarginPerTradePct    *float64                `json:"margin_per_trade_pct"`
		FeeRate              *float64                `json:"fee_rate"`
		Combination          *models.CombinationMode `json:"combination"`
		EnabledStrategies    *[]string               `json:"enabled_strategies"`
		StopLossPct          *float64                `json:"stop_loss_pct"`
		TakeProfitPct        *float64                `json:"take_profit_pct"`
		TrailingStopPct      *float64                `json:"trailing_stop_pct"`
		DailyLossLimitPct    *float64                `json:"daily_loss_limit_pct"`
		MaxConsecutiveLosses *int                    `json:"max_consecutive_losses"`
		CooldownMinutes      *int                    `json:"cooldown_minutes"`
		CorrelationLimit     *float64                `json:"correlation_limit"`
		DelayMs              *int                    `json:"delay_ms"`
		MaxSlippagePct       *float64                `json:"max_slippage_pct"`
		PartialFillProb      *float64                `json:"partial_fill_prob"`
		AIEnabled            *bool                   `json:"ai_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	cfg, err := s.bot.UpdateSettings(trader.SettingsUpdate{
		Symbols:              req.Symbols,
		Timeframe:            req.Timeframe,
		Lookback:             req.Lookback,
		TickIntervalSec:      req.TickIntervalSec,
		Leverage:             req.Leverage,
		MarginPerTradePct:    req.MarginPerTradePct,
		FeeRate:              req.FeeRate,
		Combination:          req.Combination,
		EnabledStrategies:    req.EnabledStrategies,
		StopLossPct:          req.StopLossPct,
		TakeProfitPct:        req.TakeProfitPct,
		TrailingStopPct:      req.TrailingStopPct,
		DailyLossLimitPct:    req.DailyLossLimitPct,
		MaxConsecutiveLosses: req.MaxConsecutiveLosses,
		CooldownMinutes:      req.CooldownMinutes,
		CorrelationLimit:     req.CorrelationLimit,
		DelayMs:              req.DelayMs,
		MaxSlippagePct:       req.MaxSlippagePct,
		PartialFillProb:      req.PartialFillProb,
		AIEnabled:            req.AIEnabled,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "settings updated", "settings": cfg})
}

func (s *Service) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		TradeID string `json:"trade_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TradeID == "" {
		writeError(w, http.StatusBadRequest, "trade_id 不能为空")
		return
	}
	closed, err := s.bot.CloseTrade(req.TradeID)
	if err != nil {
		if errors.Is(err, portfolio.ErrTradeNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "trade closed", "trade": closed})
}

func (s *Service) handleRunNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"message": "run completed"})
}

func (s *Service) handleStartScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.StartScheduler()
	writeJSON(w, http.StatusOK, map[string]string{"message": "scheduler started"})
}

func (s *Service) handleStopScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.StopScheduler()
	writeJSON(w, http.StatusOK, map[string]string{"message": "scheduler stopped"})
}

func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= max {
			limit = n
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve 注册路由并阻塞监听
func (s *Service) Serve(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "papertrade-go api",
			"hint":    "frontend should request /api/* endpoints",
		})
	})

	handler := withCORS(mux)
	s.logger.Info().Str("addr", addr).Msg("HTTP 服务已启动")
	return http.ListenAndServe(addr, handler)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
