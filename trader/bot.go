package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"papertrade-go/config"
	"papertrade-go/events"
	"papertrade-go/exchange"
	"papertrade-go/market"
	"papertrade-go/models"
	"papertrade-go/portfolio"
	"papertrade-go/regime"
	"papertrade-go/risk"
	"papertrade-go/storage"
	"papertrade-go/strategy"
)

const signalHistoryLimit = 200

// RuntimeSnapshot 最近一次 tick 的运行状态
type RuntimeSnapshot struct {
	LastRunAt       time.Time          `json:"last_run_at"`
	LastError       string             `json:"last_error"`
	LastSignal      *models.Signal     `json:"last_signal"`
	LastRegime      models.RegimeLabel `json:"last_regime"`
	FeedConnected   bool               `json:"feed_connected"`
	SettingsVersion int                `json:"settings_version"`
}

// SettingsUpdate 部分更新：nil 字段保持原值。任一字段校验失败则
// 整次更新被拒绝，旧配置继续生效。
type SettingsUpdate struct {
	Symbols              *[]string
	Timeframe            *string
	Lookback             *int
	TickIntervalSec      *int
	Leverage             *int
	MarginPerTradePct    *float64
	FeeRate              *float64
	Combination          *models.CombinationMode
	EnabledStrategies    *[]string
	StopLossPct          *float64
	TakeProfitPct        *float64
	TrailingStopPct      *float64
	DailyLossLimitPct    *float64
	MaxConsecutiveLosses *int
	CooldownMinutes      *int
	CorrelationLimit     *float64
	DelayMs              *int
	MaxSlippagePct       *float64
	PartialFillProb      *float64
	AIEnabled            *bool
}

// Bot 模拟交易机器人。tickMu 串行化交易周期与人工平仓，
// 准入检查到建仓之间不会有其他写路径插入。
type Bot struct {
	tickMu sync.Mutex

	mu            sync.RWMutex
	settings      *config.SimSettings
	runtime       RuntimeSnapshot
	signalHistory []models.Signal
	lastFunding   map[string]time.Time

	feed   *market.Feed
	engine *strategy.Engine
	sim    *exchange.Simulator
	ledger *portfolio.Ledger
	bus    *events.Bus
	writer *storage.AsyncWriter

	logger zerolog.Logger
	now    func() time.Time
}

// NewBot 组装交易机器人。extra 为可选的外部信号投票者，writer 可为 nil（不落库）。
func NewBot(settings *config.SimSettings, feed *market.Feed, ledger *portfolio.Ledger,
	extra strategy.ExtraVoter, bus *events.Bus, writer *storage.AsyncWriter, logger zerolog.Logger) *Bot {
	b := &Bot{
		settings:    settings,
		feed:        feed,
		ledger:      ledger,
		bus:         bus,
		writer:      writer,
		lastFunding: make(map[string]time.Time),
		engine:      strategy.NewEngine(strategy.BuiltinGenerators(), extra, logger),
		sim:         exchange.NewSimulator(feed, logger),
		logger:      logger.With().Str("component", "bot").Logger(),
		now:         time.Now,
	}
	b.applySettingsLocked(settings)
	return b
}

// Settings 当前配置快照（不可变，读取方不得修改）
func (b *Bot) Settings() *config.SimSettings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

// applySettingsLocked 把配置快照同步到各子模块。风控参数不在此下发：
// tick 从自己持有的配置快照读取，避免与进行中的 tick 竞争。
func (b *Bot) applySettingsLocked(s *config.SimSettings) {
	b.ledger.Configure(
		s.Risk.MaxConsecutiveLosses,
		time.Duration(s.Risk.CooldownMinutes)*time.Minute,
		s.FeeRate,
	)
}

// Tick 执行一个交易周期：对每个交易对依次
// 识别市场状态 → 生成信号 → 持仓巡检 → 准入 → 模拟撮合 → 建仓。
func (b *Bot) Tick(ctx context.Context) {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	cfg := b.Settings()
	now := b.now()

	if snap := b.ledger.RollDay(now); snap != nil {
		b.persist(func(s *storage.Store) error { return s.SaveDailySnapshot(*snap) })
		b.logger.Info().
			Str("date", snap.Date).
			Float64("realized_pnl", snap.RealizedPnL).
			Int("trades", snap.TradesClosed).
			Msg("日终归档")
	}

	var lastErr string
	for _, symbol := range cfg.Symbols {
		if err := b.runSymbol(ctx, cfg, symbol, now); err != nil {
			lastErr = err.Error()
			b.logger.Warn().Err(err).Str("symbol", symbol).Msg("交易周期异常")
		}
	}

	view := b.ledger.View()
	b.persist(func(s *storage.Store) error { return s.SaveEquity(view.Balance, view.UnrealizedPnL) })
	state := b.ledger.ExportState()
	b.persist(func(s *storage.Store) error { return s.SavePortfolioState(state) })

	b.mu.Lock()
	b.runtime.LastRunAt = now
	b.runtime.LastError = lastErr
	b.runtime.FeedConnected = b.feed.Connected()
	b.runtime.SettingsVersion = cfg.Version
	b.mu.Unlock()
}

func (b *Bot) runSymbol(ctx context.Context, cfg *config.SimSettings, symbol string, now time.Time) error {
	candles := b.feed.Candles(symbol, cfg.Timeframe, cfg.Lookback)
	if len(candles) < 35 {
		return fmt.Errorf("%s K线不足 (%d)，等待数据", symbol, len(candles))
	}
	price, hasPrice := b.feed.Price(symbol)
	if !hasPrice {
		price = candles[len(candles)-1].Close
	}

	// 资金费率计提
	b.accrueFunding(cfg, symbol, now)

	// 市场状态 + 合成信号
	label := regime.Classify(candles)
	sig := b.engine.Evaluate(ctx, strategy.Input{
		Symbol:    symbol,
		Timeframe: cfg.Timeframe,
		Candles:   candles,
		Regime:    label,
		Params:    cfg.Strategies,
		UseExtra:  cfg.AI.Enabled,
	}, cfg.Strategies.Combination)
	b.addSignal(sig)
	b.bus.Publish(events.SignalGenerated, symbol, sig)
	b.persist(func(s *storage.Store) error { return s.SaveSignal(sig) })

	b.mu.Lock()
	sigCopy := sig
	b.runtime.LastSignal = &sigCopy
	b.runtime.LastRegime = label
	b.mu.Unlock()

	// 持仓巡检：强平 > 止损 > 止盈 > 追踪止损 > 反向信号退出。
	// 行情失效时用最后已知价继续巡检，只阻断新开仓。
	closed, err := b.ledger.MarkAndCheck(symbol, price, now, func(t *models.Trade) risk.ExitCheck {
		risk.UpdateTrailing(t, price)
		return risk.CheckExit(t, price, &sig, cfg.Strategies.SignalExitConfidence)
	})
	if err != nil {
		return err
	}
	for _, c := range closed {
		b.afterClose(c)
	}

	if b.feed.Stale(symbol) {
		b.bus.Publish(events.FeedStale, symbol, nil)
		b.persist(func(s *storage.Store) error {
			return s.SaveRiskEvent(symbol, string(models.DenyStaleFeed), "行情失效，暂停开仓")
		})
		return nil
	}

	if sig.Direction == models.Neutral {
		return nil
	}
	// 同方向已有持仓时不加仓
	for _, t := range b.ledger.OpenTrades() {
		if t.Symbol == symbol && t.Direction == sig.Direction {
			return nil
		}
	}

	equity := b.ledger.Equity()
	qty := risk.PositionSize(cfg.Risk, equity, price, cfg.Leverage, cfg.MarginPerTradePct)
	if qty <= 0 {
		return nil
	}

	decision := risk.Admit(cfg.Risk, risk.AdmitInput{
		Symbol:    symbol,
		Direction: sig.Direction,
		Notional:  price * qty,
		Now:       now,
	}, b.ledger.RiskView())
	b.bus.Publish(events.AdmissionDecision, symbol, decision)
	if !decision.Allowed {
		b.logger.Info().
			Str("symbol", symbol).
			Str("reason", string(decision.Reason)).
			Str("detail", decision.Detail).
			Msg("风控拒绝开仓")
		b.persist(func(s *storage.Store) error { return s.SaveAdmission(symbol, decision) })
		return nil
	}

	order := models.PendingOrder{
		ID:        uuid.NewString(),
		SignalID:  sig.ID,
		Symbol:    symbol,
		Direction: sig.Direction,
		Quantity:  qty,
		Leverage:  cfg.Leverage,
		Price:     price,
		CreatedAt: now,
	}
	fill, err := b.sim.Execute(ctx, order, cfg.Execution)
	if err != nil {
		var rej *exchange.Rejection
		if errors.As(err, &rej) {
			b.bus.Publish(events.OrderRejected, symbol, rej)
			b.persist(func(s *storage.Store) error {
				return s.SaveRiskEvent(symbol, string(rej.Reason), rej.Detail)
			})
			return nil
		}
		return err
	}

	stopLoss, takeProfit := risk.InitialStops(cfg.Risk, fill.Direction, fill.Price)
	trade := models.Trade{
		ID:              uuid.NewString(),
		SignalID:        sig.ID,
		Symbol:          symbol,
		Direction:       fill.Direction,
		EntryPrice:      fill.Price,
		Quantity:        fill.Quantity,
		Leverage:        cfg.Leverage,
		StopLoss:        stopLoss,
		TakeProfit:      takeProfit,
		TrailingStopPct: cfg.Risk.TrailingStopPct,
		EntryTime:       now,
		ExecutedAt:      fill.ExecutedAt,
		LatencyMs:       fill.Latency.Milliseconds(),
		Partial:         fill.Partial,
	}
	if err := b.ledger.Open(trade); err != nil {
		return fmt.Errorf("建仓失败: %w", err)
	}
	b.bus.Publish(events.OrderFilled, symbol, fill)
	b.persist(func(s *storage.Store) error { return s.SaveTrade(trade) })
	b.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(trade.Direction)).
		Float64("entry", trade.EntryPrice).
		Float64("quantity", trade.Quantity).
		Bool("partial", trade.Partial).
		Msg("建仓完成")
	return nil
}

func (b *Bot) accrueFunding(cfg *config.SimSettings, symbol string, now time.Time) {
	interval := time.Duration(cfg.Feed.FundingIntervalMin) * time.Minute
	if interval <= 0 {
		return
	}
	b.mu.Lock()
	last, ok := b.lastFunding[symbol]
	if ok && now.Sub(last) < interval {
		b.mu.Unlock()
		return
	}
	b.lastFunding[symbol] = now
	b.mu.Unlock()
	if !ok {
		return // 首个 tick 只记基准时间
	}

	rate := b.feed.FundingRate(symbol, cfg.Feed.DefaultFundingRate)
	total := b.ledger.AccrueFunding(symbol, rate)
	if total != 0 {
		b.bus.Publish(events.FundingAccrued, symbol, map[string]float64{"rate": rate, "total": total})
	}
}

func (b *Bot) afterClose(t models.Trade) {
	b.bus.Publish(events.TradeClosed, t.Symbol, t)
	b.persist(func(s *storage.Store) error { return s.SaveTrade(t) })
	if t.CloseReason == models.CloseLiquidation {
		b.persist(func(s *storage.Store) error {
			return s.SaveRiskEvent(t.Symbol, "liquidation",
				fmt.Sprintf("持仓 %s 被强平，损失保证金 %.2f", t.ID, -t.RealizedPnL))
		})
	}
	b.logger.Info().
		Str("trade_id", t.ID).
		Str("symbol", t.Symbol).
		Str("reason", string(t.CloseReason)).
		Float64("exit", t.ExitPrice).
		Float64("realized_pnl", t.RealizedPnL).
		Msg("平仓完成")
}

// CloseTrade 人工平仓，按最新价结算
func (b *Bot) CloseTrade(tradeID string) (models.Trade, error) {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	var symbol string
	for _, t := range b.ledger.OpenTrades() {
		if t.ID == tradeID {
			symbol = t.Symbol
			break
		}
	}
	if symbol == "" {
		return models.Trade{}, portfolio.ErrTradeNotFound
	}
	price, ok := b.feed.Price(symbol)
	if !ok {
		return models.Trade{}, fmt.Errorf("无 %s 的有效报价，无法平仓", symbol)
	}
	closed, err := b.ledger.Close(tradeID, price, models.CloseManual, b.now())
	if err != nil {
		return models.Trade{}, err
	}
	b.afterClose(closed)
	state := b.ledger.ExportState()
	b.persist(func(s *storage.Store) error { return s.SavePortfolioState(state) })
	return closed, nil
}

// UpdateSettings 部分更新配置。在副本上修改并整体校验，通过后递增
// 版本号原子切换；任何字段失败则原配置不变。
func (b *Bot) UpdateSettings(update SettingsUpdate) (*config.SimSettings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.settings.Clone()
	if update.Symbols != nil {
		syms := make([]string, 0, len(*update.Symbols))
		for _, s := range *update.Symbols {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" {
				syms = append(syms, s)
			}
		}
		if len(syms) == 0 {
			return b.settings, fmt.Errorf("symbols 不能为空")
		}
		next.Symbols = syms
	}
	if update.Timeframe != nil {
		next.Timeframe = strings.TrimSpace(*update.Timeframe)
	}
	if update.Lookback != nil {
		next.Lookback = *update.Lookback
	}
	if update.TickIntervalSec != nil {
		next.TickIntervalSec = *update.TickIntervalSec
	}
	if update.Leverage != nil {
		next.Leverage = *update.Leverage
	}
	if update.MarginPerTradePct != nil {
		next.MarginPerTradePct = *update.MarginPerTradePct
	}
	if update.FeeRate != nil {
		next.FeeRate = *update.FeeRate
	}
	if update.Combination != nil {
		next.Strategies.Combination = *update.Combination
	}
	if update.EnabledStrategies != nil {
		next.Strategies.Enabled = append([]string(nil), *update.EnabledStrategies...)
	}
	if update.StopLossPct != nil {
		next.Risk.StopLossPct = *update.StopLossPct
	}
	if update.TakeProfitPct != nil {
		next.Risk.TakeProfitPct = *update.TakeProfitPct
	}
	if update.TrailingStopPct != nil {
		next.Risk.TrailingStopPct = *update.TrailingStopPct
	}
	if update.DailyLossLimitPct != nil {
		next.Risk.DailyLossLimitPct = *update.DailyLossLimitPct
	}
	if update.MaxConsecutiveLosses != nil {
		next.Risk.MaxConsecutiveLosses = *update.MaxConsecutiveLosses
	}
	if update.CooldownMinutes != nil {
		next.Risk.CooldownMinutes = *update.CooldownMinutes
	}
	if update.CorrelationLimit != nil {
		next.Risk.CorrelationLimit = *update.CorrelationLimit
	}
	if update.DelayMs != nil {
		next.Execution.DelayMs = *update.DelayMs
	}
	if update.MaxSlippagePct != nil {
		next.Execution.MaxSlippagePct = *update.MaxSlippagePct
	}
	if update.PartialFillProb != nil {
		next.Execution.PartialFillProb = *update.PartialFillProb
	}
	if update.AIEnabled != nil {
		next.AI.Enabled = *update.AIEnabled
	}

	if err := next.Validate(); err != nil {
		return b.settings, err
	}
	next.Version = b.settings.Version + 1
	b.settings = next
	b.applySettingsLocked(next)
	b.bus.Publish(events.SettingsUpdated, "", map[string]int{"version": next.Version})
	b.logger.Info().Int("version", next.Version).Msg("配置已更新")
	return next, nil
}

func (b *Bot) addSignal(sig models.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signalHistory = append(b.signalHistory, sig)
	if len(b.signalHistory) > signalHistoryLimit {
		b.signalHistory = b.signalHistory[len(b.signalHistory)-signalHistoryLimit:]
	}
}

// SignalHistory 最近的信号，新的在前
func (b *Bot) SignalHistory(limit int) []models.Signal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.signalHistory)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Signal, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.signalHistory[i])
	}
	return out
}

// Snapshot 运行状态快照
func (b *Bot) Snapshot() RuntimeSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runtime
}

// Portfolio 账户只读视图
func (b *Bot) Portfolio() models.PortfolioView {
	return b.ledger.View()
}

// Ledger 账本句柄（供服务层查询流水）
func (b *Bot) Ledger() *portfolio.Ledger {
	return b.ledger
}

func (b *Bot) persist(op func(*storage.Store) error) {
	if b.writer == nil {
		return
	}
	b.writer.Enqueue(op)
}
