package models

import "time"

// Direction 信号/持仓方向
type Direction string

const (
	Long    Direction = "LONG"
	Short   Direction = "SHORT"
	Neutral Direction = "NEUTRAL"
)

// Sign 多头+1 空头-1 中性0
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// Opposite 反方向
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return Neutral
}

// CombinationMode 多策略投票合成模式
type CombinationMode string

const (
	CombineUnanimous       CombinationMode = "unanimous"
	CombineMajority        CombinationMode = "majority"
	CombineWeightedAverage CombinationMode = "weighted_average"
	CombineAnyAgree        CombinationMode = "any_agree"
)

// RegimeLabel 市场状态标签
type RegimeLabel string

const (
	RegimeTrendingUp   RegimeLabel = "trending_up"
	RegimeTrendingDown RegimeLabel = "trending_down"
	RegimeRanging      RegimeLabel = "ranging"
	RegimeVolatile     RegimeLabel = "volatile"
)

// CloseReason 平仓原因，每笔已平仓交易有且仅有一个
type CloseReason string

const (
	CloseTakeProfit   CloseReason = "take_profit"
	CloseStopLoss     CloseReason = "stop_loss"
	CloseLiquidation  CloseReason = "liquidation"
	CloseTrailingStop CloseReason = "trailing_stop"
	CloseManual       CloseReason = "manual_close"
	CloseSignalExit   CloseReason = "signal_exit"
)

// DenyReason 风控拒绝原因
type DenyReason string

const (
	DenyCooldown         DenyReason = "cooldown"
	DenyDailyLossLimit   DenyReason = "daily_loss_limit"
	DenyCorrelationLimit DenyReason = "correlation_limit"
	DenyStaleFeed        DenyReason = "stale_feed"
)

// Candle K线数据，按时间戳升序，入库后不可变
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// StrategyVote 单个策略的投票
type StrategyVote struct {
	Strategy   string    `json:"strategy"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
}

// Signal 每个评估周期生成一次的合成信号，生成后不再修改
type Signal struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Timeframe   string         `json:"timeframe"`
	Direction   Direction      `json:"direction"`
	Confidence  float64        `json:"confidence"`
	Rationale   string         `json:"rationale"`
	Votes       []StrategyVote `json:"votes"`
	Regime      RegimeLabel    `json:"regime"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// PendingOrder 风控放行后等待模拟撮合的订单，成交或拒绝后即丢弃
type PendingOrder struct {
	ID        string    `json:"id"`
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Quantity  float64   `json:"quantity"`
	Leverage  int       `json:"leverage"`
	Price     float64   `json:"price"` // 决策时参考价
	CreatedAt time.Time `json:"created_at"`
}

// Fill 模拟撮合结果
type Fill struct {
	OrderID     string        `json:"order_id"`
	Symbol      string        `json:"symbol"`
	Direction   Direction     `json:"direction"`
	Price       float64       `json:"price"`
	Quantity    float64       `json:"quantity"`
	Partial     bool          `json:"partial"`
	SlippagePct float64       `json:"slippage_pct"`
	ImpactPct   float64       `json:"impact_pct"`
	Latency     time.Duration `json:"latency"`
	ExecutedAt  time.Time     `json:"executed_at"`
}

// TradeStatus 持仓状态
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// Trade 持仓记录，归 Portfolio Ledger 独占管理
type Trade struct {
	ID              string      `json:"id"`
	SignalID        string      `json:"signal_id"`
	Symbol          string      `json:"symbol"`
	Direction       Direction   `json:"direction"`
	EntryPrice      float64     `json:"entry_price"`
	Quantity        float64     `json:"quantity"`
	Leverage        int         `json:"leverage"`
	StopLoss        float64     `json:"stop_loss"`
	TakeProfit      float64     `json:"take_profit"`
	TrailingStopPct float64     `json:"trailing_stop_pct"`
	TrailingStop    float64     `json:"trailing_stop"` // 0 表示尚未激活
	EntryTime       time.Time   `json:"entry_time"`
	ExecutedAt      time.Time   `json:"executed_at"`
	LatencyMs       int64       `json:"latency_ms"`
	Partial         bool        `json:"partial"`
	FundingFee      float64     `json:"funding_fee"`
	UnrealizedPnL   float64     `json:"unrealized_pnl"`
	Status          TradeStatus `json:"status"`

	ExitPrice   float64     `json:"exit_price,omitempty"`
	ClosedAt    time.Time   `json:"closed_at,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"`
}

// Margin 占用保证金
func (t *Trade) Margin() float64 {
	lev := t.Leverage
	if lev <= 0 {
		lev = 1
	}
	return t.EntryPrice * t.Quantity / float64(lev)
}

// Notional 名义价值
func (t *Trade) Notional() float64 {
	return t.EntryPrice * t.Quantity
}

// LiquidationPrice 强平价（简化：保证金完全耗尽）
func (t *Trade) LiquidationPrice() float64 {
	lev := t.Leverage
	if lev <= 0 {
		lev = 1
	}
	if t.Direction == Short {
		return t.EntryPrice * (1 + 1/float64(lev))
	}
	return t.EntryPrice * (1 - 1/float64(lev))
}

// DailySnapshot 每日绩效快照
type DailySnapshot struct {
	Date          string  `json:"date"`
	StartEquity   float64 `json:"start_equity"`
	EndEquity     float64 `json:"end_equity"`
	RealizedPnL   float64 `json:"realized_pnl"`
	TradesClosed  int     `json:"trades_closed"`
	ReturnPercent float64 `json:"return_pct"`
}

// PortfolioView 对外只读的账户视图
type PortfolioView struct {
	InitialBalance    float64         `json:"initial_balance"`
	Balance           float64         `json:"balance"`
	Equity            float64         `json:"equity"`
	UnrealizedPnL     float64         `json:"unrealized_pnl"`
	OpenTrades        []Trade         `json:"open_trades"`
	ClosedTrades      int             `json:"closed_trades"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	CooldownUntil     *time.Time      `json:"cooldown_until,omitempty"`
	DayStartEquity    float64         `json:"day_start_equity"`
	DailySnapshots    []DailySnapshot `json:"daily_snapshots,omitempty"`
}
