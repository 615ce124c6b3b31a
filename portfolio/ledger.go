package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"papertrade-go/models"
	"papertrade-go/risk"
)

// 浮点对账容差
const equityTolerance = 1e-6

// ErrInvariant 账本不变量被破坏。属于逻辑缺陷，不是可恢复的运行时状况：
// 对应操作整体回滚，不做部分提交。
var ErrInvariant = errors.New("账本不变量被破坏: equity != balance + Σ unrealized_pnl")

// ErrTradeNotFound 持仓不存在或已平仓
var ErrTradeNotFound = errors.New("持仓不存在或已平仓")

// State 可持久化的账本状态，重启时由存储层回填
type State struct {
	InitialBalance    float64                `json:"initial_balance"`
	Balance           float64                `json:"balance"`
	ConsecutiveLosses int                    `json:"consecutive_losses"`
	CooldownUntil     time.Time              `json:"cooldown_until"`
	DayStart          time.Time              `json:"day_start"`
	DayStartEquity    float64                `json:"day_start_equity"`
	DayRealized       float64                `json:"day_realized"`
	DayClosedTrades   int                    `json:"day_closed_trades"`
	OpenTrades        []models.Trade         `json:"open_trades"`
	Daily             []models.DailySnapshot `json:"daily"`
}

// Ledger 持仓账本，唯一持有余额/权益/持仓状态。
// 所有修改在一把锁内完成，临界区不包含任何网络或定时等待。
type Ledger struct {
	mu sync.Mutex

	initialBalance float64
	balance        float64
	equity         float64 // 增量维护，每次修改后与纯函数重算值对账

	open   map[string]*models.Trade
	closed []models.Trade

	consecutiveLosses int
	cooldownUntil     time.Time

	dayStart        time.Time
	dayStartEquity  float64
	dayRealized     float64
	dayClosedTrades int
	daily           []models.DailySnapshot

	maxLossStreak int
	cooldown      time.Duration
	feeRate       float64

	logger zerolog.Logger
	now    func() time.Time
}

// NewLedger 创建账本
func NewLedger(initialBalance float64, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		initialBalance: initialBalance,
		balance:        initialBalance,
		equity:         initialBalance,
		open:           make(map[string]*models.Trade),
		logger:         logger.With().Str("component", "ledger").Logger(),
		now:            time.Now,
	}
	l.dayStart = utcMidnight(l.now())
	l.dayStartEquity = initialBalance
	return l
}

// Configure 更新平仓结算参数（连续亏损上限/冷却时长/手续费率）
func (l *Ledger) Configure(maxLossStreak int, cooldown time.Duration, feeRate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxLossStreak = maxLossStreak
	l.cooldown = cooldown
	l.feeRate = feeRate
}

// Restore 从持久化状态恢复（重启场景），替换全部内部状态
func (l *Ledger) Restore(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.InitialBalance > 0 {
		l.initialBalance = s.InitialBalance
	}
	l.balance = s.Balance
	l.consecutiveLosses = s.ConsecutiveLosses
	l.cooldownUntil = s.CooldownUntil
	l.dayStart = s.DayStart
	l.dayStartEquity = s.DayStartEquity
	l.dayRealized = s.DayRealized
	l.dayClosedTrades = s.DayClosedTrades
	l.daily = append([]models.DailySnapshot(nil), s.Daily...)
	l.open = make(map[string]*models.Trade, len(s.OpenTrades))
	upl := 0.0
	for i := range s.OpenTrades {
		t := s.OpenTrades[i]
		l.open[t.ID] = &t
		upl += t.UnrealizedPnL
	}
	l.equity = l.balance + upl
}

// ExportState 导出当前状态供持久化
func (l *Ledger) ExportState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		InitialBalance:    l.initialBalance,
		Balance:           l.balance,
		ConsecutiveLosses: l.consecutiveLosses,
		CooldownUntil:     l.cooldownUntil,
		DayStart:          l.dayStart,
		DayStartEquity:    l.dayStartEquity,
		DayRealized:       l.dayRealized,
		DayClosedTrades:   l.dayClosedTrades,
		OpenTrades:        l.openCopiesLocked(),
		Daily:             append([]models.DailySnapshot(nil), l.daily...),
	}
}

// Open 记录一笔成交。不直接扣减余额（保证金为占用而非支出）。
func (l *Ledger) Open(t models.Trade) error {
	if t.Quantity <= 0 {
		return fmt.Errorf("开仓数量必须大于 0: %f", t.Quantity)
	}
	if t.EntryPrice <= 0 {
		return fmt.Errorf("开仓价格必须大于 0: %f", t.EntryPrice)
	}
	if t.Direction != models.Long && t.Direction != models.Short {
		return fmt.Errorf("开仓方向无效: %s", t.Direction)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.open[t.ID]; exists {
		return fmt.Errorf("持仓ID重复: %s", t.ID)
	}
	t.Status = models.TradeOpen
	t.UnrealizedPnL = 0
	cp := t
	l.open[t.ID] = &cp
	l.equity += 0 // 开仓不改变权益

	if err := l.reconcileLocked(); err != nil {
		delete(l.open, t.ID)
		return err
	}
	return nil
}

// MarkToMarket 按最新价更新未实现盈亏，绝不触碰已实现余额
func (l *Ledger) MarkToMarket(symbol string, price float64) error {
	if price <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.open {
		if t.Symbol != symbol {
			continue
		}
		old := t.UnrealizedPnL
		t.UnrealizedPnL = (price - t.EntryPrice) * t.Quantity * t.Direction.Sign()
		l.equity += t.UnrealizedPnL - old
	}
	return l.reconcileLocked()
}

// AccrueFunding 资金费率计提：多头付正费率，空头收正费率。
// 只累计在持仓上，平仓时一并结算。返回计提总额。
func (l *Ledger) AccrueFunding(symbol string, rate float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, t := range l.open {
		if t.Symbol != symbol {
			continue
		}
		fee := t.Notional() * rate * t.Direction.Sign()
		t.FundingFee += fee
		total += fee
	}
	return total
}

// Close 平仓并实现盈亏。这是连续亏损计数与冷却状态唯一的修改点。
func (l *Ledger) Close(tradeID string, exitPrice float64, reason models.CloseReason, now time.Time) (models.Trade, error) {
	if reason == "" {
		return models.Trade{}, fmt.Errorf("平仓原因不能为空")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.open[tradeID]
	if !ok {
		return models.Trade{}, ErrTradeNotFound
	}
	if exitPrice <= 0 && reason != models.CloseLiquidation {
		return models.Trade{}, fmt.Errorf("平仓价格无效: %f", exitPrice)
	}
	return l.closeLocked(t, exitPrice, reason, now)
}

// closeLocked 调用方必须持锁。失败时状态完全不变。
func (l *Ledger) closeLocked(t *models.Trade, exitPrice float64, reason models.CloseReason, now time.Time) (models.Trade, error) {
	var realized float64
	if reason == models.CloseLiquidation {
		// 强平：保证金全额损失，不再叠加手续费与资金费
		realized = -t.Margin()
		exitPrice = t.LiquidationPrice()
	} else {
		gross := (exitPrice - t.EntryPrice) * t.Quantity * t.Direction.Sign()
		fees := (t.EntryPrice + exitPrice) * t.Quantity * l.feeRate
		realized = gross - fees - t.FundingFee
	}

	prevBalance := l.balance
	prevEquity := l.equity
	prevUPL := t.UnrealizedPnL

	l.balance += realized
	l.equity += realized - t.UnrealizedPnL

	closed := *t
	closed.Status = models.TradeClosed
	closed.ExitPrice = exitPrice
	closed.ClosedAt = now
	closed.CloseReason = reason
	closed.RealizedPnL = realized
	closed.UnrealizedPnL = 0
	delete(l.open, t.ID)

	if err := l.reconcileLocked(); err != nil {
		// 整体回滚，不留部分状态
		l.balance = prevBalance
		l.equity = prevEquity
		t.UnrealizedPnL = prevUPL
		l.open[t.ID] = t
		l.logger.Error().Err(err).Str("trade_id", t.ID).Msg("平仓对账失败，操作已回滚")
		return models.Trade{}, err
	}

	l.closed = append(l.closed, closed)
	l.dayRealized += realized
	l.dayClosedTrades++

	if realized < 0 {
		l.consecutiveLosses++
		if l.maxLossStreak > 0 && l.consecutiveLosses >= l.maxLossStreak {
			l.cooldownUntil = now.Add(l.cooldown)
			l.logger.Warn().
				Int("consecutive_losses", l.consecutiveLosses).
				Time("cooldown_until", l.cooldownUntil).
				Msg("触发连续亏损冷却")
		}
	} else if realized > 0 {
		l.consecutiveLosses = 0
	}
	return closed, nil
}

// MarkAndCheck 对一个交易对执行一次持仓巡检：更新未实现盈亏、
// 运行调用方给定的退出检查（可棘轮移动追踪止损）、对命中的持仓平仓。
// 整个过程在一个临界区内完成。
func (l *Ledger) MarkAndCheck(symbol string, price float64, now time.Time,
	check func(t *models.Trade) risk.ExitCheck) ([]models.Trade, error) {
	if price <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var toClose []*models.Trade
	exits := make(map[string]risk.ExitCheck)
	for _, t := range l.open {
		if t.Symbol != symbol {
			continue
		}
		old := t.UnrealizedPnL
		t.UnrealizedPnL = (price - t.EntryPrice) * t.Quantity * t.Direction.Sign()
		l.equity += t.UnrealizedPnL - old

		if check != nil {
			if ex := check(t); ex.Hit {
				toClose = append(toClose, t)
				exits[t.ID] = ex
			}
		}
	}
	if err := l.reconcileLocked(); err != nil {
		return nil, err
	}

	var closed []models.Trade
	for _, t := range toClose {
		ex := exits[t.ID]
		c, err := l.closeLocked(t, ex.Price, ex.Reason, now)
		if err != nil {
			return closed, err
		}
		closed = append(closed, c)
	}
	return closed, nil
}

// RiskView 供准入检查读取的账户快照（与准入在同一 tick 内串行执行）
func (l *Ledger) RiskView() risk.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	var long, short float64
	for _, t := range l.open {
		if t.Direction == models.Long {
			long += t.Notional()
		} else {
			short += t.Notional()
		}
	}
	return risk.Snapshot{
		Equity:         l.equity,
		DayStartEquity: l.dayStartEquity,
		CooldownUntil:  l.cooldownUntil,
		LongNotional:   long,
		ShortNotional:  short,
	}
}

// RollDay 跨过 UTC 日界时归档昨日快照并重置当日基准
func (l *Ledger) RollDay(now time.Time) *models.DailySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	today := utcMidnight(now)
	if !today.After(l.dayStart) {
		return nil
	}
	snap := models.DailySnapshot{
		Date:         l.dayStart.Format("2006-01-02"),
		StartEquity:  l.dayStartEquity,
		EndEquity:    l.equity,
		RealizedPnL:  l.dayRealized,
		TradesClosed: l.dayClosedTrades,
	}
	if snap.StartEquity > 0 {
		snap.ReturnPercent = (snap.EndEquity - snap.StartEquity) / snap.StartEquity * 100
	}
	l.daily = append(l.daily, snap)
	l.dayStart = today
	l.dayStartEquity = l.equity
	l.dayRealized = 0
	l.dayClosedTrades = 0
	return &snap
}

// Equity 当前权益
func (l *Ledger) Equity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equity
}

// Balance 当前余额
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// OpenTrades 持仓副本
func (l *Ledger) OpenTrades() []models.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openCopiesLocked()
}

// ClosedTrades 最近的已平仓记录（limit<=0 返回全部）
func (l *Ledger) ClosedTrades(limit int) []models.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.closed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Trade, limit)
	copy(out, l.closed[n-limit:])
	return out
}

// View 对外只读视图
func (l *Ledger) View() models.PortfolioView {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := models.PortfolioView{
		InitialBalance:    l.initialBalance,
		Balance:           l.balance,
		Equity:            l.equity,
		UnrealizedPnL:     l.equity - l.balance,
		OpenTrades:        l.openCopiesLocked(),
		ClosedTrades:      len(l.closed),
		ConsecutiveLosses: l.consecutiveLosses,
		DayStartEquity:    l.dayStartEquity,
		DailySnapshots:    append([]models.DailySnapshot(nil), l.daily...),
	}
	if !l.cooldownUntil.IsZero() {
		cd := l.cooldownUntil
		v.CooldownUntil = &cd
	}
	return v
}

func (l *Ledger) openCopiesLocked() []models.Trade {
	out := make([]models.Trade, 0, len(l.open))
	for _, t := range l.open {
		out = append(out, *t)
	}
	return out
}

// reconcileLocked 用纯函数重算权益并与增量值对账
func (l *Ledger) reconcileLocked() error {
	recomputed := l.balance
	for _, t := range l.open {
		recomputed += t.UnrealizedPnL
	}
	if math.Abs(recomputed-l.equity) > equityTolerance {
		return fmt.Errorf("%w: 增量值 %.10f 重算值 %.10f", ErrInvariant, l.equity, recomputed)
	}
	l.equity = recomputed
	return nil
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
