package risk

import (
	"fmt"
	"math"
	"time"

	"papertrade-go/config"
	"papertrade-go/models"
)

// Snapshot 准入检查所需的账户状态，由 Ledger 在同一临界区内给出
type Snapshot struct {
	Equity         float64
	DayStartEquity float64
	CooldownUntil  time.Time
	LongNotional   float64
	ShortNotional  float64
}

// AdmitInput 一次准入请求
type AdmitInput struct {
	Symbol    string
	Direction models.Direction
	Notional  float64
	Now       time.Time
}

// Decision 准入结果。拒绝是预期内的正常结果，不是错误。
type Decision struct {
	Allowed bool              `json:"allowed"`
	Reason  models.DenyReason `json:"reason,omitempty"`
	Detail  string            `json:"detail,omitempty"`
}

func deny(reason models.DenyReason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// Admit 按顺序检查：冷却期 → 当日亏损上限 → 同向敞口占比。
// 任一拒绝立即短路返回。cfg 为本 tick 的不可变配置快照，
// 调用方不得在 tick 中途替换。
func Admit(cfg config.RiskSettings, in AdmitInput, s Snapshot) Decision {
	if !s.CooldownUntil.IsZero() && in.Now.Before(s.CooldownUntil) {
		return deny(models.DenyCooldown,
			fmt.Sprintf("连续亏损冷却中，%s 后恢复", s.CooldownUntil.Format("15:04:05")))
	}

	if cfg.DailyLossLimitPct > 0 && s.DayStartEquity > 0 {
		lossPct := (s.DayStartEquity - s.Equity) / s.DayStartEquity * 100
		if lossPct >= cfg.DailyLossLimitPct {
			return deny(models.DenyDailyLossLimit,
				fmt.Sprintf("当日亏损 %.2f%% 达到上限 %.2f%%", lossPct, cfg.DailyLossLimitPct))
		}
	}

	// 首仓不受同向敞口限制
	total := s.LongNotional + s.ShortNotional
	if total > 0 && cfg.CorrelationLimit > 0 && in.Notional > 0 {
		sameDir := s.LongNotional
		if in.Direction == models.Short {
			sameDir = s.ShortNotional
		}
		share := (sameDir + in.Notional) / (total + in.Notional)
		if share > cfg.CorrelationLimit {
			return deny(models.DenyCorrelationLimit,
				fmt.Sprintf("同向敞口占比 %.0f%% 超过上限 %.0f%%", share*100, cfg.CorrelationLimit*100))
		}
	}

	return Decision{Allowed: true}
}

// PositionSize 按保证金比例与单笔风险上限给出开仓数量
func PositionSize(cfg config.RiskSettings, equity, price float64, leverage int, marginPct float64) float64 {
	if equity <= 0 || price <= 0 || marginPct <= 0 {
		return 0
	}
	lev := leverage
	if lev <= 0 {
		lev = 1
	}
	size := equity * marginPct * float64(lev) / price

	// 单笔止损风险不超过 MaxRiskPerTradePct
	if cfg.MaxRiskPerTradePct > 0 && cfg.StopLossPct > 0 {
		maxLoss := equity * cfg.MaxRiskPerTradePct / 100
		stopDist := price * cfg.StopLossPct / 100
		if stopDist > 0 {
			size = math.Min(size, maxLoss/stopDist)
		}
	}
	return size
}

// ExitCheck 退出检查结果
type ExitCheck struct {
	Hit    bool
	Reason models.CloseReason
	Price  float64 // 结算用退出价
}

// UpdateTrailing 追踪止损只朝有利方向棘轮移动，绝不回退
func UpdateTrailing(t *models.Trade, price float64) {
	if t.TrailingStopPct <= 0 || price <= 0 {
		return
	}
	pct := t.TrailingStopPct / 100
	if t.Direction == models.Long {
		candidate := price * (1 - pct)
		if candidate > t.TrailingStop {
			t.TrailingStop = candidate
		}
	} else {
		candidate := price * (1 + pct)
		if t.TrailingStop == 0 || candidate < t.TrailingStop {
			t.TrailingStop = candidate
		}
	}
}

// CheckExit 按优先级检查：强平 → 止损 → 止盈 → 追踪止损 → 信号反向退出。
// exitSignal 为本周期信号（可为 nil），仅当置信度达到阈值的反向信号触发退出。
func CheckExit(t *models.Trade, price float64, exitSignal *models.Signal, exitConfidence float64) ExitCheck {
	if t == nil || t.Status != models.TradeOpen || price <= 0 {
		return ExitCheck{}
	}

	liq := t.LiquidationPrice()
	if t.Direction == models.Long {
		if price <= liq {
			return ExitCheck{Hit: true, Reason: models.CloseLiquidation, Price: liq}
		}
		if t.StopLoss > 0 && price <= t.StopLoss {
			return ExitCheck{Hit: true, Reason: models.CloseStopLoss, Price: t.StopLoss}
		}
		if t.TakeProfit > 0 && price >= t.TakeProfit {
			return ExitCheck{Hit: true, Reason: models.CloseTakeProfit, Price: t.TakeProfit}
		}
		if t.TrailingStop > 0 && price <= t.TrailingStop {
			return ExitCheck{Hit: true, Reason: models.CloseTrailingStop, Price: t.TrailingStop}
		}
	} else {
		if price >= liq {
			return ExitCheck{Hit: true, Reason: models.CloseLiquidation, Price: liq}
		}
		if t.StopLoss > 0 && price >= t.StopLoss {
			return ExitCheck{Hit: true, Reason: models.CloseStopLoss, Price: t.StopLoss}
		}
		if t.TakeProfit > 0 && price <= t.TakeProfit {
			return ExitCheck{Hit: true, Reason: models.CloseTakeProfit, Price: t.TakeProfit}
		}
		if t.TrailingStop > 0 && price >= t.TrailingStop {
			return ExitCheck{Hit: true, Reason: models.CloseTrailingStop, Price: t.TrailingStop}
		}
	}

	if exitSignal != nil && exitSignal.Direction == t.Direction.Opposite() &&
		exitSignal.Confidence >= exitConfidence {
		return ExitCheck{Hit: true, Reason: models.CloseSignalExit, Price: price}
	}
	return ExitCheck{}
}

// InitialStops 按配置比例给出初始止损止盈
func InitialStops(cfg config.RiskSettings, direction models.Direction, entry float64) (stopLoss, takeProfit float64) {
	sl := cfg.StopLossPct / 100
	tp := cfg.TakeProfitPct / 100
	if direction == models.Short {
		return entry * (1 + sl), entry * (1 - tp)
	}
	return entry * (1 - sl), entry * (1 + tp)
}
