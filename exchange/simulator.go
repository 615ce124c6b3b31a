package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"papertrade-go/config"
	"papertrade-go/models"
)

// PriceSource 撮合时的最新价来源
type PriceSource interface {
	// Price 返回最新价。ok=false 表示暂无该交易对的报价
	Price(symbol string) (price float64, ok bool)
	// Stale 行情是否超时失效
	Stale(symbol string) bool
}

// Rejection 模拟撮合拒绝。是预期内的业务结果，调用方按事件处理。
type Rejection struct {
	OrderID string
	Reason  models.DenyReason
	Detail  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("订单 %s 被拒绝: %s (%s)", r.OrderID, r.Reason, r.Detail)
}

// Simulator 执行模拟器：延迟 → 重取价 → 滑点 → 市场冲击 → 部分成交。
// 每个环节独立开关，全关时为理想撮合（决策价全额成交）。
type Simulator struct {
	prices PriceSource
	logger zerolog.Logger

	// 测试注入点
	sleep func(ctx context.Context, d time.Duration) error
	rng   func() float64
	now   func() time.Time
}

// NewSimulator 创建执行模拟器
func NewSimulator(prices PriceSource, logger zerolog.Logger) *Simulator {
	return &Simulator{
		prices: prices,
		logger: logger.With().Str("component", "simulator").Logger(),
		sleep:  sleepCtx,
		rng:    rand.Float64,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute 模拟撮合一笔订单。延迟等待期间不持有任何账本锁。
func (s *Simulator) Execute(ctx context.Context, order models.PendingOrder, cfg config.ExecutionSettings) (models.Fill, error) {
	if order.Quantity <= 0 {
		return models.Fill{}, fmt.Errorf("订单数量无效: %f", order.Quantity)
	}
	if order.Direction != models.Long && order.Direction != models.Short {
		return models.Fill{}, fmt.Errorf("订单方向无效: %s", order.Direction)
	}

	started := s.now()
	var latency time.Duration
	if cfg.DelayEnabled && cfg.DelayMs > 0 {
		latency = time.Duration(cfg.DelayMs) * time.Millisecond
		if err := s.sleep(ctx, latency); err != nil {
			return models.Fill{}, err
		}
	}

	// 延迟后以最新价成交，而不是决策时的价格
	price, ok := s.prices.Price(order.Symbol)
	if !ok || price <= 0 {
		return models.Fill{}, &Rejection{OrderID: order.ID, Reason: models.DenyStaleFeed,
			Detail: fmt.Sprintf("无 %s 的有效报价", order.Symbol)}
	}
	if s.prices.Stale(order.Symbol) {
		return models.Fill{}, &Rejection{OrderID: order.ID, Reason: models.DenyStaleFeed,
			Detail: fmt.Sprintf("%s 行情已失效", order.Symbol)}
	}

	fill := models.Fill{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Direction:  order.Direction,
		Price:      price,
		Quantity:   order.Quantity,
		Latency:    latency,
		ExecutedAt: started.Add(latency),
	}

	// 滑点永远对成交方不利：买单抬价，卖单压价
	if cfg.SlippageEnabled && cfg.MaxSlippagePct > 0 {
		fill.SlippagePct = s.rng() * cfg.MaxSlippagePct
		fill.Price = adverse(fill.Price, fill.SlippagePct, order.Direction)
	}

	// 市场冲击与名义价值/典型成交量之比成正比，封顶
	if cfg.ImpactEnabled {
		if typical, ok := cfg.TypicalVolume[order.Symbol]; ok && typical > 0 {
			notional := price * order.Quantity
			impact := notional / typical * 100
			if cfg.ImpactCapPct > 0 {
				impact = math.Min(impact, cfg.ImpactCapPct)
			}
			fill.ImpactPct = impact
			fill.Price = adverse(fill.Price, impact, order.Direction)
		}
	}

	// 部分成交：30%-90% 随机比例
	if cfg.PartialFillEnabled && cfg.PartialFillProb > 0 && s.rng() < cfg.PartialFillProb {
		fraction := 0.3 + s.rng()*0.6
		fill.Quantity = order.Quantity * fraction
		fill.Partial = true
	}

	s.logger.Debug().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("direction", string(order.Direction)).
		Float64("ref_price", order.Price).
		Float64("fill_price", fill.Price).
		Float64("slippage_pct", fill.SlippagePct).
		Float64("impact_pct", fill.ImpactPct).
		Bool("partial", fill.Partial).
		Dur("latency", latency).
		Msg("模拟撮合完成")
	return fill, nil
}

// adverse 按方向施加不利的百分比偏移
func adverse(price, pct float64, dir models.Direction) float64 {
	if dir == models.Short {
		return price * (1 - pct/100)
	}
	return price * (1 + pct/100)
}
