package exchange

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"papertrade-go/config"
	"papertrade-go/models"
)

type stubPrices struct {
	price float64
	ok    bool
	stale bool
}

func (s stubPrices) Price(symbol string) (float64, bool) { return s.price, s.ok }
func (s stubPrices) Stale(symbol string) bool            { return s.stale }

// seqRng 按预设序列返回随机数
func seqRng(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func newTestSimulator(prices PriceSource) *Simulator {
	s := NewSimulator(prices, zerolog.Nop())
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func testOrder(dir models.Direction) models.PendingOrder {
	return models.PendingOrder{
		ID:        "order-1",
		Symbol:    "BTCUSDT",
		Direction: dir,
		Quantity:  1,
		Leverage:  10,
		Price:     50000,
	}
}

func allOff() config.ExecutionSettings {
	return config.ExecutionSettings{}
}

func TestExecuteIdealFill(t *testing.T) {
	sim := newTestSimulator(stubPrices{price: 50000, ok: true})
	fill, err := sim.Execute(context.Background(), testOrder(models.Long), allOff())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fill.Price != 50000 || fill.Quantity != 1 || fill.Partial {
		t.Fatalf("理想撮合应全额按现价成交, 得 %+v", fill)
	}
}

func TestExecuteSlippageAlwaysAdverse(t *testing.T) {
	cfg := allOff()
	cfg.SlippageEnabled = true
	cfg.MaxSlippagePct = 0.1

	t.Run("买单抬价", func(t *testing.T) {
		sim := newTestSimulator(stubPrices{price: 50000, ok: true})
		sim.rng = seqRng(0.5) // 滑点 0.05%
		fill, err := sim.Execute(context.Background(), testOrder(models.Long), cfg)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if fill.Price <= 50000 {
			t.Fatalf("买单滑点后价格 = %f, 期望 > 50000", fill.Price)
		}
		if !almostEqual(fill.Price, 50000*1.0005) {
			t.Fatalf("价格 = %f, 期望 %f", fill.Price, 50000*1.0005)
		}
	})
	t.Run("卖单压价", func(t *testing.T) {
		sim := newTestSimulator(stubPrices{price: 50000, ok: true})
		sim.rng = seqRng(0.5)
		fill, err := sim.Execute(context.Background(), testOrder(models.Short), cfg)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if fill.Price >= 50000 {
			t.Fatalf("卖单滑点后价格 = %f, 期望 < 50000", fill.Price)
		}
	})
}

func TestExecuteImpactProportionalAndCapped(t *testing.T) {
	cfg := allOff()
	cfg.ImpactEnabled = true
	cfg.ImpactCapPct = 0.10
	cfg.TypicalVolume = map[string]float64{"BTCUSDT": 100_000_000}

	t.Run("小单按比例", func(t *testing.T) {
		sim := newTestSimulator(stubPrices{price: 50000, ok: true})
		fill, err := sim.Execute(context.Background(), testOrder(models.Long), cfg)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		// 名义 50000 / 1亿 = 0.05%
		if !almostEqual(fill.ImpactPct, 0.05) {
			t.Fatalf("冲击 = %f%%, 期望 0.05%%", fill.ImpactPct)
		}
	})
	t.Run("大单触顶", func(t *testing.T) {
		sim := newTestSimulator(stubPrices{price: 50000, ok: true})
		order := testOrder(models.Long)
		order.Quantity = 10000 // 名义 5 亿，远超典型成交量
		fill, err := sim.Execute(context.Background(), order, cfg)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !almostEqual(fill.ImpactPct, 0.10) {
			t.Fatalf("冲击 = %f%%, 期望封顶 0.10%%", fill.ImpactPct)
		}
	})
}

func TestExecutePartialFill(t *testing.T) {
	cfg := allOff()
	cfg.PartialFillEnabled = true
	cfg.PartialFillProb = 0.5

	t.Run("命中部分成交时比例在30到90之间", func(t *testing.T) {
		sim := newTestSimulator(stubPrices{price: 50000, ok: true})
		sim.rng = seqRng(0.1, 0.5) // 第一次判定命中，第二次决定比例
		fill, err := sim.Execute(context.Background(), testOrder(models.Long), cfg)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !fill.Partial {
			t.Fatal("应标记为部分成交")
		}
		// fraction = 0.3 + 0.5*0.6 = 0.6
		if !almostEqual(fill.Quantity, 0.6) {
			t.Fatalf("成交量 = %f, 期望 0.6", fill.Quantity)
		}
		if fill.Quantity < 0.3 || fill.Quantity > 0.9 {
			t.Fatalf("部分成交比例越界: %f", fill.Quantity)
		}
	})
	t.Run("未命中时全额成交", func(t *testing.T) {
		sim := newTestSimulator(stubPrices{price: 50000, ok: true})
		sim.rng = seqRng(0.9)
		fill, err := sim.Execute(context.Background(), testOrder(models.Long), cfg)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if fill.Partial || fill.Quantity != 1 {
			t.Fatalf("未命中概率时应全额成交, 得 %+v", fill)
		}
	})
}

func TestExecuteRejections(t *testing.T) {
	tests := []struct {
		name   string
		prices stubPrices
	}{
		{name: "无报价", prices: stubPrices{ok: false}},
		{name: "行情失效", prices: stubPrices{price: 50000, ok: true, stale: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := newTestSimulator(tt.prices)
			_, err := sim.Execute(context.Background(), testOrder(models.Long), allOff())
			var rej *Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("期望 Rejection, 得 %v", err)
			}
			if rej.Reason != models.DenyStaleFeed {
				t.Fatalf("拒绝原因 = %s, 期望 %s", rej.Reason, models.DenyStaleFeed)
			}
		})
	}
}

func TestExecuteResamplesPriceAfterDelay(t *testing.T) {
	cfg := allOff()
	cfg.DelayEnabled = true
	cfg.DelayMs = 200

	sim := newTestSimulator(stubPrices{price: 51000, ok: true})
	order := testOrder(models.Long)
	order.Price = 50000 // 决策参考价，不应成为成交价
	fill, err := sim.Execute(context.Background(), order, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fill.Price != 51000 {
		t.Fatalf("成交价 = %f, 期望延迟后重取的 51000", fill.Price)
	}
	if fill.Latency != 200*time.Millisecond {
		t.Fatalf("延迟 = %v, 期望 200ms", fill.Latency)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	cfg := allOff()
	cfg.DelayEnabled = true
	cfg.DelayMs = 200

	sim := NewSimulator(stubPrices{price: 50000, ok: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sim.Execute(ctx, testOrder(models.Long), cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled, 得 %v", err)
	}
}

func TestExecuteInvalidOrder(t *testing.T) {
	sim := newTestSimulator(stubPrices{price: 50000, ok: true})
	order := testOrder(models.Long)
	order.Quantity = 0
	if _, err := sim.Execute(context.Background(), order, allOff()); err == nil {
		t.Fatal("零数量订单应报错")
	}
	order = testOrder(models.Neutral)
	if _, err := sim.Execute(context.Background(), order, allOff()); err == nil {
		t.Fatal("中性方向订单应报错")
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9
}
