package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"papertrade-go/config"
	"papertrade-go/events"
	"papertrade-go/market"
	"papertrade-go/models"
	"papertrade-go/portfolio"
)

func newTestBot(t *testing.T) (*Bot, *market.Feed) {
	t.Helper()
	cfg := config.Default()
	cfg.Execution = config.ExecutionSettings{} // 理想撮合，测试可复现
	feed := market.NewFeed(200, time.Minute)
	ledger := portfolio.NewLedger(cfg.InitialBalance, zerolog.Nop())
	bot := NewBot(cfg, feed, ledger, nil, events.NewBus(zerolog.Nop()), nil, zerolog.Nop())
	return bot, feed
}

// seedMarket 注入 n 根窄幅震荡K线和最新价，涨跌交替使各策略倾向中性投票
func seedMarket(feed *market.Feed, symbol, timeframe string, n int, price float64) {
	base := time.Now().UTC().Add(-time.Duration(n) * 15 * time.Minute)
	for i := 0; i < n; i++ {
		c := price - 0.5
		if i%2 == 0 {
			c = price + 0.5
		}
		feed.PushCandle(symbol, timeframe, models.Candle{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     c,
			Volume:    100,
		})
	}
	feed.SetConnected(true)
	feed.SetPrice(symbol, price)
}

func TestTickRecordsRuntimeAndSignal(t *testing.T) {
	bot, feed := newTestBot(t)
	seedMarket(feed, "BTCUSDT", "15m", 60, 50000)

	bot.Tick(context.Background())

	snap := bot.Snapshot()
	if snap.LastRunAt.IsZero() {
		t.Fatal("Tick 后应记录运行时间")
	}
	if snap.LastError != "" {
		t.Fatalf("平稳行情不应产生错误: %s", snap.LastError)
	}
	if snap.LastSignal == nil || snap.LastSignal.Symbol != "BTCUSDT" {
		t.Fatalf("应记录最近信号: %+v", snap.LastSignal)
	}
	history := bot.SignalHistory(0)
	if len(history) != 1 {
		t.Fatalf("信号历史条数 = %d, 期望 1", len(history))
	}
}

func TestTickReportsInsufficientCandles(t *testing.T) {
	bot, feed := newTestBot(t)
	seedMarket(feed, "BTCUSDT", "15m", 10, 50000)

	bot.Tick(context.Background())

	if snap := bot.Snapshot(); snap.LastError == "" {
		t.Fatal("K线不足时应记录错误")
	}
	if len(bot.SignalHistory(0)) != 0 {
		t.Fatal("K线不足时不应产出信号")
	}
}

func TestSignalHistoryNewestFirst(t *testing.T) {
	bot, feed := newTestBot(t)
	seedMarket(feed, "BTCUSDT", "15m", 60, 50000)

	bot.Tick(context.Background())
	bot.Tick(context.Background())
	bot.Tick(context.Background())

	history := bot.SignalHistory(2)
	if len(history) != 2 {
		t.Fatalf("限制条数失效: %d", len(history))
	}
	all := bot.SignalHistory(0)
	if len(all) != 3 {
		t.Fatalf("信号历史条数 = %d, 期望 3", len(all))
	}
	if history[0].ID != all[0].ID {
		t.Fatal("返回顺序应为新的在前")
	}
}

func TestUpdateSettingsAtomicity(t *testing.T) {
	bot, _ := newTestBot(t)
	origVersion := bot.Settings().Version

	t.Run("非法字段整体拒绝", func(t *testing.T) {
		lev := 999
		sl := 3.0
		if _, err := bot.UpdateSettings(SettingsUpdate{Leverage: &lev, StopLossPct: &sl}); err == nil {
			t.Fatal("越界杠杆应导致更新失败")
		}
		cur := bot.Settings()
		if cur.Version != origVersion {
			t.Fatalf("失败的更新不应递增版本: %d", cur.Version)
		}
		if cur.Risk.StopLossPct == 3.0 {
			t.Fatal("失败的更新不应落下任何字段")
		}
	})
	t.Run("合法更新递增版本", func(t *testing.T) {
		lev := 20
		next, err := bot.UpdateSettings(SettingsUpdate{Leverage: &lev})
		if err != nil {
			t.Fatalf("UpdateSettings: %v", err)
		}
		if next.Leverage != 20 || next.Version != origVersion+1 {
			t.Fatalf("更新结果不符: leverage=%d version=%d", next.Leverage, next.Version)
		}
		if bot.Settings().Version != origVersion+1 {
			t.Fatal("新配置未生效")
		}
	})
	t.Run("空时间周期拒绝", func(t *testing.T) {
		tf := "  "
		if _, err := bot.UpdateSettings(SettingsUpdate{Timeframe: &tf}); err == nil {
			t.Fatal("空时间周期应拒绝")
		}
		if bot.Settings().Timeframe != "15m" {
			t.Fatal("失败的更新不应改变时间周期")
		}
	})
	t.Run("空交易对列表拒绝", func(t *testing.T) {
		syms := []string{" ", ""}
		if _, err := bot.UpdateSettings(SettingsUpdate{Symbols: &syms}); err == nil {
			t.Fatal("清洗后为空的交易对列表应拒绝")
		}
	})
}

func TestCloseTradeNotFound(t *testing.T) {
	bot, _ := newTestBot(t)
	if _, err := bot.CloseTrade("no-such-trade"); err != portfolio.ErrTradeNotFound {
		t.Fatalf("期望 ErrTradeNotFound, 得 %v", err)
	}
}

func TestTickOpensPositionOnStrongSignal(t *testing.T) {
	bot, feed := newTestBot(t)
	// 连续下跌使 RSI 深度超卖，多数策略投多
	base := time.Now().UTC().Add(-60 * 15 * time.Minute)
	price := 60000.0
	for i := 0; i < 60; i++ {
		price -= 150
		feed.PushCandle("BTCUSDT", "15m", models.Candle{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price + 150,
			High:      price + 160,
			Low:       price - 10,
			Close:     price,
			Volume:    100,
		})
	}
	feed.SetConnected(true)
	feed.SetPrice("BTCUSDT", price)

	bot.Tick(context.Background())

	snap := bot.Snapshot()
	if snap.LastSignal == nil {
		t.Fatal("应产出信号")
	}
	if snap.LastSignal.Direction != models.Long {
		t.Skipf("合成信号方向 %s 非做多，跳过建仓断言", snap.LastSignal.Direction)
	}
	open := bot.Ledger().OpenTrades()
	if len(open) != 1 {
		t.Fatalf("持仓数 = %d, 期望 1", len(open))
	}
	trade := open[0]
	if trade.Direction != models.Long || trade.EntryPrice != price {
		t.Fatalf("持仓不符: %+v", trade)
	}
	if trade.StopLoss >= trade.EntryPrice || trade.TakeProfit <= trade.EntryPrice {
		t.Fatalf("多头止损止盈方向错误: SL=%f TP=%f", trade.StopLoss, trade.TakeProfit)
	}

	// 同方向不加仓
	bot.Tick(context.Background())
	if n := len(bot.Ledger().OpenTrades()); n != 1 {
		t.Fatalf("重复信号不应加仓, 持仓数 = %d", n)
	}
}

// 并发执行交易周期、人工平仓与配置更新，准入到建仓必须保持串行：
// 同向持仓任何时刻不超过一笔，账本始终对得上账。
func TestConcurrentTicksClosesAndSettings(t *testing.T) {
	bot, feed := newTestBot(t)
	base := time.Now().UTC().Add(-60 * 15 * time.Minute)
	price := 60000.0
	for i := 0; i < 60; i++ {
		price -= 150
		feed.PushCandle("BTCUSDT", "15m", models.Candle{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price + 150,
			High:      price + 160,
			Low:       price - 10,
			Close:     price,
			Volume:    100,
		})
	}
	feed.SetConnected(true)
	feed.SetPrice("BTCUSDT", price)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				bot.Tick(context.Background())
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 25; j++ {
			for _, tr := range bot.Ledger().OpenTrades() {
				_, _ = bot.CloseTrade(tr.ID)
			}
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 25; j++ {
			limit := 5.0 - float64(j%2)*0.01
			_, _ = bot.UpdateSettings(SettingsUpdate{DailyLossLimitPct: &limit})
		}
	}()
	wg.Wait()

	view := bot.Portfolio()
	upl := 0.0
	for _, tr := range view.OpenTrades {
		upl += tr.UnrealizedPnL
	}
	if !withinTolerance(view.Equity, view.Balance+upl) {
		t.Fatalf("权益 %f != 余额 %f + Σ未实现盈亏 %f", view.Equity, view.Balance, upl)
	}
	// 同向重复建仓意味着准入与建仓之间被其他写路径插入过
	byDir := map[models.Direction]int{}
	for _, tr := range view.OpenTrades {
		byDir[tr.Direction]++
	}
	for dir, n := range byDir {
		if n > 1 {
			t.Fatalf("%s 方向持仓 %d 笔, 期望不超过 1", dir, n)
		}
	}
	realized := 0.0
	for _, tr := range bot.Ledger().ClosedTrades(0) {
		realized += tr.RealizedPnL
	}
	if !withinTolerance(view.Balance, view.InitialBalance+realized) {
		t.Fatalf("余额 %f != 初始 %f + 已实现 %f", view.Balance, view.InitialBalance, realized)
	}
}

func withinTolerance(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}

func TestTickBlocksEntryOnStaleFeed(t *testing.T) {
	bot, feed := newTestBot(t)
	seedMarket(feed, "BTCUSDT", "15m", 60, 50000)
	feed.SetConnected(false)

	bot.Tick(context.Background())

	if n := len(bot.Ledger().OpenTrades()); n != 0 {
		t.Fatalf("行情失效时不应开仓, 持仓数 = %d", n)
	}
}
