package market

import (
	"sort"
	"sync"
	"time"

	"papertrade-go/models"
)

// Feed 行情缓存：K线历史、最新价、资金费率、连接状态。
// 写入来自行情流或合成数据源，读取来自交易循环与HTTP接口。
type Feed struct {
	mu sync.RWMutex

	candles map[string][]models.Candle // key: symbol|timeframe
	prices  map[string]pricePoint
	funding map[string]float64
	maxBars int

	connected  bool
	staleAfter time.Duration

	now func() time.Time
}

type pricePoint struct {
	price float64
	at    time.Time
}

// NewFeed 创建行情缓存。maxBars 为每个序列保留的K线上限。
func NewFeed(maxBars int, staleAfter time.Duration) *Feed {
	if maxBars <= 0 {
		maxBars = 1000
	}
	return &Feed{
		candles:    make(map[string][]models.Candle),
		prices:     make(map[string]pricePoint),
		funding:    make(map[string]float64),
		maxBars:    maxBars,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func seriesKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// PushCandle 插入一根已收盘K线。重复时间戳忽略并返回 false，
// 乱序到达的按时间戳排序插入，序列始终保持升序。
func (f *Feed) PushCandle(symbol, timeframe string, c models.Candle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := seriesKey(symbol, timeframe)
	series := f.candles[key]

	i := sort.Search(len(series), func(i int) bool {
		return !series[i].Timestamp.Before(c.Timestamp)
	})
	if i < len(series) && series[i].Timestamp.Equal(c.Timestamp) {
		return false
	}
	series = append(series, models.Candle{})
	copy(series[i+1:], series[i:])
	series[i] = c

	if len(series) > f.maxBars {
		series = series[len(series)-f.maxBars:]
	}
	f.candles[key] = series
	return true
}

// Candles 返回最近 n 根K线的副本（n<=0 返回全部）
func (f *Feed) Candles(symbol, timeframe string, n int) []models.Candle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	series := f.candles[seriesKey(symbol, timeframe)]
	if n <= 0 || n > len(series) {
		n = len(series)
	}
	out := make([]models.Candle, n)
	copy(out, series[len(series)-n:])
	return out
}

// SetPrice 更新最新价
func (f *Feed) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	f.mu.Lock()
	f.prices[symbol] = pricePoint{price: price, at: f.now()}
	f.mu.Unlock()
}

// Price 最新价。ok=false 表示从未收到该交易对的报价
func (f *Feed) Price(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	if !ok {
		return 0, false
	}
	return p.price, true
}

// Stale 行情是否失效：连接断开，或最新价超过时限未更新
func (f *Feed) Stale(symbol string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.connected {
		return true
	}
	p, ok := f.prices[symbol]
	if !ok {
		return true
	}
	return f.staleAfter > 0 && f.now().Sub(p.at) > f.staleAfter
}

// SetFundingRate 更新资金费率（来自标记价格流）
func (f *Feed) SetFundingRate(symbol string, rate float64) {
	f.mu.Lock()
	f.funding[symbol] = rate
	f.mu.Unlock()
}

// FundingRate 最新资金费率，没有流数据时回退到给定默认值
func (f *Feed) FundingRate(symbol string, fallback float64) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if r, ok := f.funding[symbol]; ok {
		return r
	}
	return fallback
}

// SetConnected 更新连接状态
func (f *Feed) SetConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
}

// Connected 当前连接状态
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// LastUpdated 某交易对最后一次报价时间
func (f *Feed) LastUpdated(symbol string) (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	return p.at, ok
}
