package regime

import (
	"math"

	"papertrade-go/indicators"
	"papertrade-go/models"
)

const minCandles = 31

// 波动率比值超过该值视为高波动市
const volatileRatio = 1.5

// 价格偏离均线超过该比例视为趋势市
const trendDeviation = 0.01

// Classify 由滚动波动率与均线偏离度给出粗粒度市场状态。
// 数据不足时按震荡市处理。
func Classify(candles []models.Candle) models.RegimeLabel {
	if len(candles) < minCandles {
		return models.RegimeRanging
	}

	atr10 := indicators.ATR(candles, 10)
	atr30 := indicators.ATR(candles, 30)
	if atr30 > 0 && atr10/atr30 > volatileRatio {
		return models.RegimeVolatile
	}

	closes := indicators.Closes(candles)
	n := len(closes)
	sma20 := indicators.SMA(closes, 20)[n-1]
	if sma20 == 0 {
		return models.RegimeRanging
	}
	deviation := (closes[n-1] - sma20) / sma20

	// 均线自身的斜率作为第二票，避免单根K线的假突破
	sma20Prev := indicators.SMA(closes[:n-5], 20)
	slope := 0.0
	if len(sma20Prev) > 0 && sma20Prev[len(sma20Prev)-1] != 0 {
		slope = (sma20 - sma20Prev[len(sma20Prev)-1]) / sma20Prev[len(sma20Prev)-1]
	}

	switch {
	case deviation > trendDeviation && slope >= 0:
		return models.RegimeTrendingUp
	case deviation < -trendDeviation && slope <= 0:
		return models.RegimeTrendingDown
	}
	return models.RegimeRanging
}

// Volatility 归一化波动率（ATR相对价格），供策略调整阈值
func Volatility(candles []models.Candle) float64 {
	if len(candles) < 11 {
		return 0
	}
	last := candles[len(candles)-1].Close
	if last == 0 {
		return 0
	}
	return math.Abs(indicators.ATR(candles, 10) / last)
}
