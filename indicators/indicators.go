package indicators

import (
	"math"

	"papertrade-go/models"
)

// Closes 提取收盘价序列
func Closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes 提取成交量序列
func Volumes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// SMA 简单移动平均序列，窗口不足时用可用数据
func SMA(data []float64, period int) []float64 {
	result := make([]float64, len(data))
	sum := 0.0
	for i := range data {
		sum += data[i]
		if i >= period {
			sum -= data[i-period]
		}
		n := period
		if i+1 < period {
			n = i + 1
		}
		result[i] = sum / float64(n)
	}
	return result
}

// EMA 指数移动平均序列
func EMA(data []float64, period int) []float64 {
	result := make([]float64, len(data))
	if len(data) == 0 {
		return result
	}
	k := 2.0 / float64(period+1)
	result[0] = data[0]
	for i := 1; i < len(data); i++ {
		result[i] = data[i]*k + result[i-1]*(1-k)
	}
	return result
}

// RSI Wilder 平滑相对强弱指标，数据不足返回 50
func RSI(data []float64, period int) float64 {
	if len(data) < period+1 {
		return 50
	}
	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		diff := data[i] - data[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	for i := period + 1; i < len(data); i++ {
		diff := data[i] - data[i-1]
		if diff > 0 {
			avgGain = (avgGain*float64(period-1) + diff) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) - diff) / float64(period)
		}
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACDResult MACD 线/信号线/柱
type MACDResult struct {
	Line      float64
	Signal    float64
	Histogram float64
	PrevHist  float64
}

// MACD 计算最新 MACD 值及上一根柱值（用于金叉/死叉判断）
func MACD(data []float64, fast, slow, signal int) MACDResult {
	n := len(data)
	if n == 0 {
		return MACDResult{}
	}
	emaFast := EMA(data, fast)
	emaSlow := EMA(data, slow)
	macdSeries := make([]float64, n)
	for i := range data {
		macdSeries[i] = emaFast[i] - emaSlow[i]
	}
	signalSeries := EMA(macdSeries, signal)
	out := MACDResult{
		Line:      macdSeries[n-1],
		Signal:    signalSeries[n-1],
		Histogram: macdSeries[n-1] - signalSeries[n-1],
	}
	if n >= 2 {
		out.PrevHist = macdSeries[n-2] - signalSeries[n-2]
	}
	return out
}

// Bollinger 布林带：中轨/上轨/下轨/价格带内位置(0-1)
func Bollinger(data []float64, period int, stdDev float64) (mid, upper, lower, position float64) {
	n := len(data)
	if n == 0 {
		return 0, 0, 0, 0.5
	}
	mid = SMA(data, period)[n-1]
	sd := RollingStd(data, period)
	upper = mid + sd*stdDev
	lower = mid - sd*stdDev
	position = 0.5
	if upper-lower != 0 {
		position = (data[n-1] - lower) / (upper - lower)
	}
	return mid, upper, lower, position
}

// RollingStd 末端窗口标准差
func RollingStd(data []float64, period int) float64 {
	n := len(data)
	start := n - period
	if start < 0 {
		start = 0
	}
	window := data[start:]
	if len(window) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))
	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(window))
	return math.Sqrt(variance)
}

// Stochastic 随机指标 %K 与 %D，数据不足返回 (50,50)
func Stochastic(candles []models.Candle, kPeriod, dPeriod int) (float64, float64) {
	if len(candles) < kPeriod {
		return 50, 50
	}
	k := stochK(candles, len(candles)-1, kPeriod)

	count := dPeriod
	if count > len(candles) {
		count = len(candles)
	}
	kSum := 0.0
	for i := 0; i < count; i++ {
		idx := len(candles) - count + i
		if idx-kPeriod+1 < 0 {
			kSum += k
			continue
		}
		kSum += stochK(candles, idx, kPeriod)
	}
	return k, kSum / float64(count)
}

func stochK(candles []models.Candle, idx, kPeriod int) float64 {
	highest := candles[idx-kPeriod+1].High
	lowest := candles[idx-kPeriod+1].Low
	for i := idx - kPeriod + 2; i <= idx; i++ {
		if candles[i].High > highest {
			highest = candles[i].High
		}
		if candles[i].Low < lowest {
			lowest = candles[i].Low
		}
	}
	if highest-lowest <= 0 {
		return 50
	}
	return (candles[idx].Close - lowest) / (highest - lowest) * 100
}

// ATR 平均真实波幅
func ATR(candles []models.Candle, period int) float64 {
	n := len(candles)
	if n < period+1 {
		return 0
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		tr1 := candles[i].High - candles[i].Low
		tr2 := math.Abs(candles[i].High - candles[i-1].Close)
		tr3 := math.Abs(candles[i].Low - candles[i-1].Close)
		sum += math.Max(tr1, math.Max(tr2, tr3))
	}
	return sum / float64(period)
}

// VolumeStats 成交量均值与最新量比
func VolumeStats(volumes []float64, period int) (ma, ratio float64) {
	n := len(volumes)
	if n == 0 {
		return 0, 0
	}
	ma = SMA(volumes, period)[n-1]
	if ma != 0 {
		ratio = volumes[n-1] / ma
	}
	return ma, ratio
}

// Snapshot 一次性计算策略引擎与AI上下文需要的全部指标
type Snapshot struct {
	RSI         float64    `json:"rsi"`
	MACD        MACDResult `json:"macd"`
	BBMiddle    float64    `json:"bb_middle"`
	BBUpper     float64    `json:"bb_upper"`
	BBLower     float64    `json:"bb_lower"`
	BBPosition  float64    `json:"bb_position"`
	StochK      float64    `json:"stoch_k"`
	StochD      float64    `json:"stoch_d"`
	VolumeMA    float64    `json:"volume_ma"`
	VolumeRatio float64    `json:"volume_ratio"`
	ATR         float64    `json:"atr"`
	LastClose   float64    `json:"last_close"`
}

// Params Snapshot 计算参数
type Params struct {
	RSIPeriod    int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	BBWindow     int
	BBStdDev     float64
	StochKPeriod int
	StochDPeriod int
	VolumeWindow int
}

// Compute 计算指标快照
func Compute(candles []models.Candle, p Params) Snapshot {
	if len(candles) == 0 {
		return Snapshot{}
	}
	closes := Closes(candles)
	volumes := Volumes(candles)

	var s Snapshot
	s.RSI = RSI(closes, p.RSIPeriod)
	s.MACD = MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	s.BBMiddle, s.BBUpper, s.BBLower, s.BBPosition = Bollinger(closes, p.BBWindow, p.BBStdDev)
	s.StochK, s.StochD = Stochastic(candles, p.StochKPeriod, p.StochDPeriod)
	s.VolumeMA, s.VolumeRatio = VolumeStats(volumes, p.VolumeWindow)
	s.ATR = ATR(candles, 14)
	s.LastClose = closes[len(closes)-1]
	return s
}
