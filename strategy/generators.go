package strategy

import (
	"fmt"

	"papertrade-go/config"
	"papertrade-go/indicators"
	"papertrade-go/models"
)

// Input 单次评估输入，生成器只读
type Input struct {
	Symbol    string
	Timeframe string
	Candles   []models.Candle
	Regime    models.RegimeLabel
	Params    config.StrategyParams
	UseExtra  bool // 本次评估是否征询外部信号服务
}

// Generator 策略生成器统一接口
type Generator interface {
	Name() string
	Evaluate(in Input) models.StrategyVote
}

func neutralVote(name, reason string) models.StrategyVote {
	return models.StrategyVote{Strategy: name, Direction: models.Neutral, Confidence: 0, Reason: reason}
}

// rsiGenerator RSI 超买超卖
type rsiGenerator struct{}

func (rsiGenerator) Name() string { return "rsi" }

func (g rsiGenerator) Evaluate(in Input) models.StrategyVote {
	p := in.Params
	if len(in.Candles) < p.RSIPeriod+1 {
		return neutralVote(g.Name(), "K线数据不足")
	}
	rsi := indicators.RSI(indicators.Closes(in.Candles), p.RSIPeriod)

	oversold := p.RSIOversold
	overbought := p.RSIOverbought
	// 高波动市放宽阈值，减少假信号
	if in.Regime == models.RegimeVolatile {
		oversold -= 5
		overbought += 5
	}

	switch {
	case rsi < oversold:
		conf := clamp01((oversold - rsi) / oversold * 2)
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Long,
			Confidence: conf,
			Reason:     fmt.Sprintf("RSI超卖(%.1f < %.0f)", rsi, oversold),
		}
	case rsi > overbought:
		conf := clamp01((rsi - overbought) / (100 - overbought) * 2)
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Short,
			Confidence: conf,
			Reason:     fmt.Sprintf("RSI超买(%.1f > %.0f)", rsi, overbought),
		}
	}
	return neutralVote(g.Name(), fmt.Sprintf("RSI中性(%.1f)", rsi))
}

// macdGenerator MACD 金叉死叉
type macdGenerator struct{}

func (macdGenerator) Name() string { return "macd" }

func (g macdGenerator) Evaluate(in Input) models.StrategyVote {
	p := in.Params
	if len(in.Candles) < p.MACDSlow+p.MACDSignal {
		return neutralVote(g.Name(), "K线数据不足")
	}
	m := indicators.MACD(indicators.Closes(in.Candles), p.MACDFast, p.MACDSlow, p.MACDSignal)

	crossedUp := m.PrevHist <= 0 && m.Histogram > 0
	crossedDown := m.PrevHist >= 0 && m.Histogram < 0

	base := 0.5
	// 顺势加成
	if in.Regime == models.RegimeTrendingUp && m.Histogram > 0 {
		base = 0.7
	}
	if in.Regime == models.RegimeTrendingDown && m.Histogram < 0 {
		base = 0.7
	}

	switch {
	case crossedUp:
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Long,
			Confidence: clamp01(base + 0.2),
			Reason:     fmt.Sprintf("MACD金叉(柱 %.4f)", m.Histogram),
		}
	case crossedDown:
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Short,
			Confidence: clamp01(base + 0.2),
			Reason:     fmt.Sprintf("MACD死叉(柱 %.4f)", m.Histogram),
		}
	case m.Histogram > 0 && m.Line > m.Signal:
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Long,
			Confidence: base,
			Reason:     "MACD多头排列",
		}
	case m.Histogram < 0 && m.Line < m.Signal:
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Short,
			Confidence: base,
			Reason:     "MACD空头排列",
		}
	}
	return neutralVote(g.Name(), "MACD无明确方向")
}

// bollingerGenerator 布林带回归
type bollingerGenerator struct{}

func (bollingerGenerator) Name() string { return "bollinger" }

func (g bollingerGenerator) Evaluate(in Input) models.StrategyVote {
	p := in.Params
	if len(in.Candles) < p.BBWindow {
		return neutralVote(g.Name(), "K线数据不足")
	}
	stdDev := p.BBStdDev
	// 高波动市加宽带宽，触带更难
	if in.Regime == models.RegimeVolatile {
		stdDev += 0.5
	}
	_, _, _, pos := indicators.Bollinger(indicators.Closes(in.Candles), p.BBWindow, stdDev)

	switch {
	case pos <= 0.05:
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Long,
			Confidence: clamp01(0.6 + (0.05-pos)*4),
			Reason:     fmt.Sprintf("触及布林下轨(位置 %.2f)", pos),
		}
	case pos >= 0.95:
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Short,
			Confidence: clamp01(0.6 + (pos-0.95)*4),
			Reason:     fmt.Sprintf("触及布林上轨(位置 %.2f)", pos),
		}
	}
	return neutralVote(g.Name(), fmt.Sprintf("带内运行(位置 %.2f)", pos))
}

// stochasticGenerator 随机指标超买超卖+交叉
type stochasticGenerator struct{}

func (stochasticGenerator) Name() string { return "stochastic" }

func (g stochasticGenerator) Evaluate(in Input) models.StrategyVote {
	p := in.Params
	if len(in.Candles) < p.StochKPeriod+p.StochDPeriod {
		return neutralVote(g.Name(), "K线数据不足")
	}
	k, d := indicators.Stochastic(in.Candles, p.StochKPeriod, p.StochDPeriod)

	switch {
	case k < p.StochOversold && k > d:
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Long,
			Confidence: clamp01((p.StochOversold - k) / p.StochOversold * 2),
			Reason:     fmt.Sprintf("随机指标超卖金叉(K=%.1f D=%.1f)", k, d),
		}
	case k > p.StochOverbought && k < d:
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Short,
			Confidence: clamp01((k - p.StochOverbought) / (100 - p.StochOverbought) * 2),
			Reason:     fmt.Sprintf("随机指标超买死叉(K=%.1f D=%.1f)", k, d),
		}
	}
	return neutralVote(g.Name(), fmt.Sprintf("随机指标中性(K=%.1f)", k))
}

// volumeGenerator 放量突破确认
type volumeGenerator struct{}

func (volumeGenerator) Name() string { return "volume" }

func (g volumeGenerator) Evaluate(in Input) models.StrategyVote {
	p := in.Params
	if len(in.Candles) < p.VolumeWindow+1 {
		return neutralVote(g.Name(), "K线数据不足")
	}
	_, ratio := indicators.VolumeStats(indicators.Volumes(in.Candles), p.VolumeWindow)
	if ratio < p.VolumeSpikeRatio {
		return neutralVote(g.Name(), fmt.Sprintf("量比正常(%.2f)", ratio))
	}

	last := in.Candles[len(in.Candles)-1]
	conf := clamp01(0.4 + (ratio-p.VolumeSpikeRatio)*0.15)
	if last.Close > last.Open {
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Long,
			Confidence: conf,
			Reason:     fmt.Sprintf("放量阳线(量比 %.2f)", ratio),
		}
	}
	if last.Close < last.Open {
		return models.StrategyVote{
			Strategy:   g.Name(),
			Direction:  models.Short,
			Confidence: conf,
			Reason:     fmt.Sprintf("放量阴线(量比 %.2f)", ratio),
		}
	}
	return neutralVote(g.Name(), "放量十字星")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BuiltinGenerators 内置策略注册表
func BuiltinGenerators() map[string]Generator {
	gens := []Generator{
		rsiGenerator{},
		macdGenerator{},
		bollingerGenerator{},
		stochasticGenerator{},
		volumeGenerator{},
	}
	out := make(map[string]Generator, len(gens))
	for _, g := range gens {
		out[g.Name()] = g
	}
	return out
}
