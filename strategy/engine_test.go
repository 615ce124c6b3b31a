package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"papertrade-go/config"
	"papertrade-go/models"
)

func vote(dir models.Direction, conf float64) models.StrategyVote {
	return models.StrategyVote{Strategy: "test", Direction: dir, Confidence: conf}
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name       string
		votes      []models.StrategyVote
		mode       models.CombinationMode
		wantDir    models.Direction
		wantConf   float64
		exactConf  bool
		strongThrs float64
	}{
		{
			name:    "全员一致时通过",
			votes:   []models.StrategyVote{vote(models.Long, 0.6), vote(models.Long, 0.8), vote(models.Neutral, 0)},
			mode:    models.CombineUnanimous,
			wantDir: models.Long, wantConf: 0.7, exactConf: true,
		},
		{
			name:    "一票反对则否决",
			votes:   []models.StrategyVote{vote(models.Long, 0.9), vote(models.Long, 0.9), vote(models.Short, 0.1)},
			mode:    models.CombineUnanimous,
			wantDir: models.Neutral,
		},
		{
			name:    "多数派3比2",
			votes:   []models.StrategyVote{vote(models.Long, 0.5), vote(models.Long, 0.7), vote(models.Long, 0.6), vote(models.Short, 0.9), vote(models.Short, 0.9)},
			mode:    models.CombineMajority,
			wantDir: models.Long, wantConf: 0.6, exactConf: true,
		},
		{
			name:    "2比2平票判为中性",
			votes:   []models.StrategyVote{vote(models.Long, 0.9), vote(models.Long, 0.9), vote(models.Short, 0.9), vote(models.Short, 0.9)},
			mode:    models.CombineMajority,
			wantDir: models.Neutral,
		},
		{
			name:    "中性票不参与多数统计",
			votes:   []models.StrategyVote{vote(models.Short, 0.6), vote(models.Neutral, 0), vote(models.Neutral, 0), vote(models.Neutral, 0)},
			mode:    models.CombineMajority,
			wantDir: models.Short, wantConf: 0.6, exactConf: true,
		},
		{
			name:    "加权平均按净得分定向",
			votes:   []models.StrategyVote{vote(models.Long, 0.8), vote(models.Short, 0.2)},
			mode:    models.CombineWeightedAverage,
			wantDir: models.Long, wantConf: 0.6, exactConf: true,
		},
		{
			name:    "加权平均得分相抵为中性",
			votes:   []models.StrategyVote{vote(models.Long, 0.5), vote(models.Short, 0.5)},
			mode:    models.CombineWeightedAverage,
			wantDir: models.Neutral,
		},
		{
			name:       "单强票即可触发",
			votes:      []models.StrategyVote{vote(models.Long, 0.85), vote(models.Neutral, 0), vote(models.Neutral, 0)},
			mode:       models.CombineAnyAgree,
			wantDir:    models.Long,
			wantConf:   0.85, exactConf: true,
			strongThrs: 0.7,
		},
		{
			name:       "双向强票互斥判为中性",
			votes:      []models.StrategyVote{vote(models.Long, 0.9), vote(models.Short, 0.8)},
			mode:       models.CombineAnyAgree,
			wantDir:    models.Neutral,
			strongThrs: 0.7,
		},
		{
			name:       "无强票不触发",
			votes:      []models.StrategyVote{vote(models.Long, 0.5), vote(models.Short, 0.3)},
			mode:       models.CombineAnyAgree,
			wantDir:    models.Neutral,
			strongThrs: 0.7,
		},
		{
			name:       "阈值为0时单边独票仍触发",
			votes:      []models.StrategyVote{vote(models.Long, 0.4), vote(models.Neutral, 0)},
			mode:       models.CombineAnyAgree,
			wantDir:    models.Long,
			wantConf:   0.4, exactConf: true,
			strongThrs: 0,
		},
		{
			name:    "全中性返回中性",
			votes:   []models.StrategyVote{vote(models.Neutral, 0), vote(models.Neutral, 0)},
			mode:    models.CombineMajority,
			wantDir: models.Neutral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, conf := Combine(tt.votes, tt.mode, tt.strongThrs)
			if dir != tt.wantDir {
				t.Fatalf("方向 = %s, 期望 %s", dir, tt.wantDir)
			}
			if tt.exactConf && !almostEqual(conf, tt.wantConf) {
				t.Fatalf("置信度 = %f, 期望 %f", conf, tt.wantConf)
			}
			if dir == models.Neutral && conf != 0 {
				t.Fatalf("中性信号置信度应为 0, 得 %f", conf)
			}
		})
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func testParams() config.StrategyParams {
	return config.Default().Strategies
}

func genCandles(n int, fn func(i int) models.Candle) []models.Candle {
	out := make([]models.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		c := fn(i)
		c.Timestamp = base.Add(time.Duration(i) * 15 * time.Minute)
		out[i] = c
	}
	return out
}

func TestRSIGeneratorOversold(t *testing.T) {
	// 连续阴线把 RSI 打到接近 0，应给出做多票
	candles := genCandles(30, func(i int) models.Candle {
		p := 200 - float64(i)*3
		return models.Candle{Open: p + 3, High: p + 3, Low: p, Close: p, Volume: 1000}
	})
	v := rsiGenerator{}.Evaluate(Input{Candles: candles, Params: testParams()})
	if v.Direction != models.Long {
		t.Fatalf("超卖时方向 = %s, 期望 LONG", v.Direction)
	}
	if v.Confidence <= 0 {
		t.Fatalf("超卖票置信度 = %f, 期望 > 0", v.Confidence)
	}
}

func TestRSIGeneratorInsufficientData(t *testing.T) {
	candles := genCandles(5, func(i int) models.Candle {
		return models.Candle{Close: 100}
	})
	v := rsiGenerator{}.Evaluate(Input{Candles: candles, Params: testParams()})
	if v.Direction != models.Neutral {
		t.Fatalf("数据不足时方向 = %s, 期望 NEUTRAL", v.Direction)
	}
}

type failingVoter struct{}

func (failingVoter) Vote(ctx context.Context, in Input) (models.StrategyVote, error) {
	return models.StrategyVote{}, errors.New("服务不可用")
}

func TestEvaluateDegradesWhenExtraVoterFails(t *testing.T) {
	candles := genCandles(60, func(i int) models.Candle {
		p := 100 + float64(i%3)*0.2
		return models.Candle{Open: p, High: p + 0.5, Low: p - 0.5, Close: p, Volume: 1000}
	})
	engine := NewEngine(BuiltinGenerators(), failingVoter{}, zerolog.Nop())
	sig := engine.Evaluate(context.Background(), Input{
		Symbol:    "BTCUSDT",
		Timeframe: "15m",
		Candles:   candles,
		Regime:    models.RegimeRanging,
		Params:    testParams(),
		UseExtra:  true,
	}, models.CombineMajority)

	if sig.ID == "" {
		t.Fatal("信号缺少ID")
	}
	if len(sig.Votes) != len(testParams().Enabled) {
		t.Fatalf("投票数 = %d, 期望 %d（外部投票失败应被忽略）", len(sig.Votes), len(testParams().Enabled))
	}
	for _, v := range sig.Votes {
		if v.Strategy == "ai" {
			t.Fatal("失败的外部投票不应出现在结果中")
		}
	}
}

type panicGenerator struct{}

func (panicGenerator) Name() string { return "panic" }
func (panicGenerator) Evaluate(in Input) models.StrategyVote {
	panic("boom")
}

func TestEvaluateSurvivesGeneratorPanic(t *testing.T) {
	registry := map[string]Generator{"panic": panicGenerator{}}
	engine := NewEngine(registry, nil, zerolog.Nop())
	params := testParams()
	params.Enabled = []string{"panic"}

	candles := genCandles(60, func(i int) models.Candle {
		return models.Candle{Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000}
	})
	sig := engine.Evaluate(context.Background(), Input{
		Symbol: "BTCUSDT", Candles: candles, Params: params,
	}, models.CombineMajority)

	if sig.Direction != models.Neutral {
		t.Fatalf("panic 策略应记为中性票, 得 %s", sig.Direction)
	}
	if len(sig.Votes) != 1 || sig.Votes[0].Direction != models.Neutral {
		t.Fatalf("期望单张中性票, 得 %+v", sig.Votes)
	}
}
