package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"papertrade-go/models"
)

// ExtraVoter 额外投票来源（外部AI信号服务）。
// 失败只会降级为纯内部共识，不会中断本次评估。
type ExtraVoter interface {
	Vote(ctx context.Context, in Input) (models.StrategyVote, error)
}

// Engine 并行运行所有启用的策略并按合成模式汇总成单一信号
type Engine struct {
	registry map[string]Generator
	extra    ExtraVoter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine 创建策略引擎，extra 可为 nil
func NewEngine(registry map[string]Generator, extra ExtraVoter, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		extra:    extra,
		logger:   logger.With().Str("component", "strategy_engine").Logger(),
		now:      time.Now,
	}
}

// Evaluate 对一个交易对执行一次完整评估，总是返回一个信号（可能为中性）
func (e *Engine) Evaluate(ctx context.Context, in Input, mode models.CombinationMode) models.Signal {
	enabled := make([]Generator, 0, len(in.Params.Enabled))
	for _, name := range in.Params.Enabled {
		if g, ok := e.registry[name]; ok {
			enabled = append(enabled, g)
		} else {
			e.logger.Warn().Str("strategy", name).Msg("未注册的策略，已跳过")
		}
	}

	votes := make([]models.StrategyVote, len(enabled))
	var wg sync.WaitGroup
	for i, g := range enabled {
		wg.Add(1)
		go func(slot int, gen Generator) {
			defer wg.Done()
			votes[slot] = e.safeEvaluate(gen, in)
		}(i, g)
	}
	wg.Wait()

	if e.extra != nil && in.UseExtra {
		if v, err := e.extra.Vote(ctx, in); err == nil {
			votes = append(votes, v)
		} else {
			e.logger.Warn().Err(err).Msg("AI信号服务不可用，使用内部共识")
		}
	}

	direction, confidence := Combine(votes, mode, in.Params.StrongThreshold)
	sig := models.Signal{
		ID:          uuid.NewString(),
		Symbol:      in.Symbol,
		Timeframe:   in.Timeframe,
		Direction:   direction,
		Confidence:  confidence,
		Rationale:   buildRationale(votes, direction),
		Votes:       votes,
		Regime:      in.Regime,
		GeneratedAt: e.now(),
	}
	return sig
}

// safeEvaluate 单个策略失败不允许拖垮整个评估周期
func (e *Engine) safeEvaluate(g Generator, in Input) (vote models.StrategyVote) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("strategy", g.Name()).Interface("panic", r).Msg("策略执行panic，记为中性票")
			vote = neutralVote(g.Name(), fmt.Sprintf("策略异常: %v", r))
		}
	}()
	return g.Evaluate(in)
}

// Combine 按合成模式汇总投票。方向平票一律判为中性。
func Combine(votes []models.StrategyVote, mode models.CombinationMode, strongThreshold float64) (models.Direction, float64) {
	var longVotes, shortVotes []models.StrategyVote
	for _, v := range votes {
		switch v.Direction {
		case models.Long:
			longVotes = append(longVotes, v)
		case models.Short:
			shortVotes = append(shortVotes, v)
		}
	}
	nLong, nShort := len(longVotes), len(shortVotes)
	active := nLong + nShort
	if active == 0 {
		return models.Neutral, 0
	}

	switch mode {
	case models.CombineUnanimous:
		if nShort == 0 {
			return models.Long, avgConfidence(longVotes)
		}
		if nLong == 0 {
			return models.Short, avgConfidence(shortVotes)
		}
		return models.Neutral, 0

	case models.CombineMajority:
		if nLong*2 > active {
			return models.Long, avgConfidence(longVotes)
		}
		if nShort*2 > active {
			return models.Short, avgConfidence(shortVotes)
		}
		return models.Neutral, 0

	case models.CombineWeightedAverage:
		score := 0.0
		total := 0.0
		for _, v := range votes {
			score += v.Direction.Sign() * v.Confidence
			if v.Direction != models.Neutral {
				total += v.Confidence
			}
		}
		if total == 0 || score == 0 {
			return models.Neutral, 0
		}
		if score > 0 {
			return models.Long, clamp01(score / total)
		}
		return models.Short, clamp01(-score / total)

	case models.CombineAnyAgree:
		bestLong := maxConfidence(longVotes)
		bestShort := maxConfidence(shortVotes)
		// 阈值为 0 时没有票的一侧不算"达标"
		strongLong := nLong > 0 && bestLong >= strongThreshold
		strongShort := nShort > 0 && bestShort >= strongThreshold
		switch {
		case strongLong && strongShort:
			return models.Neutral, 0
		case strongLong:
			return models.Long, bestLong
		case strongShort:
			return models.Short, bestShort
		}
		return models.Neutral, 0
	}
	return models.Neutral, 0
}

func avgConfidence(votes []models.StrategyVote) float64 {
	if len(votes) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range votes {
		sum += v.Confidence
	}
	return clamp01(sum / float64(len(votes)))
}

func maxConfidence(votes []models.StrategyVote) float64 {
	best := 0.0
	for _, v := range votes {
		if v.Confidence > best {
			best = v.Confidence
		}
	}
	return best
}

// buildRationale 拼接与最终方向一致的投票理由
func buildRationale(votes []models.StrategyVote, direction models.Direction) string {
	if direction == models.Neutral {
		return "无共识方向"
	}
	var parts []string
	for _, v := range votes {
		if v.Direction == direction && v.Reason != "" {
			parts = append(parts, v.Reason)
		}
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return string(direction)
	}
	return strings.Join(parts, "; ")
}
