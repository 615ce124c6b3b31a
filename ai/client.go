package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"papertrade-go/indicators"
	"papertrade-go/models"
	"papertrade-go/strategy"
)

// Client 外部信号服务客户端，作为附加投票者参与策略合成。
// 失败时降级：返回错误，引擎忽略这一票，本地策略不受影响。
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	model   string
	logger  zerolog.Logger
}

// NewClient 创建客户端。限速 1 req/s 突发 2，避免打爆上游配额。
func NewClient(baseURL, apiKey, model string, timeout time.Duration, logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		httpClient.SetAuthToken(apiKey)
	}
	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(1), 2),
		model:   model,
		logger:  logger.With().Str("component", "ai").Logger(),
	}
}

type voteRequest struct {
	Model      string              `json:"model,omitempty"`
	Symbol     string              `json:"symbol"`
	Timeframe  string              `json:"timeframe"`
	Regime     models.RegimeLabel  `json:"regime"`
	Candles    []models.Candle     `json:"candles"`
	Indicators indicators.Snapshot `json:"indicators"`
}

type voteResponse struct {
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Vote 请求外部服务给出一票。上下文取消或任何响应异常都返回错误。
func (c *Client) Vote(ctx context.Context, in strategy.Input) (models.StrategyVote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.StrategyVote{}, err
	}

	// 发送最近一段窗口而不是全部历史，控制请求体大小
	window := in.Candles
	if len(window) > 60 {
		window = window[len(window)-60:]
	}
	snap := indicators.Compute(in.Candles, indicators.Params{
		RSIPeriod:    in.Params.RSIPeriod,
		MACDFast:     in.Params.MACDFast,
		MACDSlow:     in.Params.MACDSlow,
		MACDSignal:   in.Params.MACDSignal,
		BBWindow:     in.Params.BBWindow,
		BBStdDev:     in.Params.BBStdDev,
		StochKPeriod: in.Params.StochKPeriod,
		StochDPeriod: in.Params.StochDPeriod,
		VolumeWindow: in.Params.VolumeWindow,
	})

	var out voteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(voteRequest{
			Model:      c.model,
			Symbol:     in.Symbol,
			Timeframe:  in.Timeframe,
			Regime:     in.Regime,
			Candles:    window,
			Indicators: snap,
		}).
		SetResult(&out).
		Post("/v1/signal")
	if err != nil {
		return models.StrategyVote{}, fmt.Errorf("信号服务请求失败: %w", err)
	}
	if resp.IsError() {
		return models.StrategyVote{}, fmt.Errorf("信号服务返回 %d: %s", resp.StatusCode(), resp.String())
	}

	dir, err := parseDirection(out.Direction)
	if err != nil {
		return models.StrategyVote{}, err
	}
	conf := out.Confidence
	if conf < 0 || conf > 1 {
		return models.StrategyVote{}, fmt.Errorf("信号服务置信度越界: %f", conf)
	}

	c.logger.Debug().
		Str("symbol", in.Symbol).
		Str("direction", string(dir)).
		Float64("confidence", conf).
		Msg("外部信号已接收")
	return models.StrategyVote{
		Strategy:   "ai",
		Direction:  dir,
		Confidence: conf,
		Reason:     out.Reason,
	}, nil
}

func parseDirection(s string) (models.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return models.Long, nil
	case "SHORT", "SELL":
		return models.Short, nil
	case "NEUTRAL", "HOLD", "WAIT":
		return models.Neutral, nil
	}
	return models.Neutral, fmt.Errorf("无法识别的信号方向: %q", s)
}
