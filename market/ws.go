package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"papertrade-go/models"
)

// Stream 订阅单个交易对的 ticker/K线/标记价格流并写入 Feed。
// 连接断开后指数退避重连，期间 Feed 标记为断开。
type Stream struct {
	symbol    string // 交易所原始符号（小写无分隔）
	canonical string // Feed 内使用的符号
	timeframe string
	url       string

	feed   *Feed
	logger zerolog.Logger
}

// NewStream 创建行情流
func NewStream(symbol, timeframe string, feed *Feed, logger zerolog.Logger) *Stream {
	if timeframe == "" {
		timeframe = "15m"
	}
	sym := normalizeSymbol(symbol)
	return &Stream{
		symbol:    sym,
		canonical: symbol,
		timeframe: timeframe,
		url: fmt.Sprintf(
			"wss://fstream.binance.com/stream?streams=%s@ticker/%s@kline_%s/%s@markPrice",
			sym, sym, timeframe, sym,
		),
		feed:   feed,
		logger: logger.With().Str("component", "stream").Str("symbol", symbol).Logger(),
	}
}

func normalizeSymbol(symbol string) string {
	s := strings.ToLower(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "swap", "")
	return s
}

// Run 维持连接直到 ctx 取消
func (s *Stream) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	op := func() error {
		// 连接成功后重置退避窗口，长连后的下一次断开从头计时
		if err := s.connectAndRead(ctx, policy.Reset); err != nil {
			s.feed.SetConnected(false)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.logger.Warn().Err(err).Msg("行情流断开，准备重连")
			return err
		}
		return backoff.Permanent(nil)
	}
	_ = backoff.Retry(op, backoff.WithContext(policy, ctx))
}

func (s *Stream) connectAndRead(ctx context.Context, onConnected func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// 关闭协程挂在本次连接的子 context 上，连接结束即退出
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	if onConnected != nil {
		onConnected()
	}

	s.feed.SetConnected(true)
	s.logger.Info().Msg("行情流已连接")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handle(msg)
	}
}

func (s *Stream) handle(msg []byte) {
	var payload struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &payload); err != nil {
		return
	}

	switch {
	case strings.Contains(payload.Stream, "@ticker"):
		var t struct {
			LastPrice string `json:"c"`
		}
		if json.Unmarshal(payload.Data, &t) == nil {
			if p, ok := parsePrice(t.LastPrice); ok {
				s.feed.SetPrice(s.canonical, p)
			}
		}
	case strings.Contains(payload.Stream, "@markPrice"):
		var m struct {
			FundingRate string `json:"r"`
		}
		if json.Unmarshal(payload.Data, &m) == nil {
			if r, err := decimal.NewFromString(m.FundingRate); err == nil {
				s.feed.SetFundingRate(s.canonical, r.InexactFloat64())
			}
		}
	case strings.Contains(payload.Stream, "@kline_"):
		var k struct {
			K struct {
				OpenTime int64  `json:"t"`
				Open     string `json:"o"`
				High     string `json:"h"`
				Low      string `json:"l"`
				Close    string `json:"c"`
				Volume   string `json:"v"`
				Closed   bool   `json:"x"`
			} `json:"k"`
		}
		if json.Unmarshal(payload.Data, &k) != nil {
			return
		}
		// 只收录已收盘的K线，未收盘的只用于更新最新价
		if c, ok := parsePrice(k.K.Close); ok {
			s.feed.SetPrice(s.canonical, c)
		}
		if !k.K.Closed {
			return
		}
		candle, ok := parseCandle(k.K.OpenTime, k.K.Open, k.K.High, k.K.Low, k.K.Close, k.K.Volume)
		if !ok {
			return
		}
		s.feed.PushCandle(s.canonical, s.timeframe, candle)
	}
}

func parsePrice(s string) (float64, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	v := d.InexactFloat64()
	return v, v > 0
}

func parseCandle(openTime int64, open, high, low, closeP, volume string) (models.Candle, bool) {
	fields := [5]string{open, high, low, closeP, volume}
	var vals [5]float64
	for i, f := range fields {
		d, err := decimal.NewFromString(f)
		if err != nil {
			return models.Candle{}, false
		}
		vals[i] = d.InexactFloat64()
	}
	return models.Candle{
		Timestamp: time.UnixMilli(openTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, true
}
