package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind 事件类型
type Kind string

const (
	SignalGenerated   Kind = "signal_generated"
	AdmissionDecision Kind = "admission_decision"
	OrderFilled       Kind = "order_filled"
	OrderRejected     Kind = "order_rejected"
	TradeClosed       Kind = "trade_closed"
	FundingAccrued    Kind = "funding_accrued"
	FeedStale         Kind = "feed_stale"
	SettingsUpdated   Kind = "settings_updated"
)

// Event 总线事件。Payload 为各模块自己的只读快照类型。
type Event struct {
	Kind    Kind      `json:"kind"`
	Symbol  string    `json:"symbol,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Bus 进程内事件总线。发布永不阻塞：订阅者缓冲满时丢弃事件，
// 慢消费者不能拖慢交易循环。
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	logger zerolog.Logger
	now    func() time.Time
}

// NewBus 创建事件总线
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
		now:    time.Now,
	}
}

// Subscribe 订阅全部事件，返回只读通道。buf<=0 时用默认缓冲。
func (b *Bus) Subscribe(buf int) <-chan Event {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish 发布事件并镜像到日志
func (b *Bus) Publish(kind Kind, symbol string, payload any) {
	ev := Event{Kind: kind, Symbol: symbol, At: b.now(), Payload: payload}

	b.logger.Info().
		Str("event", string(kind)).
		Str("symbol", symbol).
		Interface("payload", payload).
		Msg("事件")

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// 订阅者跟不上就丢弃，总线不做背压
		}
	}
}
