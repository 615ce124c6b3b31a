package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// AsyncWriter 把落库操作从交易循环移出。写入在单独的
// goroutine 上带退避重试执行，队列满时丢弃并记日志——持久化
// 不允许拖慢或阻塞 tick。
type AsyncWriter struct {
	queue  chan func(*Store) error
	store  *Store
	logger zerolog.Logger
	done   chan struct{}
}

// NewAsyncWriter 创建异步写入器并启动消费 goroutine
func NewAsyncWriter(ctx context.Context, store *Store, logger zerolog.Logger) *AsyncWriter {
	w := &AsyncWriter{
		queue:  make(chan func(*Store) error, 256),
		store:  store,
		logger: logger.With().Str("component", "storage").Logger(),
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

func (w *AsyncWriter) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			// 清空队列后退出，尽量不丢已入队的写入
			for {
				select {
				case op := <-w.queue:
					w.execute(context.Background(), op)
				default:
					return
				}
			}
		case op := <-w.queue:
			w.execute(ctx, op)
		}
	}
}

func (w *AsyncWriter) execute(ctx context.Context, op func(*Store) error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		return op(w.store)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		w.logger.Error().Err(err).Msg("落库失败，已放弃重试")
	}
}

// Enqueue 提交一个写入操作，永不阻塞
func (w *AsyncWriter) Enqueue(op func(*Store) error) {
	select {
	case w.queue <- op:
	default:
		w.logger.Warn().Msg("写入队列已满，丢弃一次落库")
	}
}

// Wait 等待消费 goroutine 退出（进程关闭时调用）
func (w *AsyncWriter) Wait(timeout time.Duration) {
	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.Warn().Msg("等待落库队列超时")
	}
}
