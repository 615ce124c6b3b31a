package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"papertrade-go/ai"
	"papertrade-go/config"
	"papertrade-go/events"
	"papertrade-go/market"
	"papertrade-go/portfolio"
	"papertrade-go/server"
	"papertrade-go/storage"
	"papertrade-go/strategy"
	"papertrade-go/trader"
)

const (
	ModeCLI = "cli"
	ModeWeb = "web"
)

// Runner 组装并运行整个模拟器
type Runner struct {
	app      *config.AppConfig
	settings *config.SimSettings
	bot      *trader.Bot
	svc      *server.Service
	store    *storage.Store
	writer   *storage.AsyncWriter
	feed     *market.Feed
	bus      *events.Bus
	logger   zerolog.Logger
	cancel   context.CancelFunc
}

// NewRunner 读取配置并创建运行器
func NewRunner() (*Runner, error) {
	appCfg := config.LoadApp()
	logger := newLogger(appCfg.LogLevel)

	settings, err := config.LoadSettings(appCfg.SettingsPath)
	if err != nil {
		return nil, err
	}
	return &Runner{app: appCfg, settings: settings, logger: logger}, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// Setup 初始化存储、行情、账本与机器人
func (r *Runner) Setup() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	store, err := storage.Open(r.app.DBPath)
	if err != nil {
		r.logger.Warn().Err(err).Msg("SQLite初始化失败，继续无持久化模式")
	} else {
		r.store = store
		r.writer = storage.NewAsyncWriter(ctx, store, r.logger)
	}

	staleAfter := time.Duration(r.settings.Feed.StaleAfterSec) * time.Second
	r.feed = market.NewFeed(r.settings.Lookback*4, staleAfter)
	r.bus = events.NewBus(r.logger)

	ledger := portfolio.NewLedger(r.settings.InitialBalance, r.logger)
	if r.store != nil {
		if state, ok, err := r.store.LoadPortfolioState(); err != nil {
			r.logger.Warn().Err(err).Msg("账本存档读取失败，按新账户启动")
		} else if ok {
			ledger.Restore(state)
			r.logger.Info().
				Float64("balance", state.Balance).
				Int("open_trades", len(state.OpenTrades)).
				Msg("已从存档恢复账本")
		}
	}

	var extra strategy.ExtraVoter
	if r.app.AIBaseURL != "" {
		timeout := time.Duration(r.settings.AI.TimeoutSec) * time.Second
		extra = ai.NewClient(r.app.AIBaseURL, r.app.AIAPIKey, r.settings.AI.Model, timeout, r.logger)
	}

	r.bot = trader.NewBot(r.settings, r.feed, ledger, extra, r.bus, r.writer, r.logger)
	r.svc = server.NewService(r.bot, r.store, r.logger)

	if r.app.EnableWS {
		for _, symbol := range r.settings.Symbols {
			stream := market.NewStream(symbol, r.settings.Timeframe, r.feed, r.logger)
			go stream.Run(ctx)
		}
		r.logger.Info().
			Strs("symbols", r.settings.Symbols).
			Str("timeframe", r.settings.Timeframe).
			Msg("行情WebSocket已启动")
	} else {
		r.logger.Info().Msg("行情WebSocket未启用，等待外部数据注入")
	}
	return nil
}

// Run 按模式运行直到收到退出信号
func (r *Runner) Run(mode string) error {
	defer r.shutdown()
	switch normalizeMode(mode) {
	case ModeWeb:
		return r.runWeb()
	case ModeCLI:
		return r.runCLI()
	default:
		return fmt.Errorf("unsupported mode: %s (supported: %s,%s)", mode, ModeCLI, ModeWeb)
	}
}

func (r *Runner) runCLI() error {
	r.logger.Info().
		Strs("symbols", r.settings.Symbols).
		Str("timeframe", r.settings.Timeframe).
		Int("leverage", r.settings.Leverage).
		Float64("initial_balance", r.settings.InitialBalance).
		Msg("模拟交易机器人启动（纸面交易，不会真实下单）")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		interval := time.Duration(r.bot.Settings().TickInterval()) * time.Second
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("收到退出信号")
			return nil
		case <-time.After(interval):
			r.bot.Tick(ctx)
		}
	}
}

func (r *Runner) runWeb() error {
	r.svc.StartScheduler()

	errCh := make(chan error, 1)
	go func() { errCh <- r.svc.Serve(r.app.HTTPAddr) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		r.logger.Info().Msg("收到退出信号")
		r.svc.StopScheduler()
		return nil
	}
}

func (r *Runner) shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.writer != nil {
		r.writer.Wait(5 * time.Second)
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

func normalizeMode(mode string) string {
	v := strings.TrimSpace(strings.ToLower(mode))
	if v == "" {
		return ModeWeb
	}
	return v
}
