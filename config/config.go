package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"papertrade-go/models"
)

// AppConfig 进程级配置，来自环境变量
type AppConfig struct {
	HTTPAddr     string
	DBPath       string
	SettingsPath string
	AIBaseURL    string
	AIAPIKey     string
	EnableWS     bool
	LogLevel     string
}

// LoadApp 加载 .env 与系统环境变量
func LoadApp() *AppConfig {
	_ = godotenv.Load()
	return &AppConfig{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		DBPath:       getEnv("SIM_DB_PATH", "data/papertrade.db"),
		SettingsPath: getEnv("SIM_SETTINGS_PATH", ""),
		AIBaseURL:    getEnv("AI_BASE_URL", ""),
		AIAPIKey:     getEnv("AI_API_KEY", ""),
		EnableWS:     getEnvBool("ENABLE_WS_MARKET", false),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
}

// StrategyParams 策略参数
type StrategyParams struct {
	Enabled              []string               `yaml:"enabled" json:"enabled"`
	Combination          models.CombinationMode `yaml:"combination" json:"combination"`
	RSIPeriod            int                    `yaml:"rsi_period" json:"rsi_period"`
	RSIOversold          float64                `yaml:"rsi_oversold" json:"rsi_oversold"`
	RSIOverbought        float64                `yaml:"rsi_overbought" json:"rsi_overbought"`
	MACDFast             int                    `yaml:"macd_fast" json:"macd_fast"`
	MACDSlow             int                    `yaml:"macd_slow" json:"macd_slow"`
	MACDSignal           int                    `yaml:"macd_signal" json:"macd_signal"`
	BBWindow             int                    `yaml:"bb_window" json:"bb_window"`
	BBStdDev             float64                `yaml:"bb_std_dev" json:"bb_std_dev"`
	StochKPeriod         int                    `yaml:"stoch_k_period" json:"stoch_k_period"`
	StochDPeriod         int                    `yaml:"stoch_d_period" json:"stoch_d_period"`
	StochOversold        float64                `yaml:"stoch_oversold" json:"stoch_oversold"`
	StochOverbought      float64                `yaml:"stoch_overbought" json:"stoch_overbought"`
	VolumeWindow         int                    `yaml:"volume_window" json:"volume_window"`
	VolumeSpikeRatio     float64                `yaml:"volume_spike_ratio" json:"volume_spike_ratio"`
	StrongThreshold      float64                `yaml:"strong_threshold" json:"strong_threshold"`
	SignalExitConfidence float64                `yaml:"signal_exit_confidence" json:"signal_exit_confidence"`
}

// RiskSettings 风控阈值，tick 内只读
type RiskSettings struct {
	MaxRiskPerTradePct   float64 `yaml:"max_risk_per_trade_pct" json:"max_risk_per_trade_pct"`
	MaxPortfolioRiskPct  float64 `yaml:"max_portfolio_risk_pct" json:"max_portfolio_risk_pct"`
	DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct" json:"daily_loss_limit_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`
	CooldownMinutes      int     `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	CorrelationLimit     float64 `yaml:"correlation_limit" json:"correlation_limit"`
	StopLossPct          float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct        float64 `yaml:"take_profit_pct" json:"take_profit_pct"`
	TrailingStopPct      float64 `yaml:"trailing_stop_pct" json:"trailing_stop_pct"`
}

// ExecutionSettings 模拟撮合参数，各环节可单独开关
type ExecutionSettings struct {
	DelayEnabled       bool               `yaml:"delay_enabled" json:"delay_enabled"`
	DelayMs            int                `yaml:"delay_ms" json:"delay_ms"`
	SlippageEnabled    bool               `yaml:"slippage_enabled" json:"slippage_enabled"`
	MaxSlippagePct     float64            `yaml:"max_slippage_pct" json:"max_slippage_pct"`
	ImpactEnabled      bool               `yaml:"impact_enabled" json:"impact_enabled"`
	ImpactCapPct       float64            `yaml:"impact_cap_pct" json:"impact_cap_pct"`
	TypicalVolume      map[string]float64 `yaml:"typical_volume" json:"typical_volume"`
	PartialFillEnabled bool               `yaml:"partial_fill_enabled" json:"partial_fill_enabled"`
	PartialFillProb    float64            `yaml:"partial_fill_prob" json:"partial_fill_prob"`
}

// FeedSettings 行情与资金费率参数
type FeedSettings struct {
	StaleAfterSec      int     `yaml:"stale_after_sec" json:"stale_after_sec"`
	FundingIntervalMin int     `yaml:"funding_interval_min" json:"funding_interval_min"`
	DefaultFundingRate float64 `yaml:"default_funding_rate" json:"default_funding_rate"`
}

// AISettings 外部AI信号服务
type AISettings struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	TimeoutSec int    `yaml:"timeout_sec" json:"timeout_sec"`
	Model      string `yaml:"model" json:"model"`
}

// SimSettings 一次 tick 使用的完整配置快照。
// 不可变：更新时整体替换并递增 Version，tick 之间原子切换。
type SimSettings struct {
	Version int `yaml:"-" json:"version"`

	Symbols           []string `yaml:"symbols" json:"symbols"`
	Timeframe         string   `yaml:"timeframe" json:"timeframe"`
	Lookback          int      `yaml:"lookback" json:"lookback"`
	TickIntervalSec   int      `yaml:"tick_interval_sec" json:"tick_interval_sec"`
	InitialBalance    float64  `yaml:"initial_balance" json:"initial_balance"`
	Leverage          int      `yaml:"leverage" json:"leverage"`
	MarginPerTradePct float64  `yaml:"margin_per_trade_pct" json:"margin_per_trade_pct"`
	FeeRate           float64  `yaml:"fee_rate" json:"fee_rate"`

	Strategies StrategyParams    `yaml:"strategies" json:"strategies"`
	Risk       RiskSettings      `yaml:"risk" json:"risk"`
	Execution  ExecutionSettings `yaml:"execution" json:"execution"`
	Feed       FeedSettings      `yaml:"feed" json:"feed"`
	AI         AISettings        `yaml:"ai" json:"ai"`
}

// Default 默认配置
func Default() *SimSettings {
	return &SimSettings{
		Version:           1,
		Symbols:           []string{"BTCUSDT"},
		Timeframe:         "15m",
		Lookback:          96,
		TickIntervalSec:   15,
		InitialBalance:    10000,
		Leverage:          10,
		MarginPerTradePct: 0.10,
		FeeRate:           0.0005,
		Strategies: StrategyParams{
			Enabled:              []string{"rsi", "macd", "bollinger", "stochastic", "volume"},
			Combination:          models.CombineMajority,
			RSIPeriod:            14,
			RSIOversold:          30,
			RSIOverbought:        70,
			MACDFast:             12,
			MACDSlow:             26,
			MACDSignal:           9,
			BBWindow:             20,
			BBStdDev:             2.0,
			StochKPeriod:         14,
			StochDPeriod:         3,
			StochOversold:        20,
			StochOverbought:      80,
			VolumeWindow:         20,
			VolumeSpikeRatio:     2.0,
			StrongThreshold:      0.7,
			SignalExitConfidence: 0.65,
		},
		Risk: RiskSettings{
			MaxRiskPerTradePct:   1.0,
			MaxPortfolioRiskPct:  20.0,
			DailyLossLimitPct:    5.0,
			MaxConsecutiveLosses: 3,
			CooldownMinutes:      60,
			CorrelationLimit:     0.7,
			StopLossPct:          2.0,
			TakeProfitPct:        4.0,
			TrailingStopPct:      1.5,
		},
		Execution: ExecutionSettings{
			DelayEnabled:       true,
			DelayMs:            200,
			SlippageEnabled:    true,
			MaxSlippagePct:     0.05,
			ImpactEnabled:      true,
			ImpactCapPct:       0.10,
			TypicalVolume:      map[string]float64{"BTCUSDT": 5_000_000},
			PartialFillEnabled: true,
			PartialFillProb:    0.10,
		},
		Feed: FeedSettings{
			StaleAfterSec:      30,
			FundingIntervalMin: 480,
			DefaultFundingRate: 0.0001,
		},
		AI: AISettings{
			Enabled:    false,
			TimeoutSec: 10,
			Model:      "chat-model",
		},
	}
}

// LoadSettings 从 yaml 文件加载，缺省字段落回默认值
func LoadSettings(path string) (*SimSettings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Clone 深拷贝，更新配置时在副本上修改
func (s *SimSettings) Clone() *SimSettings {
	cp := *s
	cp.Symbols = append([]string(nil), s.Symbols...)
	cp.Strategies.Enabled = append([]string(nil), s.Strategies.Enabled...)
	cp.Execution.TypicalVolume = make(map[string]float64, len(s.Execution.TypicalVolume))
	for k, v := range s.Execution.TypicalVolume {
		cp.Execution.TypicalVolume[k] = v
	}
	return &cp
}

// TickInterval tick 周期
func (s *SimSettings) TickInterval() int {
	if s.TickIntervalSec <= 0 {
		return 15
	}
	return s.TickIntervalSec
}

// Validate 校验所有字段，返回的错误指明具体字段；校验失败时旧配置保持生效
func (s *SimSettings) Validate() error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf("symbols 不能为空")
	}
	if strings.TrimSpace(s.Timeframe) == "" {
		return fmt.Errorf("timeframe 不能为空")
	}
	if s.Lookback < 30 || s.Lookback > 1000 {
		return fmt.Errorf("lookback 需在 30-1000 之间")
	}
	if s.TickIntervalSec <= 0 {
		return fmt.Errorf("tick_interval_sec 必须大于 0")
	}
	if s.InitialBalance <= 0 {
		return fmt.Errorf("initial_balance 必须大于 0")
	}
	if s.Leverage <= 0 || s.Leverage > 150 {
		return fmt.Errorf("leverage 需在 1-150 之间")
	}
	if s.MarginPerTradePct <= 0 || s.MarginPerTradePct > 1 {
		return fmt.Errorf("margin_per_trade_pct 需在 (0,1] 之间")
	}
	if s.FeeRate < 0 || s.FeeRate > 0.01 {
		return fmt.Errorf("fee_rate 需在 [0,0.01] 之间")
	}

	p := s.Strategies
	switch p.Combination {
	case models.CombineUnanimous, models.CombineMajority, models.CombineWeightedAverage, models.CombineAnyAgree:
	default:
		return fmt.Errorf("combination 仅支持 unanimous/majority/weighted_average/any_agree")
	}
	if p.RSIPeriod < 5 || p.RSIPeriod > 50 {
		return fmt.Errorf("rsi_period 需在 5-50 之间")
	}
	if p.RSIOversold <= 0 || p.RSIOverbought >= 100 || p.RSIOversold >= p.RSIOverbought {
		return fmt.Errorf("rsi_oversold/rsi_overbought 需满足 0 < oversold < overbought < 100")
	}
	if p.MACDFast <= 0 || p.MACDSlow <= 0 || p.MACDFast >= p.MACDSlow {
		return fmt.Errorf("macd_fast 必须小于 macd_slow")
	}
	if p.MACDSignal <= 0 {
		return fmt.Errorf("macd_signal 必须大于 0")
	}
	if p.BBWindow < 5 || p.BBWindow > 100 {
		return fmt.Errorf("bb_window 需在 5-100 之间")
	}
	if p.BBStdDev <= 0 || p.BBStdDev > 4 {
		return fmt.Errorf("bb_std_dev 需在 (0,4] 之间")
	}
	if p.StochKPeriod <= 0 || p.StochDPeriod <= 0 {
		return fmt.Errorf("stoch_k_period/stoch_d_period 必须大于 0")
	}
	if p.StochOversold <= 0 || p.StochOverbought >= 100 || p.StochOversold >= p.StochOverbought {
		return fmt.Errorf("stoch_oversold/stoch_overbought 需满足 0 < oversold < overbought < 100")
	}
	if p.VolumeWindow <= 0 {
		return fmt.Errorf("volume_window 必须大于 0")
	}
	if p.VolumeSpikeRatio <= 1 {
		return fmt.Errorf("volume_spike_ratio 必须大于 1")
	}
	if p.StrongThreshold < 0 || p.StrongThreshold > 1 {
		return fmt.Errorf("strong_threshold 需在 0.0-1.0 之间")
	}
	if p.SignalExitConfidence < 0 || p.SignalExitConfidence > 1 {
		return fmt.Errorf("signal_exit_confidence 需在 0.0-1.0 之间")
	}

	r := s.Risk
	if r.MaxRiskPerTradePct <= 0 || r.MaxRiskPerTradePct > 100 {
		return fmt.Errorf("max_risk_per_trade_pct 需在 (0,100] 之间")
	}
	if r.MaxPortfolioRiskPct <= 0 || r.MaxPortfolioRiskPct > 100 {
		return fmt.Errorf("max_portfolio_risk_pct 需在 (0,100] 之间")
	}
	if r.DailyLossLimitPct <= 0 || r.DailyLossLimitPct > 100 {
		return fmt.Errorf("daily_loss_limit_pct 需在 (0,100] 之间")
	}
	if r.MaxConsecutiveLosses < 0 {
		return fmt.Errorf("max_consecutive_losses 不能小于 0")
	}
	if r.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes 不能小于 0")
	}
	if r.CorrelationLimit <= 0 || r.CorrelationLimit > 1 {
		return fmt.Errorf("correlation_limit 需在 (0,1] 之间")
	}
	if r.StopLossPct <= 0 || r.TakeProfitPct <= 0 {
		return fmt.Errorf("stop_loss_pct/take_profit_pct 必须大于 0")
	}
	if r.TrailingStopPct < 0 {
		return fmt.Errorf("trailing_stop_pct 不能小于 0")
	}

	e := s.Execution
	if e.DelayMs < 0 || e.DelayMs > 10000 {
		return fmt.Errorf("delay_ms 需在 0-10000 之间")
	}
	if e.MaxSlippagePct < 0 || e.MaxSlippagePct > 5 {
		return fmt.Errorf("max_slippage_pct 需在 [0,5] 之间")
	}
	if e.ImpactCapPct < 0 || e.ImpactCapPct > 5 {
		return fmt.Errorf("impact_cap_pct 需在 [0,5] 之间")
	}
	for sym, v := range e.TypicalVolume {
		if v <= 0 {
			return fmt.Errorf("typical_volume[%s] 必须大于 0", sym)
		}
	}
	if e.PartialFillProb < 0 || e.PartialFillProb > 1 {
		return fmt.Errorf("partial_fill_prob 需在 0.0-1.0 之间")
	}

	f := s.Feed
	if f.StaleAfterSec <= 0 {
		return fmt.Errorf("stale_after_sec 必须大于 0")
	}
	if f.FundingIntervalMin <= 0 {
		return fmt.Errorf("funding_interval_min 必须大于 0")
	}

	if s.AI.TimeoutSec <= 0 {
		return fmt.Errorf("ai.timeout_sec 必须大于 0")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
