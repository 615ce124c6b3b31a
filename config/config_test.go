package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"papertrade-go/models"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}
}

func TestValidateNamesOffendingField(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *SimSettings)
		keyword string
	}{
		{
			name:    "交易对为空",
			mutate:  func(s *SimSettings) { s.Symbols = nil },
			keyword: "symbols",
		},
		{
			name:    "时间周期为空",
			mutate:  func(s *SimSettings) { s.Timeframe = "  " },
			keyword: "timeframe",
		},
		{
			name:    "回看窗口过小",
			mutate:  func(s *SimSettings) { s.Lookback = 10 },
			keyword: "lookback",
		},
		{
			name:    "杠杆超上限",
			mutate:  func(s *SimSettings) { s.Leverage = 200 },
			keyword: "leverage",
		},
		{
			name:    "初始资金非正",
			mutate:  func(s *SimSettings) { s.InitialBalance = 0 },
			keyword: "initial_balance",
		},
		{
			name:    "未知组合模式",
			mutate:  func(s *SimSettings) { s.Strategies.Combination = "vote_twice" },
			keyword: "combination",
		},
		{
			name:    "macd快线不小于慢线",
			mutate:  func(s *SimSettings) { s.Strategies.MACDFast = 26; s.Strategies.MACDSlow = 12 },
			keyword: "macd_fast",
		},
		{
			name:    "rsi阈值倒置",
			mutate:  func(s *SimSettings) { s.Strategies.RSIOversold = 70; s.Strategies.RSIOverbought = 30 },
			keyword: "rsi_oversold",
		},
		{
			name:    "日亏损上限越界",
			mutate:  func(s *SimSettings) { s.Risk.DailyLossLimitPct = 120 },
			keyword: "daily_loss_limit_pct",
		},
		{
			name:    "相关性上限越界",
			mutate:  func(s *SimSettings) { s.Risk.CorrelationLimit = 1.5 },
			keyword: "correlation_limit",
		},
		{
			name:    "滑点上限越界",
			mutate:  func(s *SimSettings) { s.Execution.MaxSlippagePct = 10 },
			keyword: "max_slippage_pct",
		},
		{
			name:    "典型成交量非正",
			mutate:  func(s *SimSettings) { s.Execution.TypicalVolume["BTCUSDT"] = 0 },
			keyword: "typical_volume",
		},
		{
			name:    "部分成交概率越界",
			mutate:  func(s *SimSettings) { s.Execution.PartialFillProb = 1.2 },
			keyword: "partial_fill_prob",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			err := s.Validate()
			if err == nil {
				t.Fatal("期望校验失败")
			}
			if !strings.Contains(err.Error(), tt.keyword) {
				t.Fatalf("错误信息 %q 未指明字段 %q", err.Error(), tt.keyword)
			}
		})
	}
}

func TestCloneIsolation(t *testing.T) {
	orig := Default()
	cp := orig.Clone()

	cp.Symbols[0] = "ETHUSDT"
	cp.Strategies.Enabled[0] = "none"
	cp.Execution.TypicalVolume["BTCUSDT"] = 1
	cp.Leverage = 50

	if orig.Symbols[0] != "BTCUSDT" {
		t.Fatal("修改副本的 Symbols 影响了原配置")
	}
	if orig.Strategies.Enabled[0] != "rsi" {
		t.Fatal("修改副本的策略列表影响了原配置")
	}
	if orig.Execution.TypicalVolume["BTCUSDT"] != 5_000_000 {
		t.Fatal("修改副本的 TypicalVolume 影响了原配置")
	}
	if orig.Leverage != 10 {
		t.Fatal("修改副本的标量字段影响了原配置")
	}
}

func TestTickInterval(t *testing.T) {
	s := Default()
	s.TickIntervalSec = 0
	if got := s.TickInterval(); got != 15 {
		t.Fatalf("TickInterval = %d, 期望回退 15", got)
	}
	s.TickIntervalSec = 60
	if got := s.TickInterval(); got != 60 {
		t.Fatalf("TickInterval = %d, 期望 60", got)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Run("空路径返回默认值", func(t *testing.T) {
		s, err := LoadSettings("")
		if err != nil {
			t.Fatalf("LoadSettings: %v", err)
		}
		if s.Leverage != 10 || s.Strategies.Combination != models.CombineMajority {
			t.Fatalf("默认值不符: %+v", s)
		}
	})
	t.Run("文件覆盖默认字段", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.yaml")
		raw := "symbols: [ETHUSDT, SOLUSDT]\nleverage: 20\nrisk:\n  stop_loss_pct: 3\n"
		if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
			t.Fatalf("写入临时配置: %v", err)
		}
		s, err := LoadSettings(path)
		if err != nil {
			t.Fatalf("LoadSettings: %v", err)
		}
		if len(s.Symbols) != 2 || s.Symbols[0] != "ETHUSDT" {
			t.Fatalf("Symbols = %v", s.Symbols)
		}
		if s.Leverage != 20 || s.Risk.StopLossPct != 3 {
			t.Fatalf("覆盖失败: leverage=%d stop_loss=%f", s.Leverage, s.Risk.StopLossPct)
		}
		// 未出现的字段保持默认
		if s.Risk.TakeProfitPct != 4.0 {
			t.Fatalf("未覆盖字段应保持默认, 得 %f", s.Risk.TakeProfitPct)
		}
	})
	t.Run("非法字段加载失败", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.yaml")
		if err := os.WriteFile(path, []byte("leverage: 999\n"), 0o644); err != nil {
			t.Fatalf("写入临时配置: %v", err)
		}
		if _, err := LoadSettings(path); err == nil {
			t.Fatal("越界杠杆应导致加载失败")
		}
	})
	t.Run("文件不存在报错", func(t *testing.T) {
		if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("缺失文件应报错")
		}
	})
}
