package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// newWSServer 起一个本地流服务：升级连接，推送给定报文后断开
func newWSServer(t *testing.T, messages ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
	}))
}

func newTestStream(feed *Feed, url string) *Stream {
	s := NewStream("BTCUSDT", "15m", feed, zerolog.Nop())
	s.url = "ws" + strings.TrimPrefix(url, "http")
	return s
}

func TestConnectAndReadDeliversMessages(t *testing.T) {
	srv := newWSServer(t,
		`{"stream":"btcusdt@ticker","data":{"c":"50000.5"}}`,
		`{"stream":"btcusdt@markPrice","data":{"r":"-0.0002"}}`,
	)
	defer srv.Close()

	feed := NewFeed(100, time.Minute)
	s := newTestStream(feed, srv.URL)

	connected := 0
	err := s.connectAndRead(context.Background(), func() { connected++ })
	if err == nil {
		t.Fatal("服务端断开后应返回错误")
	}
	if connected != 1 {
		t.Fatalf("连接回调次数 = %d, 期望 1", connected)
	}
	if p, ok := feed.Price("BTCUSDT"); !ok || p != 50000.5 {
		t.Fatalf("最新价 = %f, %v, 期望 50000.5", p, ok)
	}
	if r := feed.FundingRate("BTCUSDT", 0); r != -0.0002 {
		t.Fatalf("资金费率 = %f, 期望 -0.0002", r)
	}
	if !feed.Connected() {
		t.Fatal("连接期间应标记为已连接")
	}
}

func TestConnectAndReadReleasesCloserGoroutine(t *testing.T) {
	srv := newWSServer(t, `{"stream":"btcusdt@ticker","data":{"c":"1"}}`)
	defer srv.Close()

	feed := NewFeed(100, time.Minute)
	s := newTestStream(feed, srv.URL)

	// 父 context 在全部连接周期之后仍然存活
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		_ = s.connectAndRead(ctx, nil)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before+3 {
		time.Sleep(20 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before+3 {
		t.Fatalf("连接结束后仍有残留协程: %d -> %d", before, n)
	}
}

func TestConnectAndReadStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// 不主动发消息也不关闭，模拟静默的长连接
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	feed := NewFeed(100, time.Minute)
	s := newTestStream(feed, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.connectAndRead(ctx, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("取消后应静默返回, 得 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取消后读取循环未退出")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "btcusdt"},
		{"BTC-USDT-SWAP", "btcusdt"},
		{" eth_usdt ", "ethusdt"},
	}
	for _, tt := range tests {
		if got := normalizeSymbol(tt.in); got != tt.want {
			t.Fatalf("normalizeSymbol(%q) = %q, 期望 %q", tt.in, got, tt.want)
		}
	}
}
