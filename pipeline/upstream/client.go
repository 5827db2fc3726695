package upstream

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/BaSui01/routecodex/config"
)

// =============================================================================
// 🌐 HTTP 客户端工厂 — 按超时组合复用连接池
// =============================================================================

// 缺省超时：连接 10s、响应头 30s、流式空闲 60s。
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultHeadersTimeout    = 30 * time.Second
	defaultStreamIdleTimeout = 60 * time.Second
)

// clientFactory 按 (connect, headers) 超时组合缓存 http.Client。
// 同一组合共享一个连接池，避免每条流水线各开一套 TCP 连接。
type clientFactory struct {
	mu      sync.Mutex
	clients map[config.HTTPTimeouts]*http.Client
}

func newClientFactory() *clientFactory {
	return &clientFactory{clients: make(map[config.HTTPTimeouts]*http.Client)}
}

// normalizeTimeouts 补全零值超时。
func normalizeTimeouts(t config.HTTPTimeouts) config.HTTPTimeouts {
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = defaultConnectTimeout
	}
	if t.HeadersTimeout <= 0 {
		t.HeadersTimeout = defaultHeadersTimeout
	}
	if t.StreamIdleTimeout <= 0 {
		t.StreamIdleTimeout = defaultStreamIdleTimeout
	}
	return t
}

// get 返回该超时组合的共享客户端。客户端本身不设整体超时 ——
// 整体期限由请求 ctx 承载，流式响应不能被 Client.Timeout 腰斩。
func (f *clientFactory) get(t config.HTTPTimeouts) *http.Client {
	t = normalizeTimeouts(t)

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[t]; ok {
		return c
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   t.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   t.ConnectTimeout,
		ResponseHeaderTimeout: t.HeadersTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	// h2 连接上启用 PING 保活：长流中途断连能在空闲窗口内被发现，
	// 而不是挂到内核超时
	if h2, err := http2.ConfigureTransports(transport); err == nil {
		h2.ReadIdleTimeout = t.StreamIdleTimeout
		h2.PingTimeout = 15 * time.Second
	}

	c := &http.Client{Transport: transport}
	f.clients[t] = c
	return c
}

// closeIdle 关闭全部空闲连接（Cleanup 时调用）。
func (f *clientFactory) closeIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if t, ok := c.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}
