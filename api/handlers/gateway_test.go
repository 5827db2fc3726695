package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/credentials"
	"github.com/BaSui01/routecodex/failover"
	"github.com/BaSui01/routecodex/hub"
	"github.com/BaSui01/routecodex/quota"
	"github.com/BaSui01/routecodex/router"
	"github.com/BaSui01/routecodex/types"
)

// gatewayFixture 组装一条从入口到 httptest 上游的完整链路。
func gatewayFixture(t *testing.T, upstreamURL string, streaming bool) (*Gateway, *quota.Center) {
	t.Helper()
	cfg := &config.CanonicalConfig{
		Providers: []config.ProviderConfig{{
			ID:        "alpha",
			Family:    "openai",
			BaseURL:   upstreamURL,
			Streaming: streaming,
			Auth:      config.AuthDescriptor{Type: "apikey", APIKey: "sk-alpha"},
			Models:    map[string]config.ModelConfig{"m1": {}},
		}},
		Routes: map[string][]config.RoutePoolConfig{
			"default": {{PoolID: "main", Targets: []config.RouteTargetConfig{{Target: "alpha.m1"}}}},
		},
	}
	view, err := config.NewView(cfg, 1)
	require.NoError(t, err)

	center := quota.NewCenter(view, quota.Options{})
	creds := credentials.NewStore(view, credentials.Options{})
	factory := hub.NewFactory(view, creds, hub.Options{})
	exec := failover.New(router.New(view, center, nil), factory, center, creds, failover.Options{})
	return NewGateway(exec, GatewayOptions{Quota: center}), center
}

// drainQuota 用已取消的 ctx 跑处理循环，把积压事件同步消费完。
func drainQuota(c *quota.Center) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)
}

const gatewayChatBody = `{"model":"client-model","messages":[{"role":"user","content":"hi"}]}`

func TestGateway_ChatCompletionsBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m1", gjsonBody(t, r, "model"), "路由落点的 modelId 覆写进上游请求")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"m1","choices":[
			{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hey"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`))
	}))
	t.Cleanup(srv.Close)

	g, _ := gatewayFixture(t, srv.URL, false)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(gatewayChatBody))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "hey", gjson.Get(rec.Body.String(), "choices.0.message.content").String())
}

func TestGateway_PropagatesRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[
			{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`))
	}))
	t.Cleanup(srv.Close)

	g, _ := gatewayFixture(t, srv.URL, false)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(gatewayChatBody))
	req.Header.Set("X-Request-Id", "client-supplied-7")
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	assert.Equal(t, "client-supplied-7", rec.Header().Get("X-Request-Id"))
}

func TestGateway_BadRequestIs400(t *testing.T) {
	g, _ := gatewayFixture(t, "http://127.0.0.1:1", false)
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m"}`)) // 缺 messages
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	require.Equal(t, 400, rec.Code)
	assert.Equal(t, "bad_request", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestGateway_UpstreamDownIs502(t *testing.T) {
	g, _ := gatewayFixture(t, "http://127.0.0.1:1", false)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(gatewayChatBody))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	require.Equal(t, 502, rec.Code)
	assert.Equal(t, "FAILOVER_EXHAUSTED", gjson.Get(rec.Body.String(), "error.code").String())
	assert.Equal(t, "alpha", gjson.Get(rec.Body.String(), "error.provider_id").String())
}

func TestGateway_RelaysEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, gjson.GetBytes(readBody(t, r), "stream").Bool(),
			"流式决策写回上游载荷")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	t.Cleanup(srv.Close)

	g, _ := gatewayFixture(t, srv.URL, true)
	body := `{"model":"client-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"content":"hi"`)
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestGateway_StreamTruncationFeedsQuotaCenter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(
			"data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		// 首块之后连接腰斩
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	g, center := gatewayFixture(t, srv.URL, true)
	body := `{"model":"client-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.HandleChatCompletions(rec, req)

	// 客户端先收到完好的首块，再收到终端错误事件
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"hi"`)
	assert.Contains(t, rec.Body.String(), "event: error")
	assert.Contains(t, rec.Body.String(), types.CodeStreamTruncated)

	// 截断也要在配额中心入账
	drainQuota(center)
	states := center.Summary()
	require.Contains(t, states, "alpha")
	assert.Equal(t, 1, states["alpha"].ConsecutiveErrorCount)
	assert.Equal(t, types.SeriesENET, states["alpha"].LastErrorSeries)
	assert.Greater(t, states["alpha"].CooldownUntil, int64(0))
}

func TestGateway_AnthropicEntryOverOpenAIUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// anthropic 入口的载荷被转成 chat 线格式发给 openai 家族上游
		body := readBody(t, r)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "ping", gjson.GetBytes(body, "messages.0.content").String())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[
			{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`))
	}))
	t.Cleanup(srv.Close)

	g, _ := gatewayFixture(t, srv.URL, false)
	body := `{"model":"claude","max_tokens":64,"messages":[{"role":"user","content":"ping"}]}`
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.HandleMessages(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "message", gjson.Get(rec.Body.String(), "type").String())
	assert.Equal(t, "pong", gjson.Get(rec.Body.String(), "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.Get(rec.Body.String(), "stop_reason").String())
}

// ---- 辅助 ----

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return body
}

func gjsonBody(t *testing.T, r *http.Request, path string) string {
	t.Helper()
	return gjson.GetBytes(readBody(t, r), path).String()
}
