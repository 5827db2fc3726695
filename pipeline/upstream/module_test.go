package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/types"
)

func stampedDTO(url string, stream bool) *pipeline.DTO {
	return &pipeline.DTO{
		Body: []byte(`{"model":"m"}`),
		Route: pipeline.RouteInfo{
			ProviderID:  "p",
			ProviderKey: "p#main",
		},
		Upstream: &pipeline.UpstreamRequest{
			Method:  "POST",
			URL:     url,
			Headers: map[string]string{"Authorization": "Bearer sk-x"},
			Stream:  stream,
		},
	}
}

func TestHTTPModule_BufferedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-x", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"m"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"r1"}`))
	}))
	t.Cleanup(srv.Close)

	m := NewHTTPModule(config.HTTPTimeouts{}, nil)
	dto, err := m.ProcessIncoming(context.Background(), stampedDTO(srv.URL, false))
	require.NoError(t, err)
	require.NotNil(t, dto.Response)
	assert.Equal(t, 200, dto.Response.StatusCode)
	assert.JSONEq(t, `{"id":"r1"}`, string(dto.Response.Body))
	assert.Nil(t, dto.Response.Stream)
}

func TestHTTPModule_EventStreamReturnsUnconsumedSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"x\":1}\n\ndata: [DONE]\n\n"))
	}))
	t.Cleanup(srv.Close)

	m := NewHTTPModule(config.HTTPTimeouts{}, nil)
	dto, err := m.ProcessIncoming(context.Background(), stampedDTO(srv.URL, true))
	require.NoError(t, err)
	require.NotNil(t, dto.Response)
	require.NotNil(t, dto.Response.Stream, "SSE 响应以字节源交付，不缓冲")
	assert.Nil(t, dto.Response.Body)

	data, err := io.ReadAll(dto.Response.Stream)
	require.NoError(t, err)
	assert.Contains(t, string(data), "data: [DONE]")
	require.NoError(t, dto.Response.Stream.Close())
}

func TestHTTPModule_StatusErrorIsNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"overloaded","message":"try later"}}`))
	}))
	t.Cleanup(srv.Close)

	m := NewHTTPModule(config.HTTPTimeouts{}, nil)
	_, err := m.ProcessIncoming(context.Background(), stampedDTO(srv.URL, false))
	require.Error(t, err)
	te := types.AsError(err)
	assert.Equal(t, types.SeriesE5XX, te.Series)
	assert.Equal(t, "overloaded", te.Code)
	assert.Equal(t, 503, te.HTTPStatus)
	assert.Equal(t, "p#main", te.ProviderKey)
}

func TestHTTPModule_ConnectFailureIsNet(t *testing.T) {
	m := NewHTTPModule(config.HTTPTimeouts{}, nil)
	// 端口 1 上没有监听者
	_, err := m.ProcessIncoming(context.Background(), stampedDTO("http://127.0.0.1:1", false))
	require.Error(t, err)
	te := types.AsError(err)
	assert.Equal(t, types.SeriesENET, te.Series)
	assert.True(t, te.Retryable())
}

func TestHTTPModule_MissingStampIsConfigError(t *testing.T) {
	m := NewHTTPModule(config.HTTPTimeouts{}, nil)
	_, err := m.ProcessIncoming(context.Background(), &pipeline.DTO{})
	require.Error(t, err)
	assert.Equal(t, types.KindConfigError, types.AsError(err).Kind)
}

// ---- 空闲看门狗 ----

func TestIdleReader_KillsStalledStream(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	r := newIdleReader(pr, 50*time.Millisecond, nil, "p#main")
	buf := make([]byte, 64)
	_, err := r.Read(buf) // 写端永不写入，看门狗关闭底层流
	require.Error(t, err)
	te := types.AsError(err)
	assert.Equal(t, types.CodeStreamIdleTimeout, te.Code)
	assert.Equal(t, types.SeriesENET, te.Series)
	assert.Equal(t, "p#main", te.ProviderKey)
}

func TestIdleReader_ActivityResetsWatchdog(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(30 * time.Millisecond)
			_, _ = pw.Write([]byte("chunk"))
		}
		_ = pw.Close()
	}()

	r := newIdleReader(pr, 150*time.Millisecond, nil, "p")
	data, err := io.ReadAll(r)
	require.NoError(t, err, "持续有数据的流不会被看门狗误杀")
	assert.Equal(t, "chunkchunkchunkchunkchunk", string(data))
}

func TestIdleReader_AbruptCloseIsStreamAborted(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("data: {}\n\n"))
		_ = pw.CloseWithError(io.ErrUnexpectedEOF) // 连接腰斩
	}()

	r := newIdleReader(pr, time.Minute, nil, "p#main")
	_, err := io.ReadAll(r)
	require.Error(t, err)
	te := types.AsError(err)
	assert.Equal(t, types.SeriesENET, te.Series)
	assert.Equal(t, types.CodeStreamAborted, te.Code)
	assert.Equal(t, "p#main", te.ProviderKey)
}

func TestIdleReader_CloseReleasesContext(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	cancelled := false
	r := newIdleReader(pr, time.Minute, func() { cancelled = true }, "p")
	require.NoError(t, r.Close())
	assert.True(t, cancelled, "关流必须释放请求 ctx")
	require.NoError(t, r.Close(), "重复关闭幂等")
}

// ---- 客户端工厂 ----

func TestClientFactory_ReusesByTimeoutCombo(t *testing.T) {
	f := newClientFactory()
	a := f.get(config.HTTPTimeouts{ConnectTimeout: time.Second})
	b := f.get(config.HTTPTimeouts{ConnectTimeout: time.Second})
	c := f.get(config.HTTPTimeouts{ConnectTimeout: 2 * time.Second})

	assert.Same(t, a, b, "相同超时组合共享连接池")
	assert.NotSame(t, a, c)
	assert.Zero(t, a.Timeout, "整体期限由请求 ctx 承载，客户端不设 Timeout")
}

func TestNormalizeTimeouts(t *testing.T) {
	got := normalizeTimeouts(config.HTTPTimeouts{})
	assert.Equal(t, defaultConnectTimeout, got.ConnectTimeout)
	assert.Equal(t, defaultHeadersTimeout, got.HeadersTimeout)
	assert.Equal(t, defaultStreamIdleTimeout, got.StreamIdleTimeout)

	keep := normalizeTimeouts(config.HTTPTimeouts{ConnectTimeout: time.Second})
	assert.Equal(t, time.Second, keep.ConnectTimeout)
	assert.Equal(t, defaultHeadersTimeout, keep.HeadersTimeout)
}
