package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRouteKey(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		body   string
		want   string
	}{
		{
			name: "显式头优先于一切启发式",
			header: http.Header{http.CanonicalHeaderKey(RouteHeader): {"coding"}},
			body: `{"model":"glm-4.6-thinking","tools":[{"type":"web_search"}]}`,
			want: "coding",
		},
		{
			name: "未知的显式头被忽略",
			header: http.Header{http.CanonicalHeaderKey(RouteHeader): {"not-a-route"}},
			body: `{"model":"m"}`,
			want: "default",
		},
		{
			name: "thinking 模型后缀",
			body: `{"model":"glm-4.6-thinking"}`,
			want: "thinking",
		},
		{
			name: "thinking 冒号变体",
			body: `{"model":"qwen-max:thinking"}`,
			want: "thinking",
		},
		{
			name: "reasoning_effort 开启推理",
			body: `{"model":"m","reasoning_effort":"high"}`,
			want: "thinking",
		},
		{
			name: "responses 形式的 reasoning.effort",
			body: `{"model":"m","reasoning":{"effort":"low"}}`,
			want: "thinking",
		},
		{
			name: "anthropic thinking 开关",
			body: `{"model":"m","thinking":{"type":"enabled"}}`,
			want: "thinking",
		},
		{
			name: "消息里的图像内容块",
			body: `{"model":"m","messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}]}`,
			want: "vision",
		},
		{
			name: "responses input 里的图像",
			body: `{"model":"m","input":[{"type":"message","content":[{"type":"input_image","image_url":"x"}]}]}`,
			want: "vision",
		},
		{
			name: "web search 工具",
			body: `{"model":"m","tools":[{"type":"web_search_preview"}]}`,
			want: "web_search",
		},
		{
			name: "function 名里的 web search",
			body: `{"model":"m","tools":[{"type":"function","function":{"name":"web_search"}}]}`,
			want: "web_search",
		},
		{
			name: "普通工具",
			body: `{"model":"m","tools":[{"type":"function","function":{"name":"lookup"}}]}`,
			want: "tools",
		},
		{
			name: "background 标志",
			body: `{"model":"m","background":true}`,
			want: "background",
		},
		{
			name: "纯文本落 default",
			body: `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			want: "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := tt.header
			if header == nil {
				header = http.Header{}
			}
			got := ClassifyRouteKey(header, []byte(tt.body), 64<<10)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyRouteKey_LongContextAfterContentSignals(t *testing.T) {
	big := `{"model":"m","messages":[{"role":"user","content":"` +
		strings.Repeat("x", 2048) + `"}]}`
	assert.Equal(t, "longcontext", ClassifyRouteKey(http.Header{}, []byte(big), 1024))

	// 阈值为 0 时关闭 longcontext 判定
	assert.Equal(t, "default", ClassifyRouteKey(http.Header{}, []byte(big), 0))

	// 内容信号先于体积：大载荷带工具走 tools，带推理走 thinking
	bigTools := `{"model":"m","tools":[{"type":"function","function":{"name":"lookup"}}],` +
		`"messages":[{"role":"user","content":"` + strings.Repeat("x", 2048) + `"}]}`
	assert.Equal(t, "tools", ClassifyRouteKey(http.Header{}, []byte(bigTools), 1024))

	bigThinking := `{"model":"glm-4.6-thinking","messages":[{"role":"user","content":"` +
		strings.Repeat("x", 2048) + `"}]}`
	assert.Equal(t, "thinking", ClassifyRouteKey(http.Header{}, []byte(bigThinking), 1024))
}

func TestClassifyRouteKey_Deterministic(t *testing.T) {
	body := []byte(`{"model":"m","tools":[{"type":"function","function":{"name":"lookup"}}]}`)
	first := ClassifyRouteKey(http.Header{}, body, 64<<10)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ClassifyRouteKey(http.Header{}, body, 64<<10))
	}
}
