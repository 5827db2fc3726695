// Package failover 实现跨 provider 的请求级重试：路由选择、
// 配额记账、错误分类与候选排除的闭环。
package failover

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
)

// =============================================================================
// 🔢 请求 token 预估
// =============================================================================

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// textKeys 参与预估的文本承载字段。
var textKeys = map[string]struct{}{
	"content":      {},
	"text":         {},
	"instructions": {},
	"system":       {},
	"output":       {},
	"arguments":    {},
}

// EstimateTokens 对请求载荷做 token 预估，用于派发前的配额记账。
// 编码器不可用时退化为字节数/4 的粗估。
func EstimateTokens(body []byte) int64 {
	text := collectText(body)
	if text == "" {
		text = string(body)
	}

	encOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return int64(len(text)+3) / 4
	}
	return int64(len(encoder.Encode(text, nil, nil)))
}

// collectText 递归收集载荷中的文本承载字段。
func collectText(body []byte) string {
	var sb strings.Builder
	var walk func(key string, v gjson.Result)
	walk = func(key string, v gjson.Result) {
		switch v.Type {
		case gjson.String:
			if _, ok := textKeys[key]; ok {
				sb.WriteString(v.Str)
				sb.WriteByte('\n')
			}
		default:
			if v.IsObject() || v.IsArray() {
				v.ForEach(func(k, child gjson.Result) bool {
					walk(k.Str, child)
					return true
				})
			}
		}
	}
	walk("", gjson.ParseBytes(body))
	return sb.String()
}
