package handlers

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// =============================================================================
// 🗺️ Route key 分类
// =============================================================================

// RouteHeader 显式路由指定头。值必须是已知 route key，否则忽略。
const RouteHeader = "X-RC-Route"

// 已知 route key 集合。web_search 是 websearch 的历史别名，
// 路由表里两个键都可配置。
var knownRouteKeys = map[string]struct{}{
	"default":     {},
	"thinking":    {},
	"coding":      {},
	"longcontext": {},
	"tools":       {},
	"vision":      {},
	"websearch":   {},
	"web_search":  {},
	"background":  {},
}

// ClassifyRouteKey 把请求分到一个 route key。纯函数，只依赖请求头、
// 载荷与长上下文阈值；对同一输入永远返回同一 key。
//
// 判定顺序：显式头 → web_search → tools → vision → thinking →
// longcontext → background → default。搜索工具先于普通工具判定，
// 否则 web_search 会被 tools 行吞掉。
func ClassifyRouteKey(header http.Header, body []byte, longContextBytes int) string {
	if explicit := header.Get(RouteHeader); explicit != "" {
		if _, ok := knownRouteKeys[explicit]; ok {
			return explicit
		}
	}

	if hasWebSearchTool(body) {
		return "web_search"
	}
	if gjson.GetBytes(body, "tools.#").Int() > 0 {
		return "tools"
	}
	if hasVisionContent(body) {
		return "vision"
	}
	if isThinking(body) {
		return "thinking"
	}
	if longContextBytes > 0 && len(body) > longContextBytes {
		return "longcontext"
	}
	if gjson.GetBytes(body, "background").Bool() {
		return "background"
	}
	return "default"
}

// isThinking 模型名带 thinking 后缀，或请求显式开启推理。
func isThinking(body []byte) bool {
	model := gjson.GetBytes(body, "model").String()
	if strings.HasSuffix(model, "-thinking") || strings.Contains(model, ":thinking") {
		return true
	}
	if gjson.GetBytes(body, "reasoning_effort").String() != "" {
		return true
	}
	if gjson.GetBytes(body, "reasoning.effort").String() != "" {
		return true
	}
	return gjson.GetBytes(body, "thinking.type").String() == "enabled"
}

// hasVisionContent 任一消息含图像内容块。
func hasVisionContent(body []byte) bool {
	found := false
	for _, path := range []string{"messages", "input"} {
		gjson.GetBytes(body, path).ForEach(func(_, msg gjson.Result) bool {
			content := msg.Get("content")
			if !content.IsArray() {
				return true
			}
			content.ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "image_url", "input_image", "image":
					found = true
					return false
				}
				return true
			})
			return !found
		})
		if found {
			return true
		}
	}
	return false
}

// hasWebSearchTool tools 列表中带 web search 工具。
func hasWebSearchTool(body []byte) bool {
	found := false
	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		typ := tool.Get("type").String()
		name := tool.Get("name").String()
		if name == "" {
			name = tool.Get("function.name").String()
		}
		if strings.Contains(typ, "web_search") || strings.Contains(name, "web_search") {
			found = true
			return false
		}
		return true
	})
	return found
}
