// Package compat 实现 Compatibility 槽位：规范化载体与 provider 家族
// 线格式之间的转换，外加按 profile 注册的形状修正。
package compat

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🗂️ 兼容性 profile 注册表
// =============================================================================

// Mutator 对线格式载荷做一次形状修正。
type Mutator func(body []byte) ([]byte, error)

// Profile 是一组值对象：某类上游的已知怪癖及其修正。
type Profile struct {
	ID              string
	RequestMutators []Mutator
	ResponseMutators []Mutator
}

var profiles = map[string]Profile{
	"default": {ID: "default"},

	// GLM 系：tools 参数里的 JSON-Schema 元字段会被 400 拒绝
	"glm": {
		ID:              "glm",
		RequestMutators: []Mutator{cleanToolSchemas, deleteField("reasoning_effort")},
	},

	// Qwen / DashScope 兼容层不认识 reasoning_effort 与 _metadata
	"qwen": {
		ID:              "qwen",
		RequestMutators: []Mutator{deleteField("reasoning_effort"), deleteField("_metadata")},
	},

	// iFlow 网关拒绝未知顶层字段
	"iflow": {
		ID: "iflow",
		RequestMutators: []Mutator{
			deleteField("_metadata"),
			deleteField("reasoning_effort"),
			deleteField("stream_options"),
		},
	},

	// LM Studio 本地端：tool_choice 只支持 auto/none
	"lmstudio": {
		ID: "lmstudio",
		RequestMutators: []Mutator{
			deleteField("reasoning_effort"),
			downgradeToolChoice,
		},
	},
}

// Lookup 按 id 取 profile。空 id 等价于 default。
func Lookup(id string) (Profile, error) {
	if id == "" {
		id = "default"
	}
	p, ok := profiles[id]
	if !ok {
		return Profile{}, types.NewError(types.SeriesEFATAL, types.CodeConfigInvalid,
			fmt.Sprintf("unknown compat profile %q", id)).
			WithKind(types.KindConfigError)
	}
	return p, nil
}

// applyMutators 依次应用修正；任何一步失败都使请求在预检阶段出错。
func applyMutators(body []byte, mutators []Mutator) ([]byte, error) {
	var err error
	for _, m := range mutators {
		body, err = m(body)
		if err != nil {
			return nil, types.NewError(types.SeriesEOTHER, types.CodeInvalidRequest,
				"compat shape filter failed").
				WithKind(types.KindBadRequest).
				WithCause(err)
		}
	}
	return body, nil
}

// ---- 具体修正 ----

func deleteField(path string) Mutator {
	return func(body []byte) ([]byte, error) {
		if !gjson.GetBytes(body, path).Exists() {
			return body, nil
		}
		return sjson.DeleteBytes(body, path)
	}
}

// cleanToolSchemas 剥掉每个工具参数 schema 顶层的 JSON-Schema 元字段。
func cleanToolSchemas(body []byte) ([]byte, error) {
	tools := gjson.GetBytes(body, "tools")
	if !tools.IsArray() {
		return body, nil
	}
	var err error
	for i := range tools.Array() {
		for _, meta := range []string{"$schema", "additionalProperties", "$defs"} {
			path := fmt.Sprintf("tools.%d.function.parameters.%s", i, meta)
			if gjson.GetBytes(body, path).Exists() {
				body, err = sjson.DeleteBytes(body, path)
				if err != nil {
					return nil, err
				}
			}
		}
	}
	return body, nil
}

// downgradeToolChoice required → auto。
func downgradeToolChoice(body []byte) ([]byte, error) {
	if gjson.GetBytes(body, "tool_choice").String() != "required" {
		return body, nil
	}
	return sjson.SetBytes(body, "tool_choice", "auto")
}
