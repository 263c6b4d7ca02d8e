package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
)

// 参数类型。address在wire上是string，但额外要求能解析成无符号整数。
const (
	TypeString  = "string"
	TypeInt     = "integer"
	TypeBool    = "boolean"
	TypeAddress = "address"
	TypeStrings = "string_array"
)

// Param 一个参数的声明
type Param struct {
	Type        string
	Description string
	Required    bool
	// Default 未提供时填入的缺省值，Required为true时无意义
	Default interface{}
	// Enum 字符串参数的合法取值集合
	Enum []string
	// Min/Max 整数参数的闭区间约束
	Min *int
	Max *int
}

// Schema 工具的参数schema: key -> 声明
type Schema map[string]Param

// IntRange 辅助构造带区间约束的整数参数
func IntRange(min, max int) (*int, *int) {
	return &min, &max
}

// Validate 校验并规范化参数。缺必填、类型不符、越界、枚举外取值
// 都在任何组件被触碰之前拒绝。返回填好缺省值的Args。
func (s Schema) Validate(raw map[string]interface{}) (Args, error) {
	args := Args{}

	for key, p := range s {
		v, ok := raw[key]
		if !ok || v == nil {
			if p.Required {
				return nil, dbgerr.BadArguments("missing required parameter %q", key)
			}
			if p.Default != nil {
				args[key] = p.Default
			}
			continue
		}

		norm, err := p.normalize(key, v)
		if err != nil {
			return nil, err
		}
		args[key] = norm
	}

	for key := range raw {
		if _, ok := s[key]; !ok {
			return nil, dbgerr.BadArguments("unknown parameter %q", key)
		}
	}
	return args, nil
}

func (p Param) normalize(key string, v interface{}) (interface{}, error) {
	switch p.Type {
	case TypeString:
		str, ok := v.(string)
		if !ok {
			return nil, dbgerr.BadArguments("parameter %q must be a string", key)
		}
		if len(p.Enum) > 0 && !contains(p.Enum, str) {
			return nil, dbgerr.BadArguments("parameter %q must be one of %v", key, p.Enum)
		}
		return str, nil

	case TypeInt:
		n, ok := asInt(v)
		if !ok {
			return nil, dbgerr.BadArguments("parameter %q must be an integer", key)
		}
		if p.Min != nil && n < *p.Min {
			return nil, dbgerr.BadArguments("parameter %q must be >= %d", key, *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return nil, dbgerr.BadArguments("parameter %q must be <= %d", key, *p.Max)
		}
		return n, nil

	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, dbgerr.BadArguments("parameter %q must be a boolean", key)
		}
		return b, nil

	case TypeAddress:
		switch addr := v.(type) {
		case string:
			n, err := strconv.ParseUint(addr, 0, 64)
			if err != nil {
				return nil, dbgerr.BadArguments("parameter %q must be an address like 0x401000", key)
			}
			return n, nil
		case float64:
			return uint64(addr), nil
		default:
			return nil, dbgerr.BadArguments("parameter %q must be an address", key)
		}

	case TypeStrings:
		raw, ok := v.([]interface{})
		if !ok {
			return nil, dbgerr.BadArguments("parameter %q must be an array of strings", key)
		}
		for _, item := range raw {
			if _, ok := item.(string); !ok {
				return nil, dbgerr.BadArguments("parameter %q must be an array of strings", key)
			}
		}
		return raw, nil

	default:
		return nil, dbgerr.BadArguments("parameter %q has unsupported type %q", key, p.Type)
	}
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		// JSON数字，拒绝非整数
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// JSONSchema 渲染成JSON-schema风格对象，MCP绑定直接使用
func (s Schema) JSONSchema() json.RawMessage {
	props := map[string]interface{}{}
	var required []string

	for key, p := range s {
		prop := map[string]interface{}{
			"description": p.Description,
		}
		switch p.Type {
		case TypeString, TypeAddress:
			prop["type"] = "string"
		case TypeInt:
			prop["type"] = "integer"
		case TypeBool:
			prop["type"] = "boolean"
		case TypeStrings:
			prop["type"] = "array"
			prop["items"] = map[string]interface{}{"type": "string"}
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Min != nil {
			prop["minimum"] = *p.Min
		}
		if p.Max != nil {
			prop["maximum"] = *p.Max
		}
		props[key] = prop
		if p.Required {
			required = append(required, key)
		}
	}
	sort.Strings(required)
	if required == nil {
		required = []string{}
	}

	obj := map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	data, err := json.Marshal(obj)
	if err != nil {
		// schema全部静态声明，marshal不会失败
		panic(fmt.Sprintf("marshal schema: %v", err))
	}
	return data
}
