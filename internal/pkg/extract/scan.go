package extract

import (
	"strings"

	"github.com/tidwall/gjson"
)

const (
	DefaultMaxDepth = 32
	DefaultMaxNodes = 10000
)

// Limits bounds the recursive scan. Zero values fall back to the defaults.
type Limits struct {
	MaxDepth int
	MaxNodes int
}

func (l Limits) normalized() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxNodes <= 0 {
		l.MaxNodes = DefaultMaxNodes
	}
	return l
}

// visitFunc 返回 false 时终止整个扫描。
type visitFunc func(key string, value gjson.Result) bool

type scanner struct {
	limits  Limits
	visited int
	stopped bool
}

// scan 深度优先遍历 JSON 树；字符串值若本身是合法 JSON（对象或数组）也会继续下钻。
// 深度与访问节点数都有上限，超出后静默停止。
func scan(root gjson.Result, limits Limits, fn visitFunc) {
	s := &scanner{limits: limits.normalized()}
	s.walk("", root, 0, fn)
}

func (s *scanner) walk(key string, v gjson.Result, depth int, fn visitFunc) {
	if s.stopped || depth > s.limits.MaxDepth {
		return
	}
	s.visited++
	if s.visited > s.limits.MaxNodes {
		s.stopped = true
		return
	}
	if !fn(key, v) {
		s.stopped = true
		return
	}
	switch {
	case v.IsObject(), v.IsArray():
		v.ForEach(func(k, child gjson.Result) bool {
			childKey := key
			if v.IsObject() {
				childKey = k.String()
			}
			s.walk(childKey, child, depth+1, fn)
			return !s.stopped
		})
	case v.Type == gjson.String:
		if embedded, ok := embeddedJSON(v.String()); ok {
			s.walk(key, embedded, depth+1, fn)
		}
	}
}

// embeddedJSON 解析形如 "{...}" / "[...]" 的字符串字段。
func embeddedJSON(s string) (gjson.Result, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 {
		return gjson.Result{}, false
	}
	first, last := trimmed[0], trimmed[len(trimmed)-1]
	if !(first == '{' && last == '}') && !(first == '[' && last == ']') {
		return gjson.Result{}, false
	}
	if !gjson.Valid(trimmed) {
		return gjson.Result{}, false
	}
	return gjson.Parse(trimmed), true
}

// scalarString 把字符串/数字类型的值转为字符串，其余类型返回空。
func scalarString(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.String())
	case gjson.Number:
		return strings.TrimSpace(v.Raw)
	default:
		return ""
	}
}
