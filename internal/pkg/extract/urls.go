package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/mediaflow/genrelay/internal/util/urlvalidator"
	"github.com/tidwall/gjson"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

// URLFilter 结果 URL 白名单：host 命中 AllowedHosts 且 path 命中任一路径正则。
// 没有配置任何 host 时拒绝所有 URL；没有配置路径正则时不限制路径。
type URLFilter struct {
	hosts    []string
	patterns []*regexp.Regexp
}

// NewURLFilter compiles the path patterns.
func NewURLFilter(hosts []string, pathPatterns []string) (*URLFilter, error) {
	f := &URLFilter{}
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			f.hosts = append(f.hosts, strings.ToLower(h))
		}
	}
	for _, p := range pathPatterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile path pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Allowed reports whether raw is an acceptable final asset URL.
func (f *URLFilter) Allowed(raw string) bool {
	if f == nil || len(f.hosts) == 0 {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !urlvalidator.MatchHost(u.Hostname(), f.hosts) {
		return false
	}
	if len(f.patterns) == 0 {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(u.Path) {
			return true
		}
	}
	return false
}

// URLs 返回白名单内的结果 URL（去重、保持顺序）。先看候选路径，全部落空时再对整个响应做有界扫描。
func (e *Extractor) URLs(body []byte, filter *URLFilter) []string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	root := gjson.ParseBytes(body)
	acc := newURLSet(filter)
	for _, r := range urlRules {
		v := root.Get(r.Path)
		if !v.Exists() || (r.Accept != nil && !r.Accept(v)) {
			continue
		}
		collectShallow(v, acc)
	}
	if len(acc.out) > 0 {
		return acc.out
	}

	scan(root, e.limits, func(_ string, v gjson.Result) bool {
		if v.Type == gjson.String {
			for _, m := range urlPattern.FindAllString(v.String(), -1) {
				acc.add(m)
			}
		}
		return true
	})
	return acc.out
}

// collectShallow 处理候选路径上的值：字符串、字符串数组、带 url 字段的对象（或其数组），以及字符串化的 JSON 数组。
func collectShallow(v gjson.Result, acc *urlSet) {
	switch {
	case v.Type == gjson.String:
		if embedded, ok := embeddedJSON(v.String()); ok {
			collectShallow(embedded, acc)
			return
		}
		acc.add(v.String())
	case v.IsArray():
		v.ForEach(func(_, item gjson.Result) bool {
			if item.IsArray() {
				return true
			}
			collectShallow(item, acc)
			return true
		})
	case v.IsObject():
		for _, key := range []string{"url", "image_url", "video_url", "resultUrls", "downloadUrl"} {
			if child := v.Get(key); child.Exists() && !child.IsObject() {
				collectShallow(child, acc)
			}
		}
	}
}

type urlSet struct {
	filter *URLFilter
	seen   map[string]struct{}
	out    []string
}

func newURLSet(filter *URLFilter) *urlSet {
	return &urlSet{filter: filter, seen: make(map[string]struct{})}
}

func (s *urlSet) add(raw string) {
	raw = strings.TrimRight(strings.TrimSpace(raw), ").,;")
	if raw == "" {
		return
	}
	if _, ok := s.seen[raw]; ok {
		return
	}
	if !s.filter.Allowed(raw) {
		return
	}
	s.seen[raw] = struct{}{}
	s.out = append(s.out, raw)
}

// AnyURL 返回候选路径或扫描中遇到的第一个 http(s) URL，不做白名单过滤（用于上传接口的返回地址）。
func (e *Extractor) AnyURL(body []byte, paths ...string) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	for _, p := range paths {
		if v := root.Get(p); v.Type == gjson.String {
			if m := urlPattern.FindString(v.String()); m != "" {
				return m
			}
		}
	}
	var found string
	scan(root, e.limits, func(_ string, v gjson.Result) bool {
		if v.Type == gjson.String {
			if m := urlPattern.FindString(v.String()); m != "" {
				found = m
				return false
			}
		}
		return true
	})
	return found
}
