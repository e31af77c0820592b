package urlvalidator

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

type ValidationOptions struct {
	AllowedHosts     []string
	RequireAllowlist bool
	AllowPrivate     bool
}

// ValidateURLFormat 校验 URL 格式并去掉末尾斜杠，不做主机策略校验。
func ValidateURLFormat(raw string, allowInsecureHTTP bool) (string, error) {
	u, err := parseHTTPURL(raw, allowInsecureHTTP)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ValidateHTTPURL 校验格式、主机白名单与私有地址策略。
func ValidateHTTPURL(raw string, allowInsecureHTTP bool, opts ValidationOptions) (string, error) {
	u, err := parseHTTPURL(raw, allowInsecureHTTP)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())

	allowlist := normalizeAllowlist(opts.AllowedHosts)
	if opts.RequireAllowlist && len(allowlist) == 0 {
		return "", errors.New("allowlist is required but empty")
	}
	if len(allowlist) > 0 && !MatchHost(host, allowlist) {
		return "", fmt.Errorf("host %s is not allowed", host)
	}
	if !opts.AllowPrivate && IsPrivateHost(host) {
		return "", fmt.Errorf("host %s is not allowed (private)", host)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ValidateHTTPSURL is ValidateHTTPURL with plain http rejected.
func ValidateHTTPSURL(raw string, opts ValidationOptions) (string, error) {
	return ValidateHTTPURL(raw, false, opts)
}

// MatchHost 判断 host 是否命中白名单；支持 "*.example.com" 通配（匹配任意层级子域名，不含根域）。
func MatchHost(host string, allowlist []string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return false
	}
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "*.") {
			if strings.HasSuffix(host, entry[1:]) && len(host) > len(entry)-1 {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// IsPrivateHost reports loopback, private, link-local and unspecified literals plus localhost names.
func IsPrivateHost(host string) bool {
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func parseHTTPURL(raw string, allowInsecureHTTP bool) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "https":
	case "http":
		if !allowInsecureHTTP {
			return nil, errors.New("http is not allowed")
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("url host is required")
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port %q", port)
		}
	}
	u.Scheme = scheme
	return u, nil
}

func normalizeAllowlist(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
