//go:build unit

// Package testutil 提供单元测试共享的 Stub、Fixture 和辅助函数。
// 所有文件使用 //go:build unit 标签，确保不会被生产构建包含。
package testutil

import (
	"context"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/mediaflow/genrelay/internal/service"
)

// ============================================================
// StubObjectStore
// ============================================================

// 编译期接口断言
var _ service.ObjectStore = (*StubObjectStore)(nil)

// StubObjectStore 把写入内容留在内存里，SignedURL 返回 BaseURL + path。
type StubObjectStore struct {
	BaseURL string
	PutErr  error
	SignErr error

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (s *StubObjectStore) Put(_ context.Context, path string, body io.Reader, _ int64, contentType string) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
		s.types = make(map[string]string)
	}
	s.objects[path] = b
	s.types[path] = contentType
	return nil
}

func (s *StubObjectStore) SignedURL(_ context.Context, path string, _ time.Duration, downloadName string) (string, error) {
	if s.SignErr != nil {
		return "", s.SignErr
	}
	u := s.BaseURL + "/" + path
	if downloadName != "" {
		u += "?download=" + url.QueryEscape(downloadName)
	}
	return u, nil
}

// Object returns the stored bytes and content type for path.
func (s *StubObjectStore) Object(path string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[path]
	return b, s.types[path], ok
}

// Paths lists every stored object path.
func (s *StubObjectStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	return out
}

// ============================================================
// StubCreditRepository
// ============================================================

var _ service.CreditRepository = StubCreditRepository{}

// StubCreditRepository 固定返回 OK/Err，不记账。
type StubCreditRepository struct {
	OK  bool
	Err error
}

func (s StubCreditRepository) DebitIfSufficient(_ context.Context, _ string, _ int64) (int64, bool, error) {
	return 0, s.OK, s.Err
}
