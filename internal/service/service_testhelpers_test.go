//go:build unit

package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mediaflow/genrelay/internal/config"
	"github.com/mediaflow/genrelay/internal/pkg/extract"
	"github.com/mediaflow/genrelay/internal/pkg/genapi"
	"github.com/stretchr/testify/require"
)

type fakeGenerationRepo struct {
	mu        sync.Mutex
	rows      map[string]*Generation
	insertErr error
	findErr   error
	updates   int
}

func newFakeGenerationRepo() *fakeGenerationRepo {
	return &fakeGenerationRepo{rows: make(map[string]*Generation)}
}

func (r *fakeGenerationRepo) Insert(ctx context.Context, g *Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	cp := *g
	r.rows[g.ID] = &cp
	return nil
}

func (r *fakeGenerationRepo) find(match func(*Generation) bool) (*Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	var found *Generation
	for _, g := range r.rows {
		if match(g) && (found == nil || g.CreatedAt.After(found.CreatedAt)) {
			found = g
		}
	}
	if found == nil {
		return nil, ErrGenerationNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *fakeGenerationRepo) FindByRunID(ctx context.Context, userID, runID string) (*Generation, error) {
	return r.find(func(g *Generation) bool { return g.UserID == userID && g.Metadata.RunID == runID })
}

func (r *fakeGenerationRepo) FindByTaskID(ctx context.Context, userID, taskID string) (*Generation, error) {
	return r.find(func(g *Generation) bool {
		return (userID == "" || g.UserID == userID) && g.Metadata.TaskID == taskID
	})
}

func (r *fakeGenerationRepo) Update(ctx context.Context, g *Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[g.ID]; !ok {
		return ErrGenerationNotFound
	}
	cp := *g
	r.rows[g.ID] = &cp
	r.updates++
	return nil
}

func (r *fakeGenerationRepo) ListStalePending(ctx context.Context, olderThan, newerThan time.Time, limit int) ([]*Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Generation
	for _, g := range r.rows {
		if g.ResultURL != nil || g.Metadata.TaskID == "" {
			continue
		}
		if g.Metadata.Status != GenerationStatusPending && g.Metadata.Status != GenerationStatusProcessing {
			continue
		}
		if g.CreatedAt.After(olderThan) || g.CreatedAt.Before(newerThan) {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeGenerationRepo) all() []*Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Generation, 0, len(r.rows))
	for _, g := range r.rows {
		cp := *g
		out = append(out, &cp)
	}
	return out
}

// fakeUpsertRepo 额外实现原子 upsert。
type fakeUpsertRepo struct {
	*fakeGenerationRepo
	upserts int
}

func (r *fakeUpsertRepo) UpsertResult(ctx context.Context, g *Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	for id, existing := range r.rows {
		if existing.UserID == g.UserID && existing.Metadata.RunID == g.Metadata.RunID {
			if existing.ResultURL != nil && g.ResultURL == nil {
				return nil
			}
			cp := *existing
			cp.ResultURL = g.ResultURL
			cp.Metadata.Status = g.Metadata.Status
			cp.Metadata.URLs = g.Metadata.URLs
			cp.Metadata.Error = g.Metadata.Error
			if g.Metadata.TaskID != "" {
				cp.Metadata.TaskID = g.Metadata.TaskID
			}
			r.rows[id] = &cp
			return nil
		}
	}
	cp := *g
	r.rows[g.ID] = &cp
	return nil
}

func (r *fakeGenerationRepo) Backend() string { return "fake" }

type fakeCreditRepo struct {
	mu       sync.Mutex
	balances map[string]int64
	err      error
	calls    int
}

func (r *fakeCreditRepo) DebitIfSufficient(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return 0, false, r.err
	}
	bal := r.balances[userID]
	if bal < amount {
		return bal, false, nil
	}
	r.balances[userID] = bal - amount
	return bal - amount, true, nil
}

type fakeLegacyRepo struct {
	mu   sync.Mutex
	rows []LegacyImageResult
}

func (r *fakeLegacyRepo) InsertImageResult(ctx context.Context, rec LegacyImageResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rec)
	return nil
}

type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	putErr   error
	signBase string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		signBase: "https://bucket.example.com/signed/",
	}
}

func (s *fakeObjectStore) Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = b
	s.types[path] = contentType
	return nil
}

func (s *fakeObjectStore) SignedURL(ctx context.Context, path string, ttl time.Duration, downloadName string) (string, error) {
	if ttl != time.Hour {
		return "", errors.New("unexpected ttl")
	}
	return s.signBase + path + "?token=t&download=" + downloadName, nil
}

func (s *fakeObjectStore) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	return out
}

// newTestProvider 创建指向 httptest 服务的 provider。
func newTestProvider(t *testing.T, name, baseURL string, mutate func(*config.ProviderConfig)) *Provider {
	t.Helper()
	pc := config.ProviderConfig{
		BaseURL:      baseURL,
		MediaKind:    config.MediaKindImage,
		SubmitPath:   "/api/v1/generate",
		PollPaths:    []string{"/api/v1/tasks/{id}"},
		AllowedHosts: []string{"cdn.example.com"},
		AllowedPaths: []string{`^/outputs/`},
		Timeout:      5 * time.Second,
	}
	if mutate != nil {
		mutate(&pc)
	}
	filter, err := extract.NewURLFilter(pc.AllowedHosts, pc.AllowedPaths)
	require.NoError(t, err)
	return &Provider{Name: name, Config: pc, Client: genapi.NewClient(name, pc), Filter: filter}
}

func newTestRegistry(ps ...*Provider) *ProviderRegistry {
	r := &ProviderRegistry{providers: make(map[string]*Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}
