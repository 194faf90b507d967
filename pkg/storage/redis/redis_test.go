package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goclaw/tiermem/pkg/storage"
)

var errMockRedisUnavailable = errors.New("mock redis unavailable")

type mockValue struct {
	data      string
	expiresAt time.Time
}

type mockRedisClient struct {
	goredis.Cmdable

	mu      sync.Mutex
	strings map[string]mockValue
	lists   map[string][]string
	listTTL map[string]time.Time
	sets    map[string]map[string]struct{}
	down    atomic.Bool
}

func newMockRedisClient(t *testing.T) *mockRedisClient {
	t.Helper()

	return &mockRedisClient{
		strings: make(map[string]mockValue),
		lists:   make(map[string][]string),
		listTTL: make(map[string]time.Time),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (m *mockRedisClient) SetDown(down bool) {
	m.down.Store(down)
}

func normalizeRedisValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func (m *mockRedisClient) Ping(_ context.Context) *goredis.StatusCmd {
	if m.down.Load() {
		return goredis.NewStatusResult("", errMockRedisUnavailable)
	}
	return goredis.NewStatusResult("PONG", nil)
}

func (m *mockRedisClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	if m.down.Load() {
		return goredis.NewStatusResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := mockValue{data: normalizeRedisValue(value)}
	if expiration > 0 {
		v.expiresAt = time.Now().Add(expiration)
	}
	m.strings[key] = v
	return goredis.NewStatusResult("OK", nil)
}

func (m *mockRedisClient) getLocked(key string) (string, bool) {
	v, ok := m.strings[key]
	if !ok {
		return "", false
	}
	if !v.expiresAt.IsZero() && !time.Now().Before(v.expiresAt) {
		delete(m.strings, key)
		return "", false
	}
	return v.data, true
}

func (m *mockRedisClient) Get(_ context.Context, key string) *goredis.StringCmd {
	if m.down.Load() {
		return goredis.NewStringResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.getLocked(key)
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (m *mockRedisClient) MGet(_ context.Context, keys ...string) *goredis.SliceCmd {
	if m.down.Load() {
		return goredis.NewSliceResult(nil, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]interface{}, len(keys))
	for i, key := range keys {
		if v, ok := m.getLocked(key); ok {
			out[i] = v
		}
	}
	return goredis.NewSliceResult(out, nil)
}

func (m *mockRedisClient) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	if m.down.Load() {
		return goredis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := m.strings[key]; ok {
			delete(m.strings, key)
			n++
		}
		if _, ok := m.lists[key]; ok {
			delete(m.lists, key)
			delete(m.listTTL, key)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (m *mockRedisClient) SAdd(_ context.Context, key string, members ...interface{}) *goredis.IntCmd {
	if m.down.Load() {
		return goredis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	var added int64
	for _, member := range members {
		s := normalizeRedisValue(member)
		if _, ok := set[s]; !ok {
			set[s] = struct{}{}
			added++
		}
	}
	return goredis.NewIntResult(added, nil)
}

func (m *mockRedisClient) SRem(_ context.Context, key string, members ...interface{}) *goredis.IntCmd {
	if m.down.Load() {
		return goredis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, member := range members {
		s := normalizeRedisValue(member)
		if _, ok := m.sets[key][s]; ok {
			delete(m.sets[key], s)
			removed++
		}
	}
	return goredis.NewIntResult(removed, nil)
}

func (m *mockRedisClient) SMembers(_ context.Context, key string) *goredis.StringSliceCmd {
	if m.down.Load() {
		return goredis.NewStringSliceResult(nil, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for s := range m.sets[key] {
		out = append(out, s)
	}
	sort.Strings(out)
	return goredis.NewStringSliceResult(out, nil)
}

func (m *mockRedisClient) listLocked(key string) []string {
	if exp, ok := m.listTTL[key]; ok && !time.Now().Before(exp) {
		delete(m.lists, key)
		delete(m.listTTL, key)
	}
	return m.lists[key]
}

func (m *mockRedisClient) LPush(_ context.Context, key string, values ...interface{}) *goredis.IntCmd {
	if m.down.Load() {
		return goredis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.listLocked(key)
	for _, val := range values {
		list = append([]string{normalizeRedisValue(val)}, list...)
	}
	m.lists[key] = list
	return goredis.NewIntResult(int64(len(list)), nil)
}

func (m *mockRedisClient) LTrim(_ context.Context, key string, start, stop int64) *goredis.StatusCmd {
	if m.down.Load() {
		return goredis.NewStatusResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.listLocked(key)
	if stop >= 0 && int(stop)+1 < len(list) {
		list = list[:stop+1]
	}
	m.lists[key] = list[start:]
	return goredis.NewStatusResult("OK", nil)
}

func (m *mockRedisClient) LRange(_ context.Context, key string, start, stop int64) *goredis.StringSliceCmd {
	if m.down.Load() {
		return goredis.NewStringSliceResult(nil, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.listLocked(key)
	end := len(list)
	if stop >= 0 && int(stop)+1 < end {
		end = int(stop) + 1
	}
	if int(start) >= end {
		return goredis.NewStringSliceResult([]string{}, nil)
	}
	return goredis.NewStringSliceResult(append([]string(nil), list[start:end]...), nil)
}

func (m *mockRedisClient) Expire(_ context.Context, key string, expiration time.Duration) *goredis.BoolCmd {
	if m.down.Load() {
		return goredis.NewBoolResult(false, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[key]; !ok {
		return goredis.NewBoolResult(false, nil)
	}
	m.listTTL[key] = time.Now().Add(expiration)
	return goredis.NewBoolResult(true, nil)
}

// mockPipeline executes commands immediately against the mock client.
type mockPipeline struct {
	goredis.Pipeliner
	m *mockRedisClient
}

func (p *mockPipeline) LPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd {
	return p.m.LPush(ctx, key, values...)
}

func (p *mockPipeline) LTrim(ctx context.Context, key string, start, stop int64) *goredis.StatusCmd {
	return p.m.LTrim(ctx, key, start, stop)
}

func (p *mockPipeline) Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd {
	return p.m.Expire(ctx, key, expiration)
}

func (m *mockRedisClient) TxPipelined(_ context.Context, fn func(goredis.Pipeliner) error) ([]goredis.Cmder, error) {
	if m.down.Load() {
		return nil, errMockRedisUnavailable
	}
	return nil, fn(&mockPipeline{m: m})
}

// TestRedisAdapterSuite runs the conformance suite against a mock client.
func TestRedisAdapterSuite(t *testing.T) {
	suite := &storage.AdapterTestSuite{
		NewAdapter: func(t *testing.T) storage.Adapter {
			return New("test", newMockRedisClient(t), "tiermem:")
		},
	}

	suite.RunAllTests(t)
}

func TestRedisAdapter_Unavailable(t *testing.T) {
	client := newMockRedisClient(t)
	a := New("test", client, "tiermem:")
	ctx := context.Background()

	client.SetDown(true)
	if err := a.Connect(ctx); storage.KindOf(err) != storage.KindConnection {
		t.Errorf("expected connection error, got %v", err)
	}
	err := a.Push(ctx, "session:s1", &storage.Record{ID: "t1"}, 20, time.Hour)
	if !storage.IsRetryable(err) {
		t.Errorf("expected retryable push failure, got %v", err)
	}
	if h := a.HealthCheck(ctx); h.Status != storage.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", h.Status)
	}

	client.SetDown(false)
	if err := a.Connect(ctx); err != nil {
		t.Errorf("expected reconnect, got %v", err)
	}
}

func TestRedisAdapter_RejectsRankedSearch(t *testing.T) {
	a := New("test", newMockRedisClient(t), "tiermem:")
	_, err := a.Search(context.Background(), storage.Query{Collection: "turns", Text: "hello"})
	if storage.KindOf(err) != storage.KindQuery {
		t.Errorf("expected query error, got %v", err)
	}
}

func TestRedisAdapter_KeyLayout(t *testing.T) {
	client := newMockRedisClient(t)
	a := New("test", client, "app:")
	ctx := context.Background()

	if _, err := a.Store(ctx, &storage.Record{ID: "t1", Collection: "turns"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := a.Push(ctx, "session:s1", &storage.Record{ID: "t1"}, 20, time.Hour); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if _, ok := client.strings["app:rec:turns:t1"]; !ok {
		t.Error("expected record key app:rec:turns:t1")
	}
	if _, ok := client.sets["app:idx:turns"]["t1"]; !ok {
		t.Error("expected member t1 in app:idx:turns")
	}
	if _, ok := client.listTTL["app:list:session:s1"]; !ok {
		t.Error("expected TTL on app:list:session:s1")
	}
}
