package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tckz/counter-api/internal/config"
	"github.com/tckz/counter-api/internal/counter"
	"github.com/tckz/counter-api/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testKey = "test-api-key"

func testConfig(mutate ...func(c *config.Config)) config.Config {
	c := config.Default()
	c.APIKey = testKey
	c.RequestTimeout = 500 * time.Millisecond
	for _, m := range mutate {
		m(&c)
	}
	return c
}

func newTestServer(t *testing.T, st store.Counter, mutate ...func(c *config.Config)) *Server {
	t.Helper()
	cfg := testConfig(mutate...)
	s := New(cfg, counter.NewService(st, cfg.RequestTimeout, zap.NewNop()), zap.NewNop())
	s.MarkServing()
	return s
}

type response struct {
	Code   int
	Header http.Header
	Body   map[string]any
}

func call(t *testing.T, h http.Handler, method, path, key string) response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body=%s", rec.Body.String())
	}
	return response{Code: rec.Code, Header: rec.Header(), Body: body}
}

func value(t *testing.T, r response) int64 {
	t.Helper()
	v, ok := r.Body["value"].(float64)
	require.True(t, ok, "no value in %v", r.Body)
	return int64(v)
}

func TestAuthentication(t *testing.T) {
	st := store.NewLocalCounter("api_counter")
	s := newTestServer(t, st)
	h := s.Handler()

	endpoints := []struct{ method, path string }{
		{http.MethodGet, "/read"},
		{http.MethodPost, "/write"},
		{http.MethodPost, "/reset"},
	}
	keys := []struct {
		name    string
		key     string
		wantMsg string
	}{
		{"missing", "", "API key required"},
		{"invalid", "invalid-key", "Invalid API key"},
		{"same length", "test-api-kez", "Invalid API key"},
		{"prefix", "test-api-key-and-more", "Invalid API key"},
	}

	require.NoError(t, st.Set(context.Background(), 5))

	for _, ep := range endpoints {
		for _, k := range keys {
			t.Run(ep.path+"/"+k.name, func(t *testing.T) {
				r := call(t, h, ep.method, ep.path, k.key)
				assert.Equal(t, http.StatusUnauthorized, r.Code)
				assert.Equal(t, k.wantMsg, r.Body["error"])
				assert.EqualValues(t, http.StatusUnauthorized, r.Body["code"])
				assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
			})
		}
	}

	v, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), v, "rejected requests must not touch the counter")
}

func TestHealth_NoAuthByDefault(t *testing.T) {
	s := newTestServer(t, store.NewLocalCounter("api_counter"))

	r := call(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, "healthy", r.Body["status"])
	assert.Equal(t, true, r.Body["store_connected"])
	assert.Equal(t, true, r.Body["redis_connected"])
	assert.Equal(t, "connected", r.Body["store"])
	assert.Equal(t, "connected", r.Body["redis"])
	assert.Contains(t, r.Body, "timestamp")
	assert.NotContains(t, r.Body, "error")
}

func TestHealth_RequireAuth(t *testing.T) {
	s := newTestServer(t, store.NewLocalCounter("api_counter"), func(c *config.Config) {
		c.HealthRequireAuth = true
	})

	assert.Equal(t, http.StatusUnauthorized, call(t, s.Handler(), http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, call(t, s.Handler(), http.MethodGet, "/health", testKey).Code)
}

func TestCounterScenario(t *testing.T) {
	s := newTestServer(t, store.NewLocalCounter("api_counter"))
	h := s.Handler()

	r := call(t, h, http.MethodGet, "/read", testKey)
	require.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, int64(0), value(t, r))
	assert.Equal(t, "read", r.Body["operation"])

	var (
		mu  sync.Mutex
		got []int64
		wg  sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := call(t, h, http.MethodPost, "/write", testKey)
			assert.Equal(t, http.StatusOK, r.Code)
			assert.Equal(t, "increment", r.Body["operation"])
			mu.Lock()
			got = append(got, value(t, r))
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []int64{1, 2, 3}, got)

	r = call(t, h, http.MethodGet, "/read", testKey)
	assert.Equal(t, int64(3), value(t, r))

	for i := 0; i < 2; i++ {
		r = call(t, h, http.MethodPost, "/reset", testKey)
		require.Equal(t, http.StatusOK, r.Code)
		assert.Equal(t, int64(0), value(t, r))
		assert.Equal(t, "reset", r.Body["operation"])
	}

	r = call(t, h, http.MethodGet, "/read", testKey)
	assert.Equal(t, int64(0), value(t, r))
}

func TestConcurrentWrites(t *testing.T) {
	s := newTestServer(t, store.NewLocalCounter("api_counter"))
	h := s.Handler()

	before := value(t, call(t, h, http.MethodGet, "/read", testKey))

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/write", testKey).Code)
		}()
	}
	wg.Wait()

	assert.Equal(t, before+n, value(t, call(t, h, http.MethodGet, "/read", testKey)))
}

func TestRouting(t *testing.T) {
	s := newTestServer(t, store.NewLocalCounter("api_counter"))
	h := s.Handler()

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/nonexistent", http.StatusNotFound},
		{http.MethodDelete, "/read", http.StatusMethodNotAllowed},
		{http.MethodGet, "/write", http.StatusMethodNotAllowed},
		{http.MethodPut, "/reset", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			r := call(t, h, tt.method, tt.path, testKey)
			assert.Equal(t, tt.want, r.Code)
			assert.NotEmpty(t, r.Body["error"])
			assert.EqualValues(t, tt.want, r.Body["code"])
			assert.Contains(t, r.Body, "timestamp")
		})
	}
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t, store.NewLocalCounter("api_counter"))
	r1 := call(t, s.Handler(), http.MethodGet, "/health", "")
	r2 := call(t, s.Handler(), http.MethodGet, "/health", "")
	assert.NotEmpty(t, r1.Header.Get("X-Request-Id"))
	assert.NotEqual(t, r1.Header.Get("X-Request-Id"), r2.Header.Get("X-Request-Id"))
}

func TestStartingState(t *testing.T) {
	cfg := testConfig()
	st := store.NewLocalCounter("api_counter")
	s := New(cfg, counter.NewService(st, cfg.RequestTimeout, zap.NewNop()), zap.NewNop())
	h := s.Handler()

	assert.Equal(t, StateStarting, s.State())

	r := call(t, h, http.MethodPost, "/write", testKey)
	assert.Equal(t, http.StatusServiceUnavailable, r.Code)
	assert.Equal(t, "Service starting", r.Body["error"])

	r = call(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, r.Code)
	assert.Equal(t, "starting", r.Body["state"])

	// liveness is independent of the startup state
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/health", "").Code)

	// auth is still checked first
	assert.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodPost, "/write", "").Code)

	s.MarkServing()
	assert.Equal(t, StateServing, s.State())

	r = call(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, "ready", r.Body["status"])
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/write", testKey).Code)

	v, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func newRedisServer(t *testing.T) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	rc := store.NewRedisCounter(store.NewRedisClient(config.Redis{Host: mr.Host(), Port: port}), "api_counter")
	t.Cleanup(func() { rc.Close() })
	return newTestServer(t, rc), mr
}

func TestStoreOutageAndRecovery(t *testing.T) {
	s, mr := newRedisServer(t)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/write", testKey).Code)
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/health", "").Code)

	mr.Close()

	r := call(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, r.Code)
	assert.Equal(t, "unhealthy", r.Body["status"])
	assert.Equal(t, false, r.Body["store_connected"])
	assert.Equal(t, false, r.Body["redis_connected"])
	assert.Equal(t, "disconnected", r.Body["redis"])
	assert.Equal(t, "store unreachable", r.Body["error"])

	for _, ep := range []struct{ method, path string }{
		{http.MethodGet, "/read"},
		{http.MethodPost, "/write"},
		{http.MethodPost, "/reset"},
	} {
		r := call(t, h, ep.method, ep.path, testKey)
		assert.Equal(t, http.StatusServiceUnavailable, r.Code, ep.path)
		assert.Equal(t, "Database connection error", r.Body["error"], ep.path)
		assert.NotContains(t, r.Body["error"], mr.Port(), "store address must not leak")
	}

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool {
		return call(t, h, http.MethodGet, "/health", "").Code == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	r = call(t, h, http.MethodGet, "/read", testKey)
	assert.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, int64(1), value(t, r))
}

func TestInternalErrorDoesNotLeak(t *testing.T) {
	s, mr := newRedisServer(t)
	mr.Set("api_counter", "not-a-number")

	r := call(t, s.Handler(), http.MethodPost, "/write", testKey)
	assert.Equal(t, http.StatusInternalServerError, r.Code)
	assert.Equal(t, "Internal server error", r.Body["error"])
	assert.Len(t, r.Body, 3)
}

// parkedStore blocks Up until released so a request can hold a worker slot.
// It ignores ctx, like a store that does not honor cancellation.
type parkedStore struct {
	*store.LocalCounter
	entered chan struct{}
	release chan struct{}
}

func (p *parkedStore) Up(ctx context.Context) (int64, error) {
	p.entered <- struct{}{}
	<-p.release
	return p.LocalCounter.Up(ctx)
}

// hangingStore blocks Up until ctx is done.
type hangingStore struct {
	*store.LocalCounter
	entered chan struct{}
}

func (h *hangingStore) Up(ctx context.Context) (int64, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestWorkerLimit(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Workers = 1
		c.RequestTimeout = 100 * time.Millisecond
	})
	st := &parkedStore{
		LocalCounter: store.NewLocalCounter("api_counter"),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	s := New(cfg, counter.NewService(st, 5*time.Second, zap.NewNop()), zap.NewNop())
	s.MarkServing()
	h := s.Handler()

	done := make(chan response, 1)
	go func() {
		done <- call(t, h, http.MethodPost, "/write", testKey)
	}()
	<-st.entered

	r := call(t, h, http.MethodPost, "/write", testKey)
	assert.Equal(t, http.StatusServiceUnavailable, r.Code)
	assert.Equal(t, "Server busy", r.Body["error"])

	close(st.release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, int64(1), value(t, first))
}

func TestWorkerLimit_WaitCountsAgainstDeadline(t *testing.T) {
	timeout := 300 * time.Millisecond
	cfg := testConfig(func(c *config.Config) {
		c.Workers = 1
		c.RequestTimeout = timeout
	})
	st := &hangingStore{
		LocalCounter: store.NewLocalCounter("api_counter"),
		entered:      make(chan struct{}, 1),
	}
	// The service allows far more than the request deadline.
	s := New(cfg, counter.NewService(st, 10*time.Second, zap.NewNop()), zap.NewNop())
	s.MarkServing()
	h := s.Handler()

	done := make(chan response, 1)
	go func() {
		done <- call(t, h, http.MethodPost, "/write", testKey)
	}()
	<-st.entered

	start := time.Now()
	r := call(t, h, http.MethodPost, "/write", testKey)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusServiceUnavailable, r.Code)
	assert.Contains(t, []any{"Server busy", "Database timeout"}, r.Body["error"])
	assert.Less(t, elapsed, timeout+timeout/2, "waiting for a slot must not restart the deadline")

	first := <-done
	assert.Equal(t, http.StatusServiceUnavailable, first.Code)
	assert.Equal(t, "Database timeout", first.Body["error"])
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := testConfig()
	svc := counter.NewService(store.NewLocalCounter("api_counter"), cfg.RequestTimeout, zap.NewNop())
	s := New(cfg, svc, zap.New(core))
	s.MarkServing()

	r := call(t, s.Handler(), http.MethodPost, "/write", testKey)
	require.Equal(t, http.StatusOK, r.Code)
	call(t, s.Handler(), http.MethodGet, "/read", "wrong")

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 2)

	ok := entries[0].ContextMap()
	assert.Equal(t, r.Header.Get("X-Request-Id"), ok["request_id"])
	assert.Equal(t, "increment", ok["operation"])
	assert.EqualValues(t, http.StatusOK, ok["status"])
	assert.Equal(t, "/write", ok["path"])

	denied := entries[1]
	assert.Equal(t, zap.WarnLevel, denied.Level)
	assert.EqualValues(t, http.StatusUnauthorized, denied.ContextMap()["status"])

	for _, e := range logs.All() {
		assert.NotContains(t, fmt.Sprint(e.ContextMap()), testKey)
	}
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := newTestServer(t, store.NewLocalCounter("api_counter"), func(c *config.Config) {
		c.ShutdownTimeout = time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Serve(ctx, ln)
	}()

	req, err := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+"/write", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderAPIKey, testKey)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.EqualValues(t, 1, body["value"])

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
