package gateway

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parcel-sorter/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordListener 记录网关回调
type recordListener struct {
	mu           sync.Mutex
	results      []types.SlotResult
	loginOK      int
	loginFailed  []string
	failedURLs   []string
	failedReason []string
}

func (l *recordListener) OnSlotResult(r types.SlotResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *recordListener) OnLoginSucceeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loginOK++
}

func (l *recordListener) OnLoginFailed(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loginFailed = append(l.loginFailed, reason)
}

func (l *recordListener) OnRequestFailed(url, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failedURLs = append(l.failedURLs, url)
	l.failedReason = append(l.failedReason, reason)
}

func (l *recordListener) counts() (results, loginOK, loginFailed, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results), l.loginOK, len(l.loginFailed), len(l.failedURLs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func okBody() map[string]any {
	return map[string]any{"code": 200, "msg": SuccessMsg, "succ": true}
}

func newTestClient(t *testing.T, opts Options, baseURL string, l Listener) *Client {
	t.Helper()
	c := New(opts, Settings{
		BaseURL:      baseURL,
		TerminalURL:  baseURL + "/terminal",
		SmallItemURL: baseURL + "/small",
		AppKey:       "key",
		AppSecret:    "secret",
		EquipmentID:  "EQ01",
		Arrival:      Credentials{Account: "in-user", Password: "in-pass"},
		Departure:    Credentials{Account: "out-user", Password: "out-pass"},
	}, nil, l, testLogger())
	t.Cleanup(c.Close)
	return c
}

func TestConcurrencyLimitQueuesExcess(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(w, okBody())
	}))
	defer srv.Close()

	c := newTestClient(t, Options{Concurrency: 6}, srv.URL, &recordListener{})
	for i := 0; i < 7; i++ {
		require.NoError(t, c.Submit(&Request{URL: srv.URL + "/x", Tag: TagUpload}))
	}

	require.Eventually(t, func() bool { return hits.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	inFlight, queued, paused := c.Stats()
	assert.Equal(t, 6, inFlight)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 0, paused)

	close(release)
	require.Eventually(t, func() bool {
		n, q, _ := c.Stats()
		return hits.Load() == 7 && n == 0 && q == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueFullRejects(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, okBody())
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, Options{Concurrency: 1, MaxQueue: 1}, srv.URL, &recordListener{})
	require.NoError(t, c.Submit(&Request{URL: srv.URL, Tag: TagUpload}))
	require.NoError(t, c.Submit(&Request{URL: srv.URL, Tag: TagUpload}))
	assert.ErrorIs(t, c.Submit(&Request{URL: srv.URL, Tag: TagUpload}), ErrQueueFull)
}

func TestRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, okBody())
	}))
	defer srv.Close()

	l := &recordListener{}
	c := newTestClient(t, Options{}, srv.URL, l)
	require.NoError(t, c.Submit(&Request{URL: srv.URL, Tag: TagUpload, RetriesLeft: 5}))

	require.Eventually(t, func() bool {
		n, _, _ := c.Stats()
		return hits.Load() == 3 && n == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, _, _, failed := l.counts()
	assert.Zero(t, failed)
}

func TestRetriesExhaustedReportsFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l := &recordListener{}
	c := newTestClient(t, Options{}, srv.URL, l)
	require.NoError(t, c.Submit(&Request{URL: srv.URL + "/up", Tag: TagUpload, RetriesLeft: 2}))

	require.Eventually(t, func() bool {
		_, _, _, failed := l.counts()
		return failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, srv.URL+"/up", l.failedURLs[0])
}

// runSweeper 模拟后台超时扫描
func runSweeper(t *testing.T, c *Client, every time.Duration) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.SweepTimeouts()
			}
		}
	}()
}

func TestTimeoutSweepRetriesAfterBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		writeJSON(w, okBody())
	}))
	defer srv.Close()

	l := &recordListener{}
	c := newTestClient(t, Options{
		Timeout:        50 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
		TimeoutBackoff: 30 * time.Millisecond,
	}, srv.URL, l)

	runSweeper(t, c, 10*time.Millisecond)

	require.NoError(t, c.Submit(&Request{URL: srv.URL, Tag: TagUpload, RetriesLeft: 1}))
	require.Eventually(t, func() bool {
		n, q, _ := c.Stats()
		return hits.Load() == 2 && n == 0 && q == 0
	}, 3*time.Second, 5*time.Millisecond)
	_, _, _, failed := l.counts()
	assert.Zero(t, failed)
}

func TestTimeoutRetryRejectedByFullQueueReportsFailure(t *testing.T) {
	release := make(chan struct{})
	var slowHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			slowHits.Add(1)
			<-r.Context().Done()
			return
		}
		<-release
		writeJSON(w, okBody())
	}))
	defer srv.Close()
	defer close(release)

	l := &recordListener{}
	c := newTestClient(t, Options{
		Concurrency:    1,
		MaxQueue:       1,
		Timeout:        50 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
		TimeoutBackoff: 300 * time.Millisecond,
	}, srv.URL, l)
	runSweeper(t, c, 10*time.Millisecond)

	require.NoError(t, c.Submit(&Request{URL: srv.URL + "/slow", Tag: TagUpload, RetriesLeft: 1}))
	require.Eventually(t, func() bool {
		n, _, _ := c.Stats()
		return slowHits.Load() == 1 && n == 0
	}, 2*time.Second, 2*time.Millisecond)

	// 退避期间占满并发和队列
	require.NoError(t, c.Submit(&Request{URL: srv.URL + "/hold", Tag: TagUpload}))
	require.NoError(t, c.Submit(&Request{URL: srv.URL + "/hold", Tag: TagUpload}))

	require.Eventually(t, func() bool {
		_, _, _, failed := l.counts()
		return failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	l.mu.Lock()
	assert.Equal(t, srv.URL+"/slow", l.failedURLs[0])
	assert.Equal(t, ErrQueueFull.Error(), l.failedReason[0])
	l.mu.Unlock()
	assert.EqualValues(t, 1, slowHits.Load())
}

func TestImmediateRetryAfterCloseReportsFailure(t *testing.T) {
	l := &recordListener{}
	c := newTestClient(t, Options{}, "http://127.0.0.1:0", l)
	c.Close()

	c.resubmit(&Request{URL: "http://127.0.0.1:0/up", Tag: TagUpload})
	_, _, _, failed := l.counts()
	require.Equal(t, 1, failed)
	assert.Equal(t, ErrClosed.Error(), l.failedReason[0])
}

// tokenServer 登录返回 fresh 令牌，业务接口只接受 fresh 令牌
type tokenServer struct {
	logins    atomic.Int32
	staleHits atomic.Int32
	mu        sync.Mutex
	replayed  []string
	gate      chan struct{}
	gateN     int32
	jitter    time.Duration
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == pathLogin {
		s.logins.Add(1)
		writeJSON(w, map[string]any{"code": 200, "msg": SuccessMsg, "succ": true,
			"data": map[string]string{"token": "fresh", "refreshToken": "r1"}})
		return
	}
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	if r.Header.Get("token") != "fresh" {
		if s.staleHits.Add(1) == s.gateN && s.gate != nil {
			close(s.gate)
		}
		if s.gate != nil {
			<-s.gate
		}
		if s.jitter > 0 {
			time.Sleep(rand.N(s.jitter))
		}
		writeJSON(w, map[string]any{"code": 401, "msg": "token expired"})
		return
	}
	s.mu.Lock()
	s.replayed = append(s.replayed, r.Header.Get(HeaderRetriedAfterRefresh))
	s.mu.Unlock()
	writeJSON(w, map[string]any{"code": 200, "msg": SuccessMsg, "succ": true,
		"data": []map[string]any{{"waybillNo": body["waybillNo"], "firstDispatchCode": "A1", "thirdlyDispatchCode": "C3", "orderType": "1", "interceptor": 2}}})
}

func TestConcurrentExpiryTriggersSingleLogin(t *testing.T) {
	ts := &tokenServer{gate: make(chan struct{}), gateN: 2}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	l := &recordListener{}
	c := newTestClient(t, Options{}, srv.URL, l)
	c.token = "stale"

	require.NoError(t, c.RequestTerminalCode("JT0001"))
	require.NoError(t, c.RequestTerminalCode("JT0002"))

	require.Eventually(t, func() bool {
		results, _, _, _ := l.counts()
		return results == 2
	}, 3*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, ts.logins.Load())
	assert.Equal(t, "fresh", c.Token())
	ts.mu.Lock()
	assert.Equal(t, []string{"1", "1"}, ts.replayed)
	ts.mu.Unlock()
	_, loginOK, _, failed := l.counts()
	assert.Equal(t, 1, loginOK)
	assert.Zero(t, failed)
}

func TestStaggeredExpiryLogsInOnce(t *testing.T) {
	ts := &tokenServer{jitter: 5 * time.Millisecond}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	l := &recordListener{}
	c := newTestClient(t, Options{Concurrency: 16}, srv.URL, l)
	c.token = "stale"

	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, c.RequestTerminalCode(fmt.Sprintf("JT%04d", i)))
	}
	require.Eventually(t, func() bool {
		results, _, _, _ := l.counts()
		return results == n
	}, 5*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, ts.logins.Load())
	_, loginOK, loginFailed, failed := l.counts()
	assert.Equal(t, 1, loginOK)
	assert.Zero(t, loginFailed)
	assert.Zero(t, failed)
	_, _, paused := c.Stats()
	assert.Zero(t, paused)
}

func TestExpiredAfterRefreshFails(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathLogin {
			logins.Add(1)
			writeJSON(w, map[string]any{"msg": SuccessMsg, "data": map[string]string{"token": "t"}})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	l := &recordListener{}
	c := newTestClient(t, Options{}, srv.URL, l)
	require.NoError(t, c.RequestUploadData("JT0009", "1.2"))

	require.Eventually(t, func() bool {
		_, _, _, failed := l.counts()
		return failed == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, logins.Load())
	_, _, loginFailed, _ := l.counts()
	assert.Equal(t, 1, loginFailed)
	assert.False(t, c.refreshing.Load())
}

func TestSetOperateModePausesUntilLogin(t *testing.T) {
	release := make(chan struct{})
	var account atomic.Value
	var uploadToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathLogin {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			account.Store(body["account"])
			<-release
			writeJSON(w, map[string]any{"msg": SuccessMsg, "data": map[string]string{"token": "abc"}})
			return
		}
		uploadToken.Store(r.Header.Get("authToken"))
		writeJSON(w, okBody())
	}))
	defer srv.Close()

	l := &recordListener{}
	c := newTestClient(t, Options{}, srv.URL, l)
	c.SetOperateMode(types.ModeDeparture)
	require.NoError(t, c.RequestUploadData("JT0100", "0.5"))

	_, _, paused := c.Stats()
	assert.Equal(t, 1, paused)

	close(release)
	require.Eventually(t, func() bool {
		v, _ := uploadToken.Load().(string)
		return v == "abc"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "out-user", account.Load())
}

func TestLoginFailureFailsPausedRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 500, "msg": "密码错误"})
	}))
	defer srv.Close()

	l := &recordListener{}
	c := newTestClient(t, Options{}, srv.URL, l)
	c.refreshing.Store(true)
	require.NoError(t, c.RequestUploadData("JT0200", "1"))

	c.submitLogin()
	require.Eventually(t, func() bool {
		_, _, loginFailed, failed := l.counts()
		return loginFailed == 1 && failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "密码错误", l.loginFailed[0])
}

func TestLoginJumpsQueue(t *testing.T) {
	var q requestQueue
	heap.Push(&q, &Request{Tag: TagUpload, seq: 1})
	heap.Push(&q, &Request{Tag: TagBuild, seq: 2})
	heap.Push(&q, &Request{Tag: TagLogin, Priority: priorityLogin, seq: 3})

	assert.Equal(t, TagLogin, heap.Pop(&q).(*Request).Tag)
	assert.Equal(t, TagUpload, heap.Pop(&q).(*Request).Tag)
	assert.Equal(t, TagBuild, heap.Pop(&q).(*Request).Tag)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	c := newTestClient(t, Options{}, "http://127.0.0.1:0", &recordListener{})
	c.Close()
	assert.ErrorIs(t, c.Submit(&Request{URL: "http://127.0.0.1:0"}), ErrClosed)
}

func TestSmallItemSignedNotAuthed(t *testing.T) {
	var hdr atomic.Value
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(b)
		hdr.Store(r.Header.Clone())
		writeJSON(w, okBody())
	}))
	defer srv.Close()

	c := newTestClient(t, Options{}, srv.URL, &recordListener{})
	c.token = "login-token"
	require.NoError(t, c.RequestSmallItem(types.SmallItemReport{Code: "JT1", Weight: "2", Mode: types.ModeArrival, SlotID: 7, SupplyID: 3}))

	require.Eventually(t, func() bool { return hdr.Load() != nil }, 2*time.Second, 5*time.Millisecond)
	h := hdr.Load().(http.Header)
	assert.Equal(t, "key", h.Get("appKey"))
	assert.Equal(t, Signature("secret", h.Get("timestamp"), body.Load().([]byte)), h.Get("token"))
	assert.Empty(t, h.Get("authToken"))

	var items []map[string]any
	require.NoError(t, json.Unmarshal(body.Load().([]byte), &items))
	require.Len(t, items, 1)
	assert.EqualValues(t, 7, items[0]["gridNo"])
	assert.EqualValues(t, 2, items[0]["operateType"])
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "ODg1N2IxMTQ1NTYyOTY2MTJjYmI0N2VjMzM2OWVlYmQ=",
		Signature("secret", "1700000000", []byte(`[{"a":1}]`)))
}

func TestApplyOverrides(t *testing.T) {
	s := Settings{BaseURL: "http://a", Arrival: Credentials{Account: "x"}}
	s.ApplyOverrides(map[string]string{"request_url": "http://b", "in_account": "y", "out_password": ""})
	assert.Equal(t, "http://b", s.BaseURL)
	assert.Equal(t, "y", s.Arrival.Account)
	assert.Empty(t, s.Departure.Password)
}
