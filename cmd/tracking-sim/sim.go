package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const successMsg = "请求成功"

// simOptions 模拟接口的行为参数
type simOptions struct {
	TokenTTL      time.Duration // 令牌有效期，0 表示不过期
	MinLatency    time.Duration
	MaxLatency    time.Duration
	FailRate      float64  // 返回 500 的概率
	InterceptRate float64  // 三段码判定为拦截件的概率
	Codes         []string // 随机返回的三段码
}

// simulator 快递跟踪接口的本地替身
type simulator struct {
	opts   simOptions
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]time.Time
	rnd    *rand.Rand
}

func newSimulator(opts simOptions, logger *slog.Logger) *simulator {
	if len(opts.Codes) == 0 {
		opts.Codes = []string{"C3"}
	}
	return &simulator{
		opts:   opts,
		logger: logger,
		tokens: make(map[string]time.Time),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// routes 注册所有接口
func (s *simulator) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/opa/smartLogin", s.login)
	mux.HandleFunc("/opa/smart/terminal/getTerminalCode", s.authed(s.terminal))
	for _, p := range []string{
		"/opa/smart/scan/uploadArrivalCRLSData",
		"/opa/smart/scan/uploadPackData",
		"/opa/smart/scan/uploadUnloadingArrivalData",
		"/opa/smart/scan/uploadDeliveryOutStockData",
	} {
		mux.HandleFunc(p, s.authed(s.accept))
	}
	mux.HandleFunc("/face/assScanSmallUpper/smallUpperDataUpload", s.accept)
	return mux
}

// requestLogger 从 X-Trace-ID 中提取追踪号
func (s *simulator) requestLogger(r *http.Request) *slog.Logger {
	l := s.logger.With("path", r.URL.Path)
	if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
		l = l.With("trace_id", traceID)
	}
	return l
}

func (s *simulator) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Account string `json:"account"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = time.Now()
	s.mu.Unlock()

	s.requestLogger(r).Info("登录", "account", body.Account)
	writeJSON(w, map[string]any{
		"code": 200, "msg": successMsg, "succ": true,
		"data": map[string]string{"token": token, "refreshToken": uuid.NewString()},
	})
}

// authed 校验 token 请求头，过期时返回 401
func (s *simulator) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("token")
		s.mu.Lock()
		issued, ok := s.tokens[token]
		expired := ok && s.opts.TokenTTL > 0 && time.Since(issued) > s.opts.TokenTTL
		if expired {
			delete(s.tokens, token)
		}
		s.mu.Unlock()
		if !ok || expired {
			s.requestLogger(r).Warn("令牌无效或已过期")
			writeJSON(w, map[string]any{"code": 401, "msg": "token expired", "succ": false})
			return
		}
		next(w, r)
	}
}

// delay 模拟接口耗时和随机故障，返回 false 表示已写出错误
func (s *simulator) delay(w http.ResponseWriter, logger *slog.Logger) bool {
	s.mu.Lock()
	wait := s.opts.MinLatency
	if span := s.opts.MaxLatency - s.opts.MinLatency; span > 0 {
		wait += time.Duration(s.rnd.Int63n(int64(span)))
	}
	fail := s.rnd.Float64() < s.opts.FailRate
	s.mu.Unlock()

	time.Sleep(wait)
	if fail {
		logger.Warn("模拟接口故障")
		http.Error(w, "simulated failure", http.StatusInternalServerError)
		return false
	}
	return true
}

func (s *simulator) terminal(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)
	var body struct {
		WaybillNo string `json:"waybillNo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WaybillNo == "" {
		writeJSON(w, map[string]any{"code": 400, "msg": "waybillNo required", "succ": false})
		return
	}
	if !s.delay(w, logger) {
		return
	}

	s.mu.Lock()
	code := s.opts.Codes[s.rnd.Intn(len(s.opts.Codes))]
	interceptor := 2
	if s.rnd.Float64() < s.opts.InterceptRate {
		interceptor = 1
	}
	s.mu.Unlock()

	logger.Info("三段码查询", "code", body.WaybillNo, "terminal", code, "interceptor", interceptor)
	writeJSON(w, map[string]any{
		"code": 200, "msg": successMsg, "succ": true,
		"data": []map[string]any{{
			"waybillNo":           body.WaybillNo,
			"firstDispatchCode":   code,
			"thirdlyDispatchCode": code,
			"orderType":           1,
			"interceptor":         interceptor,
		}},
	})
}

func (s *simulator) accept(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)
	if !s.delay(w, logger) {
		return
	}
	logger.Info("接收到上报")
	writeJSON(w, map[string]any{"code": 200, "msg": successMsg, "succ": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
