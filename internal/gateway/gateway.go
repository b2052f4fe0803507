// Package gateway 是对接快递跟踪接口的请求网关。
//
// 所有请求异步提交，由网关控制并发、排队、超时和重试；
// 令牌失效时暂停受影响的请求，只发起一次重新登录，成功后按新令牌重发。
package gateway

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"parcel-sorter/internal/metrics"
	"parcel-sorter/internal/types"
	"parcel-sorter/internal/util"

	"github.com/google/uuid"
)

// 请求标签，决定应答的处理方式
const (
	TagLogin            = "login"
	TagTerminalCode     = "get_terminalCode"
	TagUpload           = "upload"
	TagBuild            = "build"
	TagSmallItem        = "smallItem"
	TagUnloadToPieces   = "unloadToPieces"
	TagOutboundScanning = "outboundScanning"
)

// HeaderRetriedAfterRefresh 标记请求已在重新登录后重发过一次
const HeaderRetriedAfterRefresh = "X-Retried-After-Refresh"

const (
	priorityNormal = 0
	priorityLogin  = 10
	maxBodyBytes   = 1 << 20
)

var (
	ErrQueueFull = errors.New("请求队列已满")
	ErrClosed    = errors.New("请求网关已关闭")
)

// Listener 接收网关产生的结果
// 回调在网关的请求协程中执行，实现方不应长时间阻塞
type Listener interface {
	OnSlotResult(r types.SlotResult)
	OnLoginSucceeded()
	OnLoginFailed(reason string)
	OnRequestFailed(url, reason string)
}

// Journal 记录三段码请求和应答，可为空
type Journal interface {
	RecordTerminalRequest(ctx context.Context, code, body string) error
	RecordTerminalAnswer(ctx context.Context, code, body string) error
}

// Request 一次待发送的请求
type Request struct {
	ID          uuid.UUID
	TraceID     string
	URL         string
	Header      http.Header
	Payload     []byte
	Tag         string
	RetriesLeft int
	Priority    int
	Auth        bool // 发送时附加当前令牌
	Code        string

	RetriedAfterRefresh bool

	seq      uint64
	enqueued time.Time
}

// clone 复制请求用于重试，头部和报文保持不变
func (r *Request) clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

// Options 网关参数
type Options struct {
	Concurrency    int           // 最大并发，默认 6
	MaxQueue       int           // 等待队列上限，默认 1000
	Timeout        time.Duration // 单个请求超时，默认 5s
	SweepInterval  time.Duration // 超时巡检间隔，默认 2s
	TimeoutBackoff time.Duration // 超时后重试的延迟，默认 1s
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 6
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = 1000
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 2 * time.Second
	}
	if o.TimeoutBackoff <= 0 {
		o.TimeoutBackoff = time.Second
	}
}

// inflight 正在执行的请求
type inflight struct {
	req      *Request
	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time
	token    string // 发送时附加的令牌
	timedOut bool   // 由超时巡检设置，受 Client.mu 保护
}

// Client 请求网关
type Client struct {
	opts     Options
	http     *http.Client
	listener Listener
	journal  Journal
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[uuid.UUID]*inflight
	queue    requestQueue
	paused   []*Request
	seq      uint64
	closed   bool

	settings     Settings
	mode         types.OperateMode
	token        string
	refreshToken string

	refreshing atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	now        func() time.Time
}

// New 创建网关，httpClient 为空时使用默认客户端
func New(opts Options, settings Settings, httpClient *http.Client, listener Listener, logger *slog.Logger) *Client {
	opts.setDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		http:       httpClient,
		listener:   listener,
		settings:   settings,
		logger:     logger.With("component", "gateway"),
		inFlight:   make(map[uuid.UUID]*inflight),
		baseCtx:    ctx,
		baseCancel: cancel,
		now:        time.Now,
	}
}

// SetListener 设置结果接收方，必须在提交请求前调用
func (c *Client) SetListener(l Listener) { c.listener = l }

// SetJournal 设置三段码报文记录
func (c *Client) SetJournal(j Journal) { c.journal = j }

// Submit 提交请求，不等待结果
// 有空闲并发位时立即发送，否则进入等待队列；刷新令牌期间业务请求被暂停
func (c *Client) Submit(req *Request) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.TraceID == "" {
		req.TraceID = util.NewTraceID()
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Tag == TagLogin {
		req.Priority = priorityLogin
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	req.seq = c.seq
	req.enqueued = c.now()

	if req.Tag != TagLogin && c.refreshing.Load() {
		c.paused = append(c.paused, req)
		c.updateGaugesLocked()
		c.mu.Unlock()
		c.logger.Debug("刷新令牌中，请求已暂停", "tag", req.Tag, "trace_id", req.TraceID)
		return nil
	}

	if len(c.inFlight) < c.opts.Concurrency {
		f := c.startLocked(req)
		c.mu.Unlock()
		go c.do(f)
		return nil
	}
	if c.queue.Len() >= c.opts.MaxQueue {
		c.mu.Unlock()
		metrics.GatewayRequests.WithLabelValues(req.Tag, "rejected").Inc()
		c.logger.Warn("请求队列已满，丢弃请求", "url", req.URL, "tag", req.Tag, "trace_id", req.TraceID)
		return ErrQueueFull
	}
	heap.Push(&c.queue, req)
	c.updateGaugesLocked()
	depth := c.queue.Len()
	c.mu.Unlock()
	c.logger.Debug("请求进入等待队列", "url", req.URL, "tag", req.Tag, "queued", depth)
	return nil
}

// Stats 返回在途、排队和暂停的请求数
func (c *Client) Stats() (inFlight, queued, paused int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight), c.queue.Len(), len(c.paused)
}

// Token 当前令牌
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Run 周期性检查超时，ctx 取消后关闭网关
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case <-ticker.C:
			c.SweepTimeouts()
		}
	}
}

// Close 中止所有在途请求并等待其结束，之后的提交返回 ErrClosed
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	dropped := c.queue.Len() + len(c.paused)
	c.queue = nil
	c.paused = nil
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.baseCancel()
	c.wg.Wait()
	if dropped > 0 {
		c.logger.Warn("网关关闭，丢弃未发送的请求", "count", dropped)
	}
}

// SweepTimeouts 中止超过超时时间的在途请求
func (c *Client) SweepTimeouts() {
	now := c.now()
	var aborted []*inflight

	c.mu.Lock()
	for _, f := range c.inFlight {
		if !f.timedOut && now.Sub(f.started) > c.opts.Timeout {
			f.timedOut = true
			aborted = append(aborted, f)
		}
	}
	c.mu.Unlock()

	for _, f := range aborted {
		c.logger.Warn("中止已超时的请求", "url", f.req.URL, "tag", f.req.Tag, "trace_id", f.req.TraceID)
		f.cancel()
	}
}

// startLocked 登记在途请求，调用方持有 c.mu
func (c *Client) startLocked(req *Request) *inflight {
	ctx, cancel := context.WithCancel(util.ContextWithTraceID(c.baseCtx, req.TraceID))
	f := &inflight{req: req, ctx: ctx, cancel: cancel, started: c.now()}
	c.inFlight[req.ID] = f
	c.wg.Add(1)
	c.updateGaugesLocked()
	return f
}

func (c *Client) updateGaugesLocked() {
	metrics.GatewayInFlight.Set(float64(len(c.inFlight)))
	metrics.GatewayQueued.WithLabelValues("pending").Set(float64(c.queue.Len()))
	metrics.GatewayQueued.WithLabelValues("paused").Set(float64(len(c.paused)))
}

// pump 在有空闲并发位时从队列取出请求发送
func (c *Client) pump() {
	for {
		c.mu.Lock()
		if c.closed || c.queue.Len() == 0 || len(c.inFlight) >= c.opts.Concurrency {
			c.mu.Unlock()
			return
		}
		req := heap.Pop(&c.queue).(*Request)
		if req.Tag != TagLogin && c.refreshing.Load() {
			c.paused = append(c.paused, req)
			c.updateGaugesLocked()
			c.mu.Unlock()
			continue
		}
		f := c.startLocked(req)
		c.mu.Unlock()
		c.logger.Debug("请求出队并发送", "url", req.URL, "tag", req.Tag, "waited", c.now().Sub(req.enqueued))
		go c.do(f)
	}
}

// do 执行一次 HTTP 调用
func (c *Client) do(f *inflight) {
	defer c.wg.Done()
	req := f.req

	httpReq, err := http.NewRequestWithContext(f.ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		c.finish(f, 0, nil, err)
		return
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if traceID, ok := util.TraceIDFromContext(f.ctx); ok {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}
	if req.Auth {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		f.token = token
		if token != "" {
			httpReq.Header.Set("token", token)
			httpReq.Header.Set("authToken", token)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.finish(f, 0, nil, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()
	c.finish(f, resp.StatusCode, body, err)
}

// finish 处理一次调用的结果，之后尝试发送队列中的下一个请求
func (c *Client) finish(f *inflight, status int, body []byte, err error) {
	req := f.req
	logger := c.logger.With("tag", req.Tag, "url", req.URL, "trace_id", req.TraceID)

	c.mu.Lock()
	delete(c.inFlight, req.ID)
	timedOut := f.timedOut
	closed := c.closed
	c.updateGaugesLocked()
	c.mu.Unlock()
	f.cancel()
	metrics.GatewayDuration.WithLabelValues(req.Tag).Observe(c.now().Sub(f.started).Seconds())

	defer c.pump()

	if closed {
		return
	}
	if err == nil && status != http.StatusUnauthorized && (status < 200 || status >= 300) {
		err = fmt.Errorf("HTTP %d", status)
	}

	switch {
	case err != nil && timedOut:
		metrics.GatewayRequests.WithLabelValues(req.Tag, "timeout").Inc()
		if req.RetriesLeft <= 0 {
			logger.Error("请求超时并已耗尽重试次数")
			c.giveUp(req, "请求超时并已耗尽重试次数")
			return
		}
		next := req.clone()
		next.RetriesLeft--
		logger.Warn("请求超时，稍后重试", "retries_left", next.RetriesLeft)
		time.AfterFunc(c.opts.TimeoutBackoff, func() { c.resubmit(next) })
		return

	case err != nil:
		metrics.GatewayRequests.WithLabelValues(req.Tag, "error").Inc()
		if req.RetriesLeft <= 0 {
			logger.Error("请求失败并已耗尽重试次数", "error", err)
			c.giveUp(req, err.Error())
			return
		}
		next := req.clone()
		next.RetriesLeft--
		logger.Warn("请求失败，立即重试", "error", err, "retries_left", next.RetriesLeft)
		c.resubmit(next)
		return
	}

	env, perr := parseEnvelope(body)
	if status == http.StatusUnauthorized || (perr == nil && env.tokenExpired()) {
		metrics.GatewayRequests.WithLabelValues(req.Tag, "unauthorized").Inc()
		c.handleExpired(f, env.Msg, logger)
		return
	}
	if perr != nil {
		metrics.GatewayRequests.WithLabelValues(req.Tag, "invalid").Inc()
		logger.Warn("应答不是合法 JSON", "error", perr, "body", truncate(body, 512))
		c.giveUp(req, "invalid json")
		return
	}

	metrics.GatewayRequests.WithLabelValues(req.Tag, "ok").Inc()
	c.dispatch(req, env, body, logger)
}

// handleExpired 令牌失效：登录请求直接失败，其他请求暂停并触发一次刷新
// 发送后令牌已被其他请求刷新过的，直接用新令牌重发
func (c *Client) handleExpired(f *inflight, msg string, logger *slog.Logger) {
	req := f.req
	if msg == "" {
		msg = "token expired"
	}
	if req.Tag == TagLogin {
		logger.Error("登录返回令牌失效", "msg", msg)
		c.loginFailed(msg)
		return
	}
	if req.RetriedAfterRefresh {
		logger.Error("重新登录后重发仍然失效，放弃请求", "msg", msg)
		c.notifyFailed(req, msg)
		if c.listener != nil {
			c.listener.OnLoginFailed(msg)
		}
		return
	}

	next := req.clone()
	next.RetriedAfterRefresh = true
	next.Header.Set(HeaderRetriedAfterRefresh, "1")

	// 暂停与置刷新标志在同一把锁内完成，登录成功时不会漏掉这个请求
	c.mu.Lock()
	stale := req.Auth && c.token != "" && f.token != c.token && !c.refreshing.Load()
	start := false
	if !stale {
		c.paused = append(c.paused, next)
		c.updateGaugesLocked()
		start = c.refreshing.CompareAndSwap(false, true)
	}
	c.mu.Unlock()
	if stale {
		logger.Info("令牌已更新，直接重发")
		c.resubmit(next)
		return
	}
	logger.Warn("令牌失效，请求已暂停等待重新登录")
	if start {
		c.logger.Info("开始重新登录")
		c.submitLogin()
	}
}

// submitLogin 提交登录请求，调用方已将刷新标志置为 true
func (c *Client) submitLogin() {
	if err := c.Submit(c.loginRequest()); err != nil {
		c.loginFailed(err.Error())
	}
}

// resubmit 重试请求重新入队，入队失败时按放弃处理
func (c *Client) resubmit(req *Request) {
	if err := c.Submit(req); err != nil {
		c.logger.Warn("重试请求无法入队", "url", req.URL, "tag", req.Tag, "error", err)
		c.giveUp(req, err.Error())
	}
}

// loginSucceeded 保存令牌并把暂停的请求放回队列
func (c *Client) loginSucceeded(token, refreshToken string) {
	c.mu.Lock()
	c.token = token
	if refreshToken != "" {
		c.refreshToken = refreshToken
	}
	c.refreshing.Store(false)
	resumed := c.paused
	c.paused = nil
	var overflow []*Request
	for _, r := range resumed {
		if c.queue.Len() >= c.opts.MaxQueue {
			overflow = append(overflow, r)
			continue
		}
		c.seq++
		r.seq = c.seq
		heap.Push(&c.queue, r)
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	for _, r := range overflow {
		c.notifyFailed(r, ErrQueueFull.Error())
	}
	c.logger.Info("登录成功", "resumed", len(resumed)-len(overflow))
	if c.listener != nil {
		c.listener.OnLoginSucceeded()
	}
}

// loginFailed 清除刷新标志，通知上层并让所有暂停的请求失败
func (c *Client) loginFailed(reason string) {
	c.mu.Lock()
	c.refreshing.Store(false)
	failed := c.paused
	c.paused = nil
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.logger.Error("登录失败", "reason", reason, "paused_failed", len(failed))
	if c.listener != nil {
		c.listener.OnLoginFailed(reason)
	}
	for _, r := range failed {
		c.notifyFailed(r, "login failed")
	}
}

// giveUp 放弃请求；登录请求放弃时按登录失败处理
func (c *Client) giveUp(req *Request, reason string) {
	if req.Tag == TagLogin {
		c.loginFailed(reason)
		return
	}
	c.notifyFailed(req, reason)
}

func (c *Client) notifyFailed(req *Request, reason string) {
	if c.listener != nil {
		c.listener.OnRequestFailed(req.URL, reason)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
