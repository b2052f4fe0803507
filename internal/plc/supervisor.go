package plc

import (
	"context"
	"log/slog"
	"time"

	"parcel-sorter/internal/metrics"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// Supervisor 周期性巡检所有链路并重连
type Supervisor struct {
	interval time.Duration
	pause    time.Duration
	links    []*Link
	limiters map[*Link]*rate.Limiter
	queues   map[*Link][]*OutboundQueue
	rate     rate.Limit
	logger   *slog.Logger
}

// NewSupervisor 创建巡检器
// interval 为巡检间隔，pause 为断开后重连前的等待，perSecond 为每条链路的重连频率上限
func NewSupervisor(interval, pause time.Duration, perSecond float64, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Supervisor{
		interval: interval,
		pause:    pause,
		limiters: make(map[*Link]*rate.Limiter),
		queues:   make(map[*Link][]*OutboundQueue),
		rate:     rate.Limit(perSecond),
		logger:   logger.With("component", "plc_supervisor"),
	}
}

// Add 纳入巡检，queues 会在重连成功后被冲刷
func (s *Supervisor) Add(link *Link, queues ...*OutboundQueue) {
	s.links = append(s.links, link)
	s.limiters[link] = rate.NewLimiter(s.rate, 1)
	s.queues[link] = append(s.queues[link], queues...)
}

// Run 立即巡检一次，之后按间隔巡检直到 ctx 取消
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep 检查每条链路
func (s *Supervisor) Sweep(ctx context.Context) {
	for _, l := range s.links {
		if ctx.Err() != nil {
			return
		}
		s.check(ctx, l)
	}
}

func (s *Supervisor) check(ctx context.Context, l *Link) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.probeLocked() {
		s.flushLocked(l)
		return
	}
	if !s.limiters[l].Allow() {
		return
	}

	if l.conn != nil {
		s.logger.Info("开始重连 PLC 链路", "link", l.Name)
		l.closeLocked()
	}
	if s.pause > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pause):
		}
	}
	if err := l.connectLocked(ctx); err != nil {
		metrics.PLCReconnects.WithLabelValues(l.Name, "failed").Inc()
		s.logger.Warn("PLC 链路连接失败", "link", l.Name, "error", err)
		return
	}
	metrics.PLCReconnects.WithLabelValues(l.Name, "ok").Inc()
	s.flushLocked(l)
}

func (s *Supervisor) flushLocked(l *Link) {
	for _, q := range s.queues[l] {
		q.flushLocked(0)
	}
}

// Close 断开全部链路
func (s *Supervisor) Close() error {
	var err error
	for _, l := range s.links {
		err = multierr.Append(err, l.Close())
	}
	return err
}
