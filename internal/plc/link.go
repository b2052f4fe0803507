// Package plc 管理与分拣线 PLC 之间的 TCP 链路。
//
// 每条链路有一把互斥锁：发送路径只 TryLock，拿不到就把报文留在队列里；
// 巡检重连路径使用阻塞的 Lock。
package plc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"parcel-sorter/internal/metrics"
)

// ProbePayload 链路探活报文，PLC 将其视为空操作
var ProbePayload = []byte(strings.Repeat("0", 16))

// ErrNotConnected 链路未连接
var ErrNotConnected = errors.New("plc 链路未连接")

// LinkOptions 链路参数
type LinkOptions struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Link 一条 PLC TCP 客户端链路
type Link struct {
	Name string
	addr string
	opts LinkOptions

	mu   sync.Mutex // 保护 conn，发送与重连互斥
	conn net.Conn

	up      atomic.Bool
	onData  func(data []byte)
	onState func(name string, up bool)
	logger  *slog.Logger
}

// NewLink 创建链路，onData 在读协程中被调用
func NewLink(name, addr string, opts LinkOptions, logger *slog.Logger, onData func(data []byte)) *Link {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = time.Second
	}
	return &Link{
		Name:   name,
		addr:   addr,
		opts:   opts,
		onData: onData,
		logger: logger.With("component", "plc", "link", name, "addr", addr),
	}
}

// OnStateChange 注册连通状态变化的回调
func (l *Link) OnStateChange(fn func(name string, up bool)) {
	l.onState = fn
}

// Up 链路当前是否在线
func (l *Link) Up() bool { return l.up.Load() }

// Connect 建立连接，阻塞直到拿到链路锁
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked(ctx)
}

// Close 断开连接
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Link) setUp(up bool) {
	if l.up.Swap(up) == up {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	metrics.PLCLinkUp.WithLabelValues(l.Name).Set(v)
	if l.onState != nil {
		l.onState(l.Name, up)
	}
}

func (l *Link) connectLocked(ctx context.Context) error {
	dialer := net.Dialer{Timeout: l.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		l.setUp(false)
		return fmt.Errorf("连接 %s 失败: %w", l.Name, err)
	}
	l.conn = conn
	l.setUp(true)
	go l.readLoop(conn)
	l.logger.Info("PLC 链路已连接")
	return nil
}

func (l *Link) closeLocked() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.setUp(false)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// writeLocked 写入一帧，失败时关闭连接等待巡检重连
func (l *Link) writeLocked(payload []byte) error {
	if l.conn == nil {
		return ErrNotConnected
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	if _, err := l.conn.Write(payload); err != nil {
		l.logger.Warn("写入 PLC 失败", "error", err)
		l.closeLocked()
		return err
	}
	return nil
}

// probeLocked 发送探活报文判断链路是否可用
func (l *Link) probeLocked() bool {
	return l.writeLocked(ProbePayload) == nil
}

// readLoop 读取 PLC 上报数据直到连接关闭
func (l *Link) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 && l.onData != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			l.onData(data)
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("PLC 链路读取中断", "error", err)
				// 只有仍是当前连接时才标记离线，连接已被替换则忽略
				l.markDownIfCurrent(conn)
			}
			return
		}
	}
}

func (l *Link) markDownIfCurrent(conn net.Conn) {
	if !l.mu.TryLock() {
		// 持锁方会在下一次写入或巡检时发现断开
		return
	}
	defer l.mu.Unlock()
	if l.conn == conn {
		l.closeLocked()
	}
}
