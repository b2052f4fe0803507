package plc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordConn 记录每次写入的 net.Conn
type recordConn struct {
	net.Conn
	mu     sync.Mutex
	writes []string
	fail   bool
	closed bool
}

func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, errors.New("broken pipe")
	}
	c.writes = append(c.writes, string(b))
	return len(b), nil
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func attach(l *Link, c net.Conn) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
	l.setUp(true)
}

func TestQueueHoldsWhileLinkBusyThenBatches(t *testing.T) {
	link := NewLink("supply", "unused:0", LinkOptions{}, testLogger(), nil)
	conn := &recordConn{}
	attach(link, conn)
	q := NewOutboundQueue(link, 5)

	link.mu.Lock()
	for i := 1; i <= 7; i++ {
		q.Send("STD01ID000" + string(rune('0'+i)) + "00000")
	}
	assert.Equal(t, 7, q.Len())
	assert.Empty(t, conn.Writes())
	link.mu.Unlock()

	assert.Equal(t, 7, q.Flush())
	writes := conn.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, 5, strings.Count(writes[0], Delimiter))
	assert.True(t, strings.HasPrefix(writes[0], "STD01ID000100000#STD01ID000200000#"))
	assert.Equal(t, "STD01ID000600000#STD01ID000700000#", writes[1])
	assert.Zero(t, q.Len())
}

func TestSendWritesOneBatchPerCall(t *testing.T) {
	link := NewLink("slot", "unused:0", LinkOptions{}, testLogger(), nil)
	conn := &recordConn{}
	attach(link, conn)
	q := NewOutboundQueue(link, 5)

	link.mu.Lock()
	for i := 0; i < 12; i++ {
		q.Send("GKD01ID0001G1")
	}
	link.mu.Unlock()

	q.Send("GKD01ID0002G2")
	writes := conn.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, 5, strings.Count(writes[0], Delimiter))
	assert.Equal(t, 8, q.Len())

	// 积压由巡检写空
	assert.Equal(t, 8, q.Flush())
	writes = conn.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, 5, strings.Count(writes[1], Delimiter))
	assert.True(t, strings.HasSuffix(writes[2], "GKD01ID0002G2#"))
	assert.Equal(t, 3, strings.Count(writes[2], Delimiter))
	assert.Zero(t, q.Len())
}

func TestQueueRequeuesOnWriteFailure(t *testing.T) {
	link := NewLink("slot", "unused:0", LinkOptions{}, testLogger(), nil)
	conn := &recordConn{fail: true}
	attach(link, conn)

	var states []bool
	link.OnStateChange(func(_ string, up bool) { states = append(states, up) })

	q := NewOutboundQueue(link, 5)
	q.Send("GKD03ID0042G15#")
	q.Send("GKD03ID0043G16")

	assert.Equal(t, 2, q.Len())
	assert.False(t, link.Up())
	assert.True(t, conn.closed)
	assert.Equal(t, []bool{false}, states)

	// 重新接上后按原顺序发出
	good := &recordConn{}
	attach(link, good)
	assert.Equal(t, 2, q.Flush())
	assert.Equal(t, []string{"GKD03ID0042G15#GKD03ID0043G16#"}, good.Writes())
}

// fakePLC 接受连接并把收到的数据汇总
type fakePLC struct {
	ln   net.Listener
	mu   sync.Mutex
	data strings.Builder
}

func startFakePLC(t *testing.T) *fakePLC {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakePLC{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					p.mu.Lock()
					p.data.Write(buf[:n])
					p.mu.Unlock()
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakePLC) received() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.String()
}

func TestSupervisorConnectsAndFlushesBacklog(t *testing.T) {
	plc := startFakePLC(t)

	link := NewLink("supply", plc.ln.Addr().String(), LinkOptions{DialTimeout: time.Second}, testLogger(), nil)
	ups := make(chan bool, 4)
	link.OnStateChange(func(_ string, up bool) { ups <- up })

	q := NewOutboundQueue(link, 5)
	q.Send("STD03ID004200000")
	assert.Equal(t, 1, q.Len())

	sup := NewSupervisor(time.Hour, 0, 100, testLogger())
	sup.Add(link, q)
	sup.Sweep(context.Background())

	require.True(t, link.Up())
	assert.Equal(t, true, <-ups)
	require.Eventually(t, func() bool {
		return strings.Contains(plc.received(), "STD03ID004200000#")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, q.Len())

	// 已连通时巡检只发探活报文
	sup.Sweep(context.Background())
	require.Eventually(t, func() bool {
		return strings.Contains(plc.received(), string(ProbePayload))
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Close())
	assert.False(t, link.Up())
	assert.Equal(t, false, <-ups)
}

func TestSupervisorRunStopsOnCancel(t *testing.T) {
	link := NewLink("status", "127.0.0.1:1", LinkOptions{DialTimeout: 50 * time.Millisecond}, testLogger(), nil)
	sup := NewSupervisor(10*time.Millisecond, 0, 1, testLogger())
	sup.Add(link)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, sup.Run(ctx))
	assert.False(t, link.Up())
}

func TestReaderDeliversData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("D03ID0042G15#"))
		time.Sleep(50 * time.Millisecond)
		c.Close()
	}()

	got := make(chan string, 1)
	link := NewLink("unload", ln.Addr().String(), LinkOptions{}, testLogger(), func(b []byte) { got <- string(b) })
	require.NoError(t, link.Connect(context.Background()))
	defer link.Close()

	select {
	case s := <-got:
		assert.Equal(t, "D03ID0042G15#", s)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到 PLC 数据")
	}
	require.Eventually(t, func() bool { return !link.Up() }, 2*time.Second, 10*time.Millisecond)
}
