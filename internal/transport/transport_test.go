package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUDPServerDeliversDatagrams(t *testing.T) {
	got := make(chan string, 4)
	srv := NewUDPServer("127.0.0.1:0", 50*time.Millisecond, 0, testLogger(), func(p []byte) {
		got <- string(p)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("JT000123,1.20,3"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "JT000123,1.20,3", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到数据报")
	}

	cancel()
	require.NoError(t, srv.Stop())
}

func TestSplitFramesAndClean(t *testing.T) {
	data := []byte("\x02PDA:P1,5\r\x03PDA:P2,6\nrest")
	var frames []string
	for len(data) > 0 {
		adv, tok, err := splitFrames(data, true)
		require.NoError(t, err)
		frames = append(frames, cleanFrame(tok))
		data = data[adv:]
	}
	assert.Equal(t, []string{"PDA:P1,5", "PDA:P2,6", "rest"}, frames)
}

func TestLineServerFramesAndReplies(t *testing.T) {
	type msg struct {
		id   int
		text string
	}
	got := make(chan msg, 8)
	srv := NewLineServer("127.0.0.1:0", testLogger(), func(id int, text string) {
		got <- msg{id, text}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("\x02BIND:PKG01,5\r\nBIND:PKG02,6\x03"))
	require.NoError(t, err)

	var first msg
	texts := []string{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			texts = append(texts, m.text)
			first = m
		case <-time.After(2 * time.Second):
			t.Fatal("未收到消息")
		}
	}
	assert.Equal(t, []string{"BIND:PKG01,5", "BIND:PKG02,6"}, texts)

	require.NoError(t, srv.Send(first.id, "OK"))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK\n", line)

	assert.Error(t, srv.Send(999, "x"))
	require.NoError(t, srv.Stop())
}
