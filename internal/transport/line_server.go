package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

const (
	stx = 0x02
	etx = 0x03
)

// MessageHandler 接收一条完整的行消息和来源客户端编号
type MessageHandler func(clientID int, message string)

// LineServer 按行接收手持终端消息的 TCP 服务
// 消息以 '\n' 或 ETX 结束，去掉开头的 STX 和结尾的 '\r'
type LineServer struct {
	address string
	handler MessageHandler
	logger  *slog.Logger

	ln      net.Listener
	nextID  atomic.Int64
	mu      sync.Mutex
	clients map[int]net.Conn
	wg      sync.WaitGroup
}

// NewLineServer 创建行服务
func NewLineServer(address string, logger *slog.Logger, handler MessageHandler) *LineServer {
	return &LineServer{
		address: address,
		handler: handler,
		logger:  logger.With("component", "line_server"),
		clients: make(map[int]net.Conn),
	}
}

// Start 开始监听并接受连接
func (s *LineServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("监听 TCP %s 失败: %w", s.address, err)
	}
	s.ln = ln
	s.logger.Info("手持终端服务启动", "address", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr 返回实际监听地址
func (s *LineServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Send 向指定客户端写入一行
func (s *LineServer) Send(clientID int, message string) error {
	s.mu.Lock()
	conn, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("客户端 %d 不存在", clientID)
	}
	_, err := io.WriteString(conn, message+"\n")
	return err
}

// Stop 关闭监听和所有客户端连接
func (s *LineServer) Stop() error {
	var err error
	if s.ln != nil {
		if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.mu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *LineServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("接受连接失败", "error", err)
			continue
		}
		id := int(s.nextID.Add(1))
		s.mu.Lock()
		s.clients[id] = conn
		s.mu.Unlock()
		s.logger.Info("手持终端已连接", "client_id", id, "remote_addr", conn.RemoteAddr().String())

		s.wg.Add(1)
		go s.serve(id, conn)
	}
}

func (s *LineServer) serve(id int, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("手持终端已断开", "client_id", id)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Split(splitFrames)
	for scanner.Scan() {
		if msg := cleanFrame(scanner.Bytes()); msg != "" {
			s.handler(id, msg)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("读取手持终端数据失败", "client_id", id, "error", err)
	}
}

// splitFrames 以 '\n' 或 ETX 作为帧结束符
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == etx {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func cleanFrame(frame []byte) string {
	if len(frame) > 0 && frame[0] == stx {
		frame = frame[1:]
	}
	if n := len(frame); n > 0 && frame[n-1] == '\r' {
		frame = frame[:n-1]
	}
	return string(frame)
}
