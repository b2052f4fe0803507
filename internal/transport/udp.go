package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DatagramHandler 接收一个完整的数据报
// 处理器在读循环中同步调用，必须尽快返回
type DatagramHandler func(payload []byte)

// UDPServer 接收供包台的扫码数据报
type UDPServer struct {
	address     string
	readTimeout time.Duration
	maxDatagram int
	handler     DatagramHandler
	logger      *slog.Logger

	conn net.PacketConn
	wg   sync.WaitGroup
}

// NewUDPServer 创建 UDP 接收服务
func NewUDPServer(address string, readTimeout time.Duration, maxDatagram int, logger *slog.Logger, handler DatagramHandler) *UDPServer {
	if maxDatagram <= 0 {
		maxDatagram = 2048
	}
	return &UDPServer{
		address:     address,
		readTimeout: readTimeout,
		maxDatagram: maxDatagram,
		handler:     handler,
		logger:      logger.With("component", "udp"),
	}
}

// Start 开始监听，读循环在 Stop 或 ctx 取消后退出
func (s *UDPServer) Start(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.address)
	if err != nil {
		return fmt.Errorf("监听 UDP %s 失败: %w", s.address, err)
	}
	s.conn = conn
	s.logger.Info("UDP 接收服务启动", "address", conn.LocalAddr().String())

	s.wg.Add(1)
	go s.readLoop(ctx)
	return nil
}

// Addr 返回实际监听地址
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop 关闭套接字并等待读循环结束
func (s *UDPServer) Stop() error {
	var err error
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.wg.Wait()
	return err
}

func (s *UDPServer) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, s.maxDatagram)
	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("UDP 读取失败", "error", err)
			continue
		}
		if n <= 0 {
			continue
		}
		if n == len(buf) {
			s.logger.Debug("数据报可能被截断", "remote_addr", addr.String(), "bytes", n)
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handler(payload)
	}
}
