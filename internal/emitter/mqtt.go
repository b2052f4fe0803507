// Package emitter 将业务事件外发到 MQTT，供 MES 和看板订阅
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"parcel-sorter/internal/config"
	"parcel-sorter/internal/event"
)

var ErrNotConnected = errors.New("mqtt not connected")

// publisher 是 mqtt.Client 中发布所需的部分
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter 以 <prefix>/<事件类型> 为主题发布 JSON 事件
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	pub    publisher
	logger *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64 // 按主题计数
	errors    uint64
	connected bool
}

// NewMQTTEmitter 创建发布器，Connect 之前不会发出任何消息
func NewMQTTEmitter(cfg config.MQTTConfig, logger *slog.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger.With("component", "mqtt"),
		published: make(map[string]uint64),
	}
}

// Enabled 未配置 broker 时整个外发关闭
func (e *MQTTEmitter) Enabled() bool { return e.cfg.Broker != "" }

// Connect 连接 broker，断线后由客户端自动重连
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("MQTT 已连接", "broker", broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("MQTT 连接断开，等待自动重连", "error", err, "broker", broker)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish 发布一条事件
func (e *MQTTEmitter) Publish(ev event.Event) error {
	if !e.isConnected() || e.pub == nil {
		e.countError()
		return ErrNotConnected
	}

	topic := fmt.Sprintf("%s/%s", strings.TrimSuffix(e.cfg.TopicPrefix, "/"), ev.Type)
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.pub.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("事件已外发", "topic", topic, "size", len(payload))
	return nil
}

// Disconnect 关闭连接
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("MQTT 已断开")
	}
	e.setConnected(false)
}

// Stats 外发统计
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
