package event

import (
	"sync"
	"time"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	ParcelInducted   EventType = "ParcelInducted"   // 包裹上线，已分配供包序号
	SlotAssigned     EventType = "SlotAssigned"     // 路由完成，已确定格口
	ParcelSorted     EventType = "ParcelSorted"     // PLC 反馈落格
	ParcelFailed     EventType = "ParcelFailed"     // PLC 反馈分拣失败
	ParcelOrphaned   EventType = "ParcelOrphaned"   // 落格反馈找不到对应单号
	SlotStateChanged EventType = "SlotStateChanged" // 格口锁定/解锁或绑定包牌
	LinkUp           EventType = "LinkUp"           // PLC 链路连通
	LinkDown         EventType = "LinkDown"         // PLC 链路断开
	LoginSucceeded   EventType = "LoginSucceeded"   // 接口登录成功
	LoginFailed      EventType = "LoginFailed"      // 接口登录失败
	RequestFailed    EventType = "RequestFailed"    // 接口请求最终失败
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type   EventType `json:"type"`
	Code   string    `json:"code,omitempty"`   // 运单号
	Tag    string    `json:"tag,omitempty"`    // 线体周期标签或包牌号
	Slot   int       `json:"slot"`             // 格口号
	Link   string    `json:"link,omitempty"`   // PLC 链路名称
	Detail string    `json:"detail,omitempty"` // 补充说明，例如失败原因或请求地址
	Time   time.Time `json:"time"`
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll 为多个事件类型注册同一个处理器
func (b *Bus) SubscribeAll(handler Handler, types ...EventType) {
	for _, t := range types {
		b.Subscribe(t, handler)
	}
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// 处理器在独立的 goroutine 中执行，发布方不会被阻塞
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[e.Type] {
		go handler(e)
	}
}
