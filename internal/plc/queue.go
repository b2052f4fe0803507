package plc

import (
	"strings"
	"sync"

	"parcel-sorter/internal/metrics"
)

// Delimiter 报文之间的分隔符，每条报文后各跟一个
const Delimiter = "#"

// OutboundQueue 某条链路的待发送报文队列
// 锁顺序固定为 链路锁 -> 队列锁
type OutboundQueue struct {
	link  *Link
	limit int

	mu      sync.Mutex
	pending []string
}

// NewOutboundQueue 创建发送队列，limit 为每次写入合并的最大报文数
func NewOutboundQueue(link *Link, limit int) *OutboundQueue {
	if limit <= 0 {
		limit = 5
	}
	return &OutboundQueue{link: link, limit: limit}
}

// Send 报文入队并尝试立即写出一批，每批最多 limit 条
// 链路正忙 (重连中或其他协程在写) 时直接返回，报文留在队列中
// 剩余积压由后续 Send 或链路巡检写出
func (q *OutboundQueue) Send(msg string) {
	q.mu.Lock()
	q.pending = append(q.pending, strings.TrimSuffix(msg, Delimiter))
	depth := len(q.pending)
	q.mu.Unlock()
	metrics.PLCQueueDepth.WithLabelValues(q.link.Name).Set(float64(depth))

	q.tryFlush(1)
}

// Len 队列中的报文数
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush 在拿到链路锁时分批写空队列，返回写出的报文数
func (q *OutboundQueue) Flush() int {
	return q.tryFlush(0)
}

func (q *OutboundQueue) tryFlush(batches int) int {
	if !q.link.mu.TryLock() {
		return 0
	}
	defer q.link.mu.Unlock()
	return q.flushLocked(batches)
}

// flushLocked 调用方持有链路锁；batches <= 0 时写到队列为空
func (q *OutboundQueue) flushLocked(batches int) int {
	sent := 0
	for i := 0; batches <= 0 || i < batches; i++ {
		q.mu.Lock()
		n := min(q.limit, len(q.pending))
		if n == 0 {
			q.mu.Unlock()
			break
		}
		batch := make([]string, n)
		copy(batch, q.pending[:n])
		q.pending = q.pending[n:]
		q.mu.Unlock()

		frame := strings.Join(batch, Delimiter) + Delimiter
		if err := q.link.writeLocked([]byte(frame)); err != nil {
			// 写失败放回队首，保持顺序
			q.mu.Lock()
			q.pending = append(batch, q.pending...)
			q.mu.Unlock()
			break
		}
		sent += n
		metrics.PLCMessagesSent.WithLabelValues(q.link.Name).Add(float64(n))
	}
	metrics.PLCQueueDepth.WithLabelValues(q.link.Name).Set(float64(q.Len()))
	return sent
}
