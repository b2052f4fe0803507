// Package ring 提供单生产者/单消费者的有界环形缓冲。
//
// head 和 tail 都是自由递增的无符号计数，只在索引数组时取掩码；
// 写满时 TryPush 立即返回 false 并累计丢弃数，从不阻塞生产者。
package ring

import "sync/atomic"

// Ring 固定容量的 SPSC 环形缓冲
// 同一实例只允许一个生产者协程和一个消费者协程
type Ring[T any] struct {
	buf     []T
	mask    uint64
	head    atomic.Uint64 // 消费位置，只由消费者推进
	tail    atomic.Uint64 // 生产位置，只由生产者推进
	dropped atomic.Uint64
}

// New 创建容量为 capacity 向上取 2 的幂 (至少为 2) 的缓冲
func New[T any](capacity int) *Ring[T] {
	size := uint64(2)
	for size < uint64(max(capacity, 2)) {
		size <<= 1
	}
	return &Ring[T]{
		buf:  make([]T, size),
		mask: size - 1,
	}
}

// TryPush 写入一个元素，缓冲已满时返回 false
func (r *Ring[T]) TryPush(v T) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// PopBulk 取出至多 len(out) 个元素写入 out，返回实际数量
func (r *Ring[T]) PopBulk(out []T) int {
	head := r.head.Load()
	tail := r.tail.Load()
	n := min(tail-head, uint64(len(out)))
	var zero T
	for i := uint64(0); i < n; i++ {
		idx := (head + i) & r.mask
		out[i] = r.buf[idx]
		r.buf[idx] = zero
	}
	r.head.Store(head + n)
	return int(n)
}

// Len 当前积压数量，仅作观测用
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap 实际容量
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Dropped 因缓冲已满而被丢弃的累计数量
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }
