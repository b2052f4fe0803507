package ring

import (
	"context"
	"time"

	"parcel-sorter/internal/metrics"
)

// Worker 消费一个环形缓冲：批量取出后交给 Handle，空闲时短暂休眠
type Worker[T any] struct {
	Name      string        // 用于监控标签
	Ring      *Ring[T]
	BatchSize int           // 每批上限，默认 256
	IdleSleep time.Duration // 空闲休眠，默认 2ms
	Handle    func(batch []T)
}

// Run 循环消费直到 ctx 取消
// 返回值始终为 nil，便于放入 errgroup
func (w *Worker[T]) Run(ctx context.Context) error {
	batch := w.BatchSize
	if batch <= 0 {
		batch = 256
	}
	idle := w.IdleSleep
	if idle <= 0 {
		idle = 2 * time.Millisecond
	}

	buf := make([]T, batch)
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		n := w.Ring.PopBulk(buf)
		metrics.RingDepth.WithLabelValues(w.Name).Set(float64(w.Ring.Len()))
		metrics.RingDropped.WithLabelValues(w.Name).Set(float64(w.Ring.Dropped()))
		if n > 0 {
			w.Handle(buf[:n])
			clear(buf[:n])
			continue
		}

		timer.Reset(idle)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}
