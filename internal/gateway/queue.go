package gateway

// requestQueue 实现了 heap.Interface，优先级高的先出，同优先级按入队顺序
type requestQueue []*Request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

// Push 向队列中添加元素
func (q *requestQueue) Push(x any) {
	*q = append(*q, x.(*Request))
}

// Pop 移除并返回堆尾元素
func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	*q = old[:n-1]
	return item
}
