// ring.go — 每会话定容事件环, 持久化降级时的兜底。
package events

// eventRing 固定容量的事件环。非并发安全, 由 Store.mu 保护。
type eventRing struct {
	buf   []Event
	next  int
	count int
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = 200
	}
	return &eventRing{buf: make([]Event, size)}
}

// push 覆盖式追加。
func (r *eventRing) push(ev Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// tail 按时间序返回最近 limit 条。
func (r *eventRing) tail(limit int) []Event {
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Event, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
