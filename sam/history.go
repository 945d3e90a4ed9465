package sam

// maskHistory 每次解码产生的低分辨率 Mask, 按解码顺序编号
type maskHistory struct {
	entries [][]float32
}

func (h *maskHistory) Len() int { return len(h.entries) }

// Append 追加一条记录, 返回其下标
func (h *maskHistory) Append(entry []float32) int {
	h.entries = append(h.entries, entry)
	return len(h.entries) - 1
}

// At 返回下标 i 的记录, 越界返回 false
func (h *maskHistory) At(i int) ([]float32, bool) {
	if i < 0 || i >= len(h.entries) {
		return nil, false
	}
	return h.entries[i], true
}

// Truncate 保留前 n 条记录
func (h *maskHistory) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if len(h.entries) <= n {
		return
	}
	clear(h.entries[n:])
	h.entries = h.entries[:n]
}

// Reset 清空记录
func (h *maskHistory) Reset() {
	h.Truncate(0)
}
