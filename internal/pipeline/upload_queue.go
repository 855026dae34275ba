package pipeline

import (
	"sync/atomic"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// ============================================================================
// UploadQueue - 無鎖多生產者單消費者佇列
// ============================================================================
//
// 生產者：完成 MESHING 的 Worker（任意數量，並發 Push）
// 消費者：渲染迴圈（單一 goroutine，每幀最多取 K 個）
//
//   head (生產者端)                        tail (消費者端)
//     │                                     │
//     ▼                                     ▼
//   [n3] ◀──next── [n2] ◀──next── [n1] ◀── [stub]
//
// Push 以 atomic Swap 取得前一個 head 再串上 next，不需要鎖。
// Push 在 Swap 與 Store(next) 之間被搶佔時，消費者暫時看不到後面的節點，
// Poll 返回空；下一幀會再看到，不會遺失。
//
// 佇列本身無界；實際的上限由消費者每幀的 drain 數量決定。
// ============================================================================

type uploadNode struct {
	next atomic.Pointer[uploadNode]
	item types.UploadItem
}

// UploadQueue 完成網格的交接佇列
type UploadQueue struct {
	head atomic.Pointer[uploadNode]
	tail *uploadNode // 只有消費者存取
	size atomic.Int64
}

// NewUploadQueue 建立空佇列
func NewUploadQueue() *UploadQueue {
	stub := &uploadNode{}
	q := &UploadQueue{tail: stub}
	q.head.Store(stub)
	return q
}

// Push 加入一個完成的網格，可由任意 goroutine 並發呼叫
func (q *UploadQueue) Push(item types.UploadItem) {
	n := &uploadNode{item: item}
	prev := q.head.Swap(n)
	prev.next.Store(n)
	q.size.Add(1)
}

// Poll 非阻塞取出最早的項目。只能由單一消費者呼叫。
func (q *UploadQueue) Poll() (types.UploadItem, bool) {
	next := q.tail.next.Load()
	if next == nil {
		return types.UploadItem{}, false
	}
	item := next.item
	next.item = types.UploadItem{}
	q.tail = next
	q.size.Add(-1)
	return item, true
}

// DrainUpTo 最多取出 k 個項目交給 fn，返回實際數量
func (q *UploadQueue) DrainUpTo(k int, fn func(types.UploadItem)) int {
	n := 0
	for n < k {
		item, ok := q.Poll()
		if !ok {
			break
		}
		fn(item)
		n++
	}
	return n
}

// Len 返回近似長度（Push 與計數之間可能有短暫落差）
func (q *UploadQueue) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
