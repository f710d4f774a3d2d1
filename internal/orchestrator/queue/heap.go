package queue

import (
	"container/heap"
	"sort"
	"time"

	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// queuedTask is one entry in a per-agent priority heap.
type queuedTask struct {
	taskID   string
	priority v1.TaskPriority
	created  time.Time
	index    int // index in the heap, maintained by container/heap
}

// taskHeap implements heap.Interface. Lower priority value wins; ties break
// on earlier creation time.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].created.Before(h[j].created)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// agentQueue is the ready set for one agent plus a wakeup channel for
// blocked consumers.
type agentQueue struct {
	heap    taskHeap
	entries map[string]*queuedTask // by task id, for O(log n) remove
	notify  chan struct{}
}

func newAgentQueue() *agentQueue {
	aq := &agentQueue{
		entries: make(map[string]*queuedTask),
		notify:  make(chan struct{}, 1),
	}
	heap.Init(&aq.heap)
	return aq
}

func (aq *agentQueue) push(taskID string, priority v1.TaskPriority, created time.Time) {
	if _, exists := aq.entries[taskID]; exists {
		return
	}
	entry := &queuedTask{taskID: taskID, priority: priority, created: created}
	heap.Push(&aq.heap, entry)
	aq.entries[taskID] = entry
	select {
	case aq.notify <- struct{}{}:
	default:
	}
}

func (aq *agentQueue) pop() (string, bool) {
	if len(aq.heap) == 0 {
		return "", false
	}
	entry := heap.Pop(&aq.heap).(*queuedTask)
	delete(aq.entries, entry.taskID)
	return entry.taskID, true
}

// peek returns the next task id without removing it.
func (aq *agentQueue) peek() (string, bool) {
	if len(aq.heap) == 0 {
		return "", false
	}
	return aq.heap[0].taskID, true
}

func (aq *agentQueue) remove(taskID string) bool {
	entry, exists := aq.entries[taskID]
	if !exists {
		return false
	}
	heap.Remove(&aq.heap, entry.index)
	delete(aq.entries, taskID)
	return true
}

func (aq *agentQueue) len() int { return len(aq.heap) }

// ordered returns the queued task ids in dispatch order. Used for the ready
// list snapshots in the sidecar; the heap itself is only partially ordered.
func (aq *agentQueue) ordered() []string {
	entries := make([]*queuedTask, len(aq.heap))
	copy(entries, aq.heap)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].created.Before(entries[j].created)
	})
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.taskID
	}
	return ids
}
