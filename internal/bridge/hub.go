// hub.go — 渲染事件总线: 快照、通知广播给 SSE / WebSocket 客户端。
package bridge

import (
	"sync"

	"github.com/multi-agent/answer-stream/internal/timeline"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

// 事件类型。
const (
	EventSnapshot = "snapshot"
	EventNotice   = "notice"
	EventPromote  = "promote"
	EventPing     = "ping"
)

const subscriberBuffer = 32

// Event 推送给渲染端的一条事件。
type Event struct {
	Type     string `json:"type"`
	Revision uint64 `json:"revision,omitempty"`
	Data     any    `json:"data"`
}

// Hub 事件总线。
//
// 快照回调可能乱序到达 (回调在控制器锁外执行), Hub 只转发 revision 更大的快照,
// 并缓存最新一份给新订阅者。
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	latest      *timeline.Snapshot
}

// NewHub 创建事件总线。
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan Event)}
}

// Publish 广播事件。订阅者跟不上时丢弃该事件。
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastLocked(ev)
}

func (h *Hub) broadcastLocked(ev Event) {
	for id, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			logger.Warn("bridge: subscriber channel full, dropping event",
				logger.FieldClient, id, "event", ev.Type)
		}
	}
}

// PublishSnapshot 广播快照; revision 不大于已发布版本时丢弃并返回 false。
func (h *Hub) PublishSnapshot(snap timeline.Snapshot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest != nil && snap.Revision <= h.latest.Revision {
		return false
	}
	h.latest = &snap
	h.broadcastLocked(snapshotEvent(snap))
	return true
}

// Latest 返回最近发布的快照。
func (h *Hub) Latest() (timeline.Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return timeline.Snapshot{}, false
	}
	return *h.latest, true
}

// Subscribe 订阅; 已有快照时先投递最新快照。
func (h *Hub) Subscribe(id string) chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if h.latest != nil {
		ch <- snapshotEvent(*h.latest)
	}
	h.subscribers[id] = ch
	return ch
}

// Unsubscribe 取消订阅。
//
// 不关闭 ch: 读取方通过自身 ctx 退出。
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	h.mu.Unlock()
}

// Subscribers 当前订阅数。
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func snapshotEvent(snap timeline.Snapshot) Event {
	return Event{Type: EventSnapshot, Revision: snap.Revision, Data: snap}
}
