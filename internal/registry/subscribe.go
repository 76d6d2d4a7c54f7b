package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hewenyu/conreg/pkg/model"
)

// Subscription 是一个服务变更订阅。
// 每次成员或状态变化时Events收到最新实例快照；
// 通道容量为1，慢消费者只保留最新一版。
type Subscription struct {
	ID     string
	Events <-chan []*model.ServiceInstance
	cancel func()
}

// Cancel 取消订阅
func (s *Subscription) Cancel() {
	s.cancel()
}

type subKey struct {
	namespaceID string
	serviceID   string
}

// subscriptionHub 维护 (namespace, service) 到订阅者的索引
type subscriptionHub struct {
	mu   sync.Mutex
	subs map[subKey]map[string]chan []*model.ServiceInstance
}

func newSubscriptionHub() *subscriptionHub {
	return &subscriptionHub{subs: map[subKey]map[string]chan []*model.ServiceInstance{}}
}

// Subscribe 登记一个订阅者
func (h *subscriptionHub) Subscribe(namespaceID, serviceID string) *Subscription {
	key := subKey{namespaceID, serviceID}
	id := uuid.NewString()
	ch := make(chan []*model.ServiceInstance, 1)

	h.mu.Lock()
	watchers, ok := h.subs[key]
	if !ok {
		watchers = map[string]chan []*model.ServiceInstance{}
		h.subs[key] = watchers
	}
	watchers[id] = ch
	h.mu.Unlock()

	return &Subscription{
		ID:     id,
		Events: ch,
		cancel: func() {
			h.mu.Lock()
			if watchers, ok := h.subs[key]; ok {
				delete(watchers, id)
				if len(watchers) == 0 {
					delete(h.subs, key)
				}
			}
			h.mu.Unlock()
		},
	}
}

// Notify 向订阅者投递最新快照。至少一次语义：
// 通道已满时覆盖为最新一版。
func (h *subscriptionHub) Notify(namespaceID, serviceID string, snapshot []*model.ServiceInstance) {
	key := subKey{namespaceID, serviceID}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[key] {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// Subscribe 订阅服务变更，长轮询处理器消费Events
func (e *Engine) Subscribe(namespaceID, serviceID string) *Subscription {
	return e.hub.Subscribe(namespaceID, serviceID)
}
