package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hewenyu/conreg/internal/config"
)

// ErrTooManyWatches 同一客户端IP的并发长轮询超过上限
var ErrTooManyWatches = errors.New("coordinator: too many concurrent watches from client")

type watchKey struct {
	namespaceID string
	configID    string
}

// Watcher 一个已登记的配置观察者。
// C在配置变更应用后收到新md5；用完必须Close释放配额。
type Watcher struct {
	C      <-chan string
	cancel func()
}

// Close 注销观察者并释放客户端配额
func (w *Watcher) Close() {
	w.cancel()
}

// WatchHub 管理配置长轮询。
// 每个被挂起的请求登记一个观察者，配置变更应用后收到新md5被唤醒；
// 观察者先登记后比对md5，变更不会落在比对与挂起之间的缝隙里。
type WatchHub struct {
	cfg    *config.Config
	logger config.Logger

	mu        sync.Mutex
	watchers  map[watchKey]map[string]chan string
	perClient map[string]int
}

// NewWatchHub 创建长轮询中心
func NewWatchHub(cfg *config.Config, logger config.Logger) *WatchHub {
	return &WatchHub{
		cfg:       cfg,
		logger:    logger,
		watchers:  map[watchKey]map[string]chan string{},
		perClient: map[string]int{},
	}
}

// NotifyChange 配置变更后由状态机回调，唤醒该键上的全部观察者。
// 至少一次投递；客户端以md5比对幂等去重。
func (h *WatchHub) NotifyChange(namespaceID, configID, md5 string) {
	key := watchKey{namespaceID, configID}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers[key] {
		select {
		case ch <- md5:
		default:
		}
	}
}

// Register 登记一个观察者。超出客户端配额时返回ErrTooManyWatches。
func (h *WatchHub) Register(clientIP, namespaceID, configID string) (*Watcher, error) {
	key := watchKey{namespaceID, configID}
	id := uuid.NewString()
	ch := make(chan string, 1)

	h.mu.Lock()
	if h.perClient[clientIP] >= h.cfg.Watch.MaxPerClient {
		h.mu.Unlock()
		return nil, ErrTooManyWatches
	}
	h.perClient[clientIP]++
	watchers, ok := h.watchers[key]
	if !ok {
		watchers = map[string]chan string{}
		h.watchers[key] = watchers
	}
	watchers[id] = ch
	h.mu.Unlock()

	return &Watcher{
		C: ch,
		cancel: func() {
			h.mu.Lock()
			if watchers, ok := h.watchers[key]; ok {
				delete(watchers, id)
				if len(watchers) == 0 {
					delete(h.watchers, key)
				}
			}
			h.perClient[clientIP]--
			if h.perClient[clientIP] <= 0 {
				delete(h.perClient, clientIP)
			}
			h.mu.Unlock()
		},
	}, nil
}

// ClampTimeout 把客户端请求的超时限制在服务端允许范围内
func (h *WatchHub) ClampTimeout(requested time.Duration) time.Duration {
	def := time.Duration(h.cfg.Watch.DefaultTimeoutMs) * time.Millisecond
	max := time.Duration(h.cfg.Watch.MaxTimeoutMs) * time.Millisecond
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}
