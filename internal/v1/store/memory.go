package store

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/anontalk/relay/internal/v1/logging"
	"go.uber.org/zap"
)

// subscriberBuffer bounds the per-subscriber delivery queue. Fan-out is
// best-effort; overflow drops the payload rather than blocking a publisher.
const subscriberBuffer = 256

type memorySubscriber struct {
	ch chan []byte
}

// Memory is the process-private Backend. Key TTLs are honored by a ttlcache
// under the hood; lists and sets live behind a single coordinating lock, which
// also makes Tx atomic with respect to every other operation.
type Memory struct {
	mu    sync.Mutex
	kv    *ttlcache.Cache[string, string]
	lists map[string][]string
	sets  map[string]map[string]struct{}

	subMu  sync.Mutex
	subs   map[string]map[*memorySubscriber]struct{}
	closed bool
}

// NewMemory creates the in-process backend and starts its TTL janitor.
func NewMemory() *Memory {
	kv := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go kv.Start()

	return &Memory{
		kv:    kv,
		lists: make(map[string][]string),
		sets:  make(map[string]map[string]struct{}),
		subs:  make(map[string]map[*memorySubscriber]struct{}),
	}
}

func ttlOrNone(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.kv.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Set(key, value, ttlOrNone(ttl))
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item := m.kv.Get(key); item != nil && !item.IsExpired() {
		return false, nil
	}
	m.kv.Set(key, value, ttlOrNone(ttl))
	return true, nil
}

func (m *Memory) GetDel(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.kv.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	v := item.Value()
	m.kv.Delete(key)
	return v, true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.kv.Delete(key)
	}
	return nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lpushLocked(key, values...)
	return nil
}

func (m *Memory) lpushLocked(key string, values ...string) {
	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
}

func (m *Memory) RPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	v := list[len(list)-1]
	m.lists[key] = list[:len(list)-1]
	return v, true, nil
}

func (m *Memory) LRem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lremLocked(key, value)
	return nil
}

func (m *Memory) lremLocked(key, value string) {
	list := m.lists[key]
	kept := list[:0]
	for _, v := range list {
		if v != value {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(m.lists, key)
		return
	}
	m.lists[key] = kept
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saddLocked(key, members...)
	return nil
}

func (m *Memory) saddLocked(key string, members ...string) {
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sremLocked(key, members...)
	return nil
}

func (m *Memory) sremLocked(key string, members ...string) {
	set, ok := m.sets[key]
	if !ok {
		return
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

// memoryPipe records writes, applied later under the coordinating lock.
type memoryPipe struct {
	ops []func(*Memory)
}

func (p *memoryPipe) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func(m *Memory) { m.kv.Set(key, value, ttlOrNone(ttl)) })
}

func (p *memoryPipe) Del(keys ...string) {
	p.ops = append(p.ops, func(m *Memory) {
		for _, key := range keys {
			m.kv.Delete(key)
		}
	})
}

func (p *memoryPipe) LPush(key string, values ...string) {
	p.ops = append(p.ops, func(m *Memory) { m.lpushLocked(key, values...) })
}

func (p *memoryPipe) LRem(key, value string) {
	p.ops = append(p.ops, func(m *Memory) { m.lremLocked(key, value) })
}

func (p *memoryPipe) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(m *Memory) { m.saddLocked(key, members...) })
}

func (p *memoryPipe) SRem(key string, members ...string) {
	p.ops = append(p.ops, func(m *Memory) { m.sremLocked(key, members...) })
}

// Tx queues writes via the Pipe and applies them in one critical section.
func (m *Memory) Tx(_ context.Context, fn func(Pipe)) error {
	pipe := &memoryPipe{}
	fn(pipe)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range pipe.ops {
		op(m)
	}
	return nil
}

// Publish fans the payload out to every local subscriber of the channel.
// Delivery preserves per-subscriber ordering and never blocks the publisher.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.Lock()
	subs := make([]*memorySubscriber, 0, len(m.subs[channel]))
	for sub := range m.subs[channel] {
		subs = append(subs, sub)
	}
	m.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
			logging.Warn(context.Background(), "Dropping pub/sub payload - subscriber queue full", zap.String("channel", channel))
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func([]byte)) {
	sub := &memorySubscriber{ch: make(chan []byte, subscriberBuffer)}

	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscriber]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	m.subMu.Unlock()

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() {
			m.subMu.Lock()
			delete(m.subs[channel], sub)
			if len(m.subs[channel]) == 0 {
				delete(m.subs, channel)
			}
			m.subMu.Unlock()
			if wg != nil {
				wg.Done()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(payload)
			}
		}
	}()
}

func (m *Memory) Ping(_ context.Context) error {
	return nil
}

// Close stops the TTL janitor. Subscribers are detached by their contexts.
func (m *Memory) Close() error {
	m.subMu.Lock()
	m.closed = true
	m.subMu.Unlock()

	m.kv.Stop()
	return nil
}
