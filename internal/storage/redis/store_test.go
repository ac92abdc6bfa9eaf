package redis

import (
	"fmt"
	"sync"
	"time"
)

// memStore 在进程内模拟存储端的原子语义：所有命令都在同一把锁
// 下执行，和服务端单线程执行脚本等价。时钟可手动推进，便于测试
// 租约与窗口过期。
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	strings  map[string]string
	counters map[string]int64
	zsets    map[string]map[string]float64
	expiry   map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Now(),
		strings:  make(map[string]string),
		counters: make(map[string]int64),
		zsets:    make(map[string]map[string]float64),
		expiry:   make(map[string]time.Time),
	}
}

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func (s *memStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *memStore) purgeLocked(key string) {
	deadline, ok := s.expiry[key]
	if !ok || s.now.Before(deadline) {
		return
	}
	delete(s.strings, key)
	delete(s.counters, key)
	delete(s.zsets, key)
	delete(s.expiry, key)
}

func (s *memStore) setNX(key, value string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	if _, exists := s.strings[key]; exists {
		return false
	}
	s.strings[key] = value
	if ttl > 0 {
		s.expiry[key] = s.now.Add(ttl)
	}
	return true
}

func (s *memStore) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	return s.strings[key]
}

// eval 按脚本内容分发到对应的原子实现。
func (s *memStore) eval(script string, keys []string, args []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keys[0]
	s.purgeLocked(key)

	switch script {
	case releaseScript:
		owner := args[0].(string)
		if s.strings[key] == owner {
			delete(s.strings, key)
			delete(s.expiry, key)
			return int64(1), nil
		}
		return int64(0), nil

	case extendScript:
		owner := args[0].(string)
		if s.strings[key] == owner {
			s.expiry[key] = s.now.Add(time.Duration(toInt64(args[1])) * time.Millisecond)
			return int64(1), nil
		}
		return int64(0), nil

	case fixedWindowScript:
		limit := toInt64(args[0])
		windowSecs := toInt64(args[1])
		s.counters[key]++
		current := s.counters[key]
		if current == 1 {
			s.expiry[key] = s.now.Add(time.Duration(windowSecs) * time.Second)
		}
		if current > limit {
			return []interface{}{int64(0), current}, nil
		}
		return []interface{}{int64(1), current}, nil

	case slidingWindowScript:
		cutoff := float64(toInt64(args[0]))
		limit := toInt64(args[1])
		score := float64(toInt64(args[2]))
		member := args[3].(string)
		windowMs := toInt64(args[4])
		set := s.zsets[key]
		if set == nil {
			set = make(map[string]float64)
			s.zsets[key] = set
		}
		for m, sc := range set {
			if sc <= cutoff {
				delete(set, m)
			}
		}
		count := int64(len(set))
		if count < limit {
			set[member] = score
			s.expiry[key] = s.now.Add(time.Duration(windowMs) * time.Millisecond)
			return []interface{}{int64(1), count + 1}, nil
		}
		return []interface{}{int64(0), count}, nil

	default:
		return nil, fmt.Errorf("未知脚本: %q", script)
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		panic(fmt.Sprintf("unexpected arg type %T", v))
	}
}
