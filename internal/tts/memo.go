package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Memo remembers the output path of every successful synthesis for the
// lifetime of the process. With maxEntries == 0 the table grows without
// bound, which is only safe for demo-sized workloads; a positive bound
// evicts the least recently used entry.
type Memo struct {
	mu      sync.Mutex
	entries map[string]string
	bounded *lru.Cache[string, string]
	group   singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewMemo(maxEntries int) (*Memo, error) {
	m := &Memo{}
	if maxEntries > 0 {
		cache, err := lru.New[string, string](maxEntries)
		if err != nil {
			return nil, fmt.Errorf("create memo cache: %w", err)
		}
		m.bounded = cache
		return m, nil
	}
	m.entries = make(map[string]string)
	return m, nil
}

// MemoKey hashes the inputs that identify one synthesis.
func MemoKey(parts ...string) string {
	return hashKey(parts...)
}

// Do returns the remembered path for key, or calls fn once and remembers a
// successful result. Concurrent callers with the same key share one call and
// count as hits. A caller whose shared call was cancelled by another
// caller's context retries with its own fn while ctx is still live.
func (m *Memo) Do(ctx context.Context, key string, fn func() (string, error)) (path string, hit bool, err error) {
	for {
		if path, ok := m.lookup(key); ok {
			m.hits.Add(1)
			return path, true, nil
		}
		var ran atomic.Bool
		ch := m.group.DoChan(key, func() (any, error) {
			if path, ok := m.lookup(key); ok {
				return path, nil
			}
			ran.Store(true)
			m.misses.Add(1)
			path, err := fn()
			if err != nil {
				return "", err
			}
			m.store(key, path)
			return path, nil
		})

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case res := <-ch:
			led := ran.Load()
			if res.Err != nil {
				if !led && isContextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return "", false, res.Err
			}
			if !led {
				m.hits.Add(1)
			}
			return res.Val.(string), !led, nil
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (m *Memo) lookup(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bounded != nil {
		return m.bounded.Get(key)
	}
	path, ok := m.entries[key]
	return path, ok
}

func (m *Memo) store(key, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bounded != nil {
		m.bounded.Add(key, path)
		return
	}
	m.entries[key] = path
}

// Len reports the number of remembered entries.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bounded != nil {
		return m.bounded.Len()
	}
	return len(m.entries)
}

// Hits reports how many calls were answered from the table.
func (m *Memo) Hits() int64 { return m.hits.Load() }

// Misses reports how many calls reached the backend.
func (m *Memo) Misses() int64 { return m.misses.Load() }
