// Package summarycache stores chunk summaries keyed by a hash of their source
// content. Entries are write-once: the first stored summary for a key wins and
// later writes are ignored, so the cache can be shared across requests.
package summarycache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Cache 是内容寻址的摘要缓存。
type Cache interface {
	// Get 返回已缓存的摘要，未命中时 ok 为 false。
	Get(ctx context.Context, key string) (summary string, ok bool, err error)
	// Put 写入摘要；键已存在时保留原值。
	Put(ctx context.Context, key, summary string) error
}

// Key 计算内容的 SHA-256 键。
func Key(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Memory 是进程内的摘要缓存。
type Memory struct {
	entries sync.Map
}

// NewMemory 创建内存缓存。
func NewMemory() *Memory {
	return &Memory{}
}

var _ Cache = (*Memory)(nil)

// Get 实现 Cache。
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	value, ok := m.entries.Load(key)
	if !ok {
		return "", false, nil
	}
	return value.(string), true, nil
}

// Put 实现 Cache。
func (m *Memory) Put(_ context.Context, key, summary string) error {
	m.entries.LoadOrStore(key, summary)
	return nil
}

// Len 返回缓存条目数量。
func (m *Memory) Len() int {
	count := 0
	m.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
