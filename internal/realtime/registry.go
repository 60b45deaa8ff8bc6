package realtime

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maitri/astronaut-gateway/pkg/auth"
)

// shardCount はレジストリのシャード数。
const shardCount = 32

// ErrDuplicateConnection は同じ接続IDが既に登録されていることを表す。
var ErrDuplicateConnection = errors.New("接続IDが重複しています")

// Entry は登録済みの接続。
type Entry struct {
	// ConnID は接続の一意識別子。
	ConnID string
	// Identity は接続時に検証された身元情報。
	Identity auth.Identity
	// AdmittedAt は接続を受け入れた日時。
	AdmittedAt time.Time

	evict func()
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Registry は受け入れた接続を接続IDで管理する。
// シャードごとにロックを持ち、並行する登録・解除で互いを待たせない。
type Registry struct {
	shards [shardCount]shard
	size   atomic.Int64
}

// NewRegistry は空のレジストリを生成する。
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*Entry)
	}
	return r
}

func (r *Registry) shardFor(connID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return &r.shards[h.Sum32()%shardCount]
}

// Insert は接続を登録する。同じ接続IDが登録済みの場合は ErrDuplicateConnection を返す。
func (r *Registry) Insert(e *Entry) error {
	s := r.shardFor(e.ConnID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ConnID]; ok {
		return ErrDuplicateConnection
	}
	s.entries[e.ConnID] = e
	r.size.Add(1)
	return nil
}

// Remove は接続の登録を解除する。未登録の場合は何もせずfalseを返す。
func (r *Registry) Remove(connID string) bool {
	s := r.shardFor(connID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[connID]; !ok {
		return false
	}
	delete(s.entries, connID)
	r.size.Add(-1)
	return true
}

// Get は接続IDに対応する登録を返す。
func (r *Registry) Get(connID string) (*Entry, bool) {
	s := r.shardFor(connID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[connID]
	return e, ok
}

// Len は登録中の接続数を返す。
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Snapshot はmatchがtrueを返す登録の一覧を返す。matchがnilの場合はすべてを返す。
// 返す一覧は呼び出し時点の写しであり、以後の登録・解除は反映されない。
func (r *Registry) Snapshot(match func(*Entry) bool) []*Entry {
	var out []*Entry
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			if match == nil || match(e) {
				out = append(out, e)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
