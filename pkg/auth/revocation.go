package auth

import (
	"context"
	"sync"
	"time"
)

// RevocationStore は失効済みトークンID（jti）を管理する。
// 実装は並行呼び出しに対して安全でなければならない。
type RevocationStore interface {
	// Revoke はjtiをuntilまで失効済みとして記録する。
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	// IsRevoked はjtiが失効済みかどうかを返す。
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevocations はプロセス内メモリで失効情報を保持する RevocationStore。
// 単一インスタンス構成や開発環境で使用する。
type MemoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocations は新しい MemoryRevocations を生成する。
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke はjtiをuntilまで失効済みとして記録する。untilが過去の場合は何もしない。
func (m *MemoryRevocations) Revoke(_ context.Context, tokenID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	if !until.After(now) {
		return nil
	}
	m.entries[tokenID] = until
	return nil
}

// IsRevoked はjtiが失効済みかどうかを返す。
func (m *MemoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !until.After(m.now()) {
		delete(m.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// Len は保持している失効エントリ数を返す。
func (m *MemoryRevocations) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// pruneLocked は期限切れのエントリを削除する。m.mu を保持して呼び出すこと。
func (m *MemoryRevocations) pruneLocked(now time.Time) {
	for id, until := range m.entries {
		if !until.After(now) {
			delete(m.entries, id)
		}
	}
}
