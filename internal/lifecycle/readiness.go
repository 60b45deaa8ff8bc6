package lifecycle

import "sync/atomic"

// Readiness は依存関係（永続化層）の準備状態を表す。
type Readiness int32

const (
	// NotReady は接続を試みていない状態。
	NotReady Readiness = iota
	// Ready は接続と確認が完了した状態。
	Ready
	// Failed は接続に失敗した状態。
	Failed
	// Skipped は設定により接続を省略した状態（縮退モード）。
	Skipped
)

// String は状態名を返す。
func (r Readiness) String() string {
	switch r {
	case NotReady:
		return "NotReady"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// readinessState は NotReady から一度だけ遷移する準備状態。
type readinessState struct {
	v atomic.Int32
}

// transition は NotReady から to へ遷移する。既に遷移済みの場合は何もせずfalseを返す。
func (s *readinessState) transition(to Readiness) bool {
	return s.v.CompareAndSwap(int32(NotReady), int32(to))
}

func (s *readinessState) load() Readiness {
	return Readiness(s.v.Load())
}
