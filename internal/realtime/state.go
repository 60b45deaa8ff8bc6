package realtime

// State は接続の状態を表す。
type State int

const (
	// StateConnecting は接続要求を受け取った直後の状態。
	StateConnecting State = iota + 1
	// StateVerifying は資格情報の検証中の状態。
	StateVerifying
	// StateAdmitted は検証に成功し、登録された状態。
	StateAdmitted
	// StateActive はハンドラがメッセージを処理している状態。
	StateActive
	// StateClosed は登録が解除された終端状態。
	StateClosed
	// StateRejected は検証に失敗した、または検証中にクライアントが離脱した終端状態。
	StateRejected
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateVerifying:
		return "Verifying"
	case StateAdmitted:
		return "Admitted"
	case StateActive:
		return "Active"
	case StateClosed:
		return "Closed"
	case StateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}
