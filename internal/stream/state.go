package stream

// SessionState はカメラセッションの状態
type SessionState int

const (
	StateInitializing SessionState = iota
	StateStreaming
	StateRecovering
	StateTestFallback
	StateClosed
)

var stateNames = map[SessionState]string{
	StateInitializing: "initializing",
	StateStreaming:    "streaming",
	StateRecovering:   "recovering",
	StateTestFallback: "test_fallback",
	StateClosed:       "closed",
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText は状態名で文字列化する
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition は許可された状態遷移かを返す
func canTransition(from, to SessionState) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	switch from {
	case StateInitializing:
		return to == StateStreaming || to == StateTestFallback
	case StateStreaming:
		// 再設定によるソース切り替えはINITIALIZINGを経由する
		return to == StateRecovering || to == StateInitializing
	case StateRecovering:
		return to == StateStreaming || to == StateTestFallback
	case StateTestFallback:
		return to == StateInitializing
	}
	return false
}
