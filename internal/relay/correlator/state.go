package correlator

// State 为挂起请求的生命周期状态。Created 是唯一的非终态。
type State int32

const (
	StateCreated State = iota
	StateCompleted
	StateErrored
	StateTimedOut
	StateCancelled
)

var stateNames = map[State]string{
	StateCreated:   "created",
	StateCompleted: "completed",
	StateErrored:   "errored",
	StateTimedOut:  "timed_out",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s != StateCreated
}
