package order

// State tracks the lifecycle of an order.
type State uint32

const (
	StateCreated State = iota
	StatePreTradeCheck
	StatePendingSubmit
	StateSubmitted
	StateAcknowledged
	StatePartiallyFilled
	StateFilled
	StatePendingCancel
	StateCancelled
	StateRejected
	StateExpired
	StateError
	stateCount
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StatePreTradeCheck:
		return "PRE_TRADE_CHECK"
	case StatePendingSubmit:
		return "PENDING_SUBMIT"
	case StateSubmitted:
		return "SUBMITTED"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StateFilled:
		return "FILLED"
	case StatePendingCancel:
		return "PENDING_CANCEL"
	case StateCancelled:
		return "CANCELLED"
	case StateRejected:
		return "REJECTED"
	case StateExpired:
		return "EXPIRED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired, StateError:
		return true
	default:
		return false
	}
}

// Open reports whether the order may be resting at the venue.
func (s State) Open() bool {
	switch s {
	case StateSubmitted, StateAcknowledged, StatePartiallyFilled, StatePendingCancel:
		return true
	default:
		return false
	}
}

// Event drives a state transition.
type Event uint8

const (
	EventCheck Event = iota
	EventApprove
	EventSend
	EventAck
	EventPartialFill
	EventFill
	EventCancelRequest
	EventCancelled
	EventReject
	EventExpire
	EventFail
	eventCount
)

func (e Event) String() string {
	switch e {
	case EventCheck:
		return "CHECK"
	case EventApprove:
		return "APPROVE"
	case EventSend:
		return "SEND"
	case EventAck:
		return "ACK"
	case EventPartialFill:
		return "PARTIAL_FILL"
	case EventFill:
		return "FILL"
	case EventCancelRequest:
		return "CANCEL_REQUEST"
	case EventCancelled:
		return "CANCELLED"
	case EventReject:
		return "REJECT"
	case EventExpire:
		return "EXPIRE"
	case EventFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

const invalid = stateCount

// transitions is the single source of truth for the lifecycle.
var transitions = buildTransitions()

func buildTransitions() [stateCount][eventCount]State {
	var t [stateCount][eventCount]State
	for s := range t {
		for e := range t[s] {
			t[s][e] = invalid
		}
	}

	t[StateCreated][EventCheck] = StatePreTradeCheck
	t[StatePreTradeCheck][EventApprove] = StatePendingSubmit
	t[StatePendingSubmit][EventSend] = StateSubmitted
	t[StateSubmitted][EventAck] = StateAcknowledged

	// a fill may beat the venue ack
	for _, s := range []State{StateSubmitted, StateAcknowledged, StatePartiallyFilled} {
		t[s][EventPartialFill] = StatePartiallyFilled
		t[s][EventFill] = StateFilled
	}
	// fills racing a cancel keep the cancel pending or complete the order
	t[StatePendingCancel][EventPartialFill] = StatePendingCancel
	t[StatePendingCancel][EventFill] = StateFilled

	t[StateAcknowledged][EventCancelRequest] = StatePendingCancel
	t[StatePartiallyFilled][EventCancelRequest] = StatePendingCancel
	t[StatePendingCancel][EventCancelled] = StateCancelled

	for s := State(0); s < stateCount; s++ {
		if s.Terminal() {
			continue
		}
		t[s][EventReject] = StateRejected
		t[s][EventExpire] = StateExpired
		t[s][EventFail] = StateError
	}
	return t
}

// Transition returns the state reached from from on ev, or false if the
// transition is illegal.
func Transition(from State, ev Event) (State, bool) {
	if from >= stateCount || ev >= eventCount {
		return from, false
	}
	to := transitions[from][ev]
	if to == invalid {
		return from, false
	}
	return to, true
}
