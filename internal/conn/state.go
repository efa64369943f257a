package conn

import (
	"fmt"

	"go.uber.org/atomic"
)

// State 连接生命周期状态
type State int32

const (
	StateIdle       State = iota // 初始状态
	StateConnecting              // 正在建立连接
	StateConnected               // 已连接，可收发数据
	StateError                   // 连接异常，可重新发起连接
	StateClosed                  // 已关闭，终态
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event 状态机事件
type Event int

const (
	EventStartConnection Event = iota
	EventConnectionEstablished
	EventDataReceived
	EventConnectionLost
	EventProtocolError
	EventClose
)

// String 返回事件名称
func (e Event) String() string {
	switch e {
	case EventStartConnection:
		return "start_connection"
	case EventConnectionEstablished:
		return "connection_established"
	case EventDataReceived:
		return "data_received"
	case EventConnectionLost:
		return "connection_lost"
	case EventProtocolError:
		return "protocol_error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// InvalidTransitionError 非法状态迁移
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s in state %s", e.Event, e.From)
}

// StateMachine 连接状态机，无锁，可在多个协程中读取
type StateMachine struct {
	state    atomic.Int32
	observer func(from, to State, ev Event)
}

// NewStateMachine 创建状态机，初始为 Idle
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// OnTransition 设置状态迁移回调，需在使用前设置
func (m *StateMachine) OnTransition(fn func(from, to State, ev Event)) {
	m.observer = fn
}

// State 当前状态
func (m *StateMachine) State() State {
	return State(m.state.Load())
}

// HandleEvent 处理事件，非法迁移返回 *InvalidTransitionError
func (m *StateMachine) HandleEvent(ev Event) error {
	for {
		from := m.State()
		to, ok := next(from, ev)
		if !ok {
			return &InvalidTransitionError{From: from, Event: ev}
		}
		if m.state.CompareAndSwap(int32(from), int32(to)) {
			if m.observer != nil && from != to {
				m.observer(from, to, ev)
			}
			return nil
		}
	}
}

// CanSendData 仅在已连接时可发送数据
func (m *StateMachine) CanSendData() bool {
	return m.State() == StateConnected
}

// CanProcessData 仅在已连接时可处理数据
func (m *StateMachine) CanProcessData() bool {
	return m.State() == StateConnected
}

// next 迁移表
func next(from State, ev Event) (State, bool) {
	switch ev {
	case EventStartConnection:
		if from != StateClosed {
			return StateConnecting, true
		}
	case EventConnectionEstablished:
		if from == StateConnecting {
			return StateConnected, true
		}
	case EventDataReceived:
		if from == StateConnected {
			return StateConnected, true
		}
	case EventConnectionLost, EventProtocolError:
		if from != StateClosed {
			return StateError, true
		}
	case EventClose:
		return StateClosed, true
	}
	return from, false
}
