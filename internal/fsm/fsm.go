package fsm

import (
	"fmt"
	"sync"
)

// State 定义包裹在分拣线上的状态
type State string

// Event 定义驱动状态变化的事件
type Event string

const (
	StateCreated  State = "CREATED"  // 已扫码，尚未分配序号
	StateInducted State = "INDUCTED" // 已上线，等待路由
	StateRouted   State = "ROUTED"   // 已下发格口
	StateSorted   State = "SORTED"   // 已落格
	StateFailed   State = "FAILED"   // PLC 报告失败
)

const (
	EventInduct Event = "INDUCT"
	EventRoute  Event = "ROUTE"
	EventUnload Event = "UNLOAD"
	EventFail   Event = "FAIL"
)

// ErrInvalidTransition 非法状态转移
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: cannot fire event %s from state %s", e.Event, e.From)
}

// transitions 状态转移表: CurrentState -> Event -> NextState
// 所有包裹共享同一张表
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventInduct: StateInducted,
	},
	StateInducted: {
		EventRoute:  StateRouted,
		EventUnload: StateSorted, // 格口结果未返回前 PLC 已落格
		EventFail:   StateFailed,
	},
	StateRouted: {
		EventRoute:  StateRouted, // 重新路由
		EventUnload: StateSorted,
		EventFail:   StateFailed,
	},
}

// FSM 单个包裹的有限状态机
type FSM struct {
	mu        sync.Mutex
	current   State
	callbacks map[State]func(targetID string)
	TargetID  string // 关联的运单号
}

// NewFSM 创建处于 CREATED 状态的状态机
func NewFSM(targetID string) *FSM {
	return &FSM{
		current:   StateCreated,
		TargetID:  targetID,
		callbacks: make(map[State]func(string)),
	}
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Terminal 是否已到终态
func (f *FSM) Terminal() bool {
	s := f.Current()
	return s == StateSorted || s == StateFailed
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback func(targetID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// Fire 触发事件，返回转移前后的状态
// 回调在锁外同步执行，回调中可以再次调用 Fire
func (f *FSM) Fire(event Event) (State, State, error) {
	f.mu.Lock()
	prev := f.current
	next, ok := transitions[prev][event]
	if !ok {
		f.mu.Unlock()
		return prev, prev, &ErrInvalidTransition{From: prev, Event: event}
	}
	f.current = next
	cb := f.callbacks[next]
	f.mu.Unlock()

	if cb != nil {
		cb(f.TargetID)
	}
	return prev, next, nil
}
