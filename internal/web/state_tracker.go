package web

import (
	"sync"
	"time"

	"parcel-sorter/internal/event"
	"parcel-sorter/internal/fsm"
	"parcel-sorter/internal/types"
)

// maxRecent 保留的已完成包裹条数
const maxRecent = 200

// ParcelState 定义了用于 UI 展示的包裹状态
type ParcelState struct {
	Code    string    `json:"code"`
	Tag     string    `json:"tag,omitempty"`
	Slot    int       `json:"slot"`
	Status  string    `json:"status"`
	Updated time.Time `json:"updated"`
}

// GlobalState 代表整条分拣线的实时状态快照
type GlobalState struct {
	Parcels map[string]ParcelState  `json:"parcels"` // 在线包裹
	Recent  []ParcelState           `json:"recent"`  // 最近完成的包裹，新的在后
	Slots   map[int]types.SlotState `json:"slots"`
	Links   map[string]bool         `json:"links"`
	Login   string                  `json:"login"`
	Counts  map[string]int          `json:"counts"`
}

// StateTracker 负责追踪分拣线的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: GlobalState{
			Parcels: make(map[string]ParcelState),
			Slots:   make(map[int]types.SlotState),
			Links:   make(map[string]bool),
			Counts:  make(map[string]int),
			Login:   "pending",
		},
		hub: hub,
	}
}

// Apply 根据事件更新状态，并向所有客户端广播最新的全局状态
func (st *StateTracker) Apply(e event.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch e.Type {
	case event.ParcelInducted:
		st.state.Parcels[e.Code] = ParcelState{Code: e.Code, Tag: e.Tag, Slot: types.UnknownSlot, Status: string(fsm.StateInducted), Updated: e.Time}
	case event.SlotAssigned:
		p, ok := st.state.Parcels[e.Code]
		if !ok {
			p = ParcelState{Code: e.Code, Tag: e.Tag}
		}
		p.Slot = e.Slot
		p.Status = string(fsm.StateRouted)
		p.Updated = e.Time
		st.state.Parcels[e.Code] = p
	case event.ParcelSorted:
		st.finishLocked(e, fsm.StateSorted)
	case event.ParcelFailed:
		st.finishLocked(e, fsm.StateFailed)
	case event.SlotStateChanged:
		s := st.state.Slots[e.Slot]
		switch e.Detail {
		case types.SlotLocked.String():
			s.Status = types.SlotLocked
		case types.SlotNormal.String():
			s.Status = types.SlotNormal
		}
		if e.Tag != "" {
			s.PackageTag = e.Tag
		}
		st.state.Slots[e.Slot] = s
	case event.LinkUp:
		st.state.Links[e.Link] = true
	case event.LinkDown:
		st.state.Links[e.Link] = false
	case event.LoginSucceeded:
		st.state.Login = "ok"
	case event.LoginFailed:
		st.state.Login = "failed"
	}
	st.state.Counts[string(e.Type)]++

	if st.hub != nil {
		st.hub.BroadcastState(st.state)
	}
}

// finishLocked 包裹到达终态，移入最近完成列表
func (st *StateTracker) finishLocked(e event.Event, state fsm.State) {
	p, ok := st.state.Parcels[e.Code]
	if !ok {
		p = ParcelState{Code: e.Code, Tag: e.Tag}
	}
	delete(st.state.Parcels, e.Code)
	p.Slot = e.Slot
	p.Status = string(state)
	p.Updated = e.Time
	st.state.Recent = append(st.state.Recent, p)
	if n := len(st.state.Recent); n > maxRecent {
		st.state.Recent = append([]ParcelState(nil), st.state.Recent[n-maxRecent:]...)
	}
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	// 创建深拷贝以避免并发问题
	s := GlobalState{
		Parcels: make(map[string]ParcelState, len(st.state.Parcels)),
		Recent:  append([]ParcelState(nil), st.state.Recent...),
		Slots:   make(map[int]types.SlotState, len(st.state.Slots)),
		Links:   make(map[string]bool, len(st.state.Links)),
		Login:   st.state.Login,
		Counts:  make(map[string]int, len(st.state.Counts)),
	}
	for k, v := range st.state.Parcels {
		s.Parcels[k] = v
	}
	for k, v := range st.state.Slots {
		s.Slots[k] = v
	}
	for k, v := range st.state.Links {
		s.Links[k] = v
	}
	for k, v := range st.state.Counts {
		s.Counts[k] = v
	}
	return s
}
