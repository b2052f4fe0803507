package types

import (
	"fmt"
	"strings"
	"time"
)

// OperateMode 定义分拣线的作业模式
// 一次运行期间只能设置一次，运行中不可修改
type OperateMode int

const (
	ModeUnset     OperateMode = iota // 未设置
	ModeArrival                      // 进港：使用三段码路由
	ModeDeparture                    // 出港：使用一段码路由
)

// String 返回模式名称，用于日志和配置
func (m OperateMode) String() string {
	switch m {
	case ModeArrival:
		return "arrival"
	case ModeDeparture:
		return "departure"
	default:
		return "unset"
	}
}

// OperateType 返回下游接口使用的操作类型编码：1 出港, 2 进港
func (m OperateMode) OperateType() int {
	if m == ModeDeparture {
		return 1
	}
	return 2
}

// ParseOperateMode 解析配置或命令行中的模式名称
func ParseOperateMode(s string) (OperateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arrival", "in", "进港":
		return ModeArrival, nil
	case "departure", "out", "出港":
		return ModeDeparture, nil
	case "", "unset":
		return ModeUnset, nil
	}
	return ModeUnset, fmt.Errorf("未知的作业模式: %q", s)
}

const (
	MaxStations    = 12    // 供包台数量，编号 1..12
	MaxSupplyOrder = 9999  // 供包序号上限，超过后回绕到 1
	UnknownSlot    = -1    // 尚未分配格口
	TimeLayout     = "2006-01-02 15:04:05"

	ExceptionKey = "异常格" // 路由表中异常格口的保留键
	InterceptKey = "拦截件" // 路由表中拦截格口的保留键
)

// ScanEvent 表示供包台上报的一次扫码称重
// 只被消费一次
type ScanEvent struct {
	Code      string    // 运单号
	Weight    string    // 重量，原样透传给下游
	StationID int       // 供包台号 1..12
	ScanTime  time.Time // 接收时间
}

// SlotAssignment 是持久化的格口分配记录，以运单号为键
type SlotAssignment struct {
	Code        string      `json:"code"`
	SlotID      int         `json:"slot_id"`      // 未分配时为 UnknownSlot
	SupplyID    int         `json:"supply_id"`    // 供包台号
	SupplyOrder int         `json:"supply_order"` // 供包序号
	Weight      string      `json:"weight"`
	ScanTime    time.Time   `json:"scan_time"`
	Mode        OperateMode `json:"operate_type"`
	Tag         string      `json:"seq_tag"` // 线体周期标签，例如 D03ID0042
}

// SlotResult 是三段码接口解析后的路由依据
type SlotResult struct {
	Waybill   string // 运单号
	FirstCode string // 一段码，出港使用
	ThirdCode string // 三段码，进港使用
	OrderType int    // 1 为正常件，其余按异常处理
	Intercept bool   // 拦截件，优先级最高
}

// TerminalCode 按作业模式选择用于路由的码段
func (r SlotResult) TerminalCode(mode OperateMode) string {
	if mode == ModeDeparture {
		return r.FirstCode
	}
	return r.ThirdCode
}

// SlotStatus 格口状态
type SlotStatus int

const (
	SlotNormal SlotStatus = 0 // 正常
	SlotLocked SlotStatus = 1 // 锁格，等待绑定包牌
)

func (s SlotStatus) String() string {
	if s == SlotLocked {
		return "locked"
	}
	return "normal"
}

// SlotState 单个格口的运行状态
type SlotState struct {
	Status     SlotStatus `json:"status"`
	PackageTag string     `json:"package_tag,omitempty"` // 绑定的包牌号
}

// RoutingTable 终端码到格口的映射
// 进港与出港各一张，保留键见 ExceptionKey / InterceptKey
type RoutingTable struct {
	Arrival   map[string]int `mapstructure:"arrival"`
	Departure map[string]int `mapstructure:"departure"`
}

// ForMode 返回对应模式的映射表
func (t RoutingTable) ForMode(mode OperateMode) map[string]int {
	if mode == ModeDeparture {
		return t.Departure
	}
	return t.Arrival
}

// SmallItemReport 落格后的小件回传数据
type SmallItemReport struct {
	Code      string
	Weight    string
	Mode      OperateMode
	SlotID    int
	SupplyID  int
	SupplyMac string // 供包台 MAC，未配置时为空
}
