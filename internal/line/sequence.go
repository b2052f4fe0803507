package line

import (
	"fmt"

	"parcel-sorter/internal/types"
)

// Sequencer 维护各供包台的供包序号，只由供包消费协程使用
type Sequencer struct {
	orders [types.MaxStations + 1]int
}

// Next 返回供包台的下一个序号，9999 之后回绕到 1
func (s *Sequencer) Next(station int) (int, error) {
	if station < 1 || station > types.MaxStations {
		return 0, fmt.Errorf("%w: %d", ErrInvalidStation, station)
	}
	s.orders[station]++
	if s.orders[station] > types.MaxSupplyOrder {
		s.orders[station] = 1
	}
	return s.orders[station], nil
}

// Set 直接设置某个供包台的当前序号，用于恢复现场
func (s *Sequencer) Set(station, order int) {
	if station < 1 || station > types.MaxStations {
		return
	}
	s.orders[station] = order % (types.MaxSupplyOrder + 1)
}

// Current 当前序号，未供包时为 0
func (s *Sequencer) Current(station int) int {
	if station < 1 || station > types.MaxStations {
		return 0
	}
	return s.orders[station]
}

// FormatTag 生成线体周期标签 DssIDoooo
func FormatTag(station, order int) string {
	return fmt.Sprintf("D%02dID%04d", station, order)
}

// ParseTag 解析周期标签
func ParseTag(tag string) (station, order int, err error) {
	if _, err = fmt.Sscanf(tag, "D%2dID%4d", &station, &order); err != nil {
		return 0, 0, fmt.Errorf("%w: tag %q", ErrMalformedRecord, tag)
	}
	return station, order, nil
}
