package line

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"parcel-sorter/internal/types"
)

var (
	ErrMalformedRecord = errors.New("报文格式错误")
	ErrInvalidStation  = errors.New("供包台号超出范围")
)

// FailureMarker 落格反馈中表示分拣失败的标记
const FailureMarker = "FA"

var (
	unloadPattern = regexp.MustCompile(`D(\d{1,2})ID(\d{1,4})(?:G(-?\d+))?`)
	statusPattern = regexp.MustCompile(`G(\d+)S(\d)`)
)

// ParseScanRecord 解析供包台的扫码记录 "code,weight,stationId"
func ParseScanRecord(data []byte, now time.Time) (types.ScanEvent, error) {
	fields := strings.Split(strings.TrimSpace(string(data)), ",")
	if len(fields) < 3 {
		return types.ScanEvent{}, fmt.Errorf("%w: %q", ErrMalformedRecord, data)
	}
	code := strings.TrimSpace(fields[0])
	if code == "" {
		return types.ScanEvent{}, fmt.Errorf("%w: 单号为空", ErrMalformedRecord)
	}
	station, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return types.ScanEvent{}, fmt.Errorf("%w: 供包台号 %q", ErrMalformedRecord, fields[2])
	}
	if station < 1 || station > types.MaxStations {
		return types.ScanEvent{}, fmt.Errorf("%w: %d", ErrInvalidStation, station)
	}
	return types.ScanEvent{
		Code:      code,
		Weight:    strings.TrimSpace(fields[1]),
		StationID: station,
		ScanTime:  now,
	}, nil
}

// SupplyMessage 供包通知 STDssIDoooo00000
func SupplyMessage(station, order int) string {
	return fmt.Sprintf("ST%s00000", FormatTag(station, order))
}

// SlotAssignMessage 下发格口 GKDssIDooooG{slot}
func SlotAssignMessage(tag string, slot int) string {
	return "GK" + tag + "G" + strconv.Itoa(slot)
}

// UnloadSegment 落格反馈中的一段
type UnloadSegment struct {
	Tag    string
	Slot   int // 报文未带格口时为 UnknownSlot
	Failed bool
}

// ParseUnloadFeedback 按 # 切分落格反馈并提取每段的周期标签
func ParseUnloadFeedback(frame string) []UnloadSegment {
	var out []UnloadSegment
	for _, part := range strings.Split(frame, "#") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m := unloadPattern.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		station, _ := strconv.Atoi(m[1])
		order, _ := strconv.Atoi(m[2])
		seg := UnloadSegment{
			Tag:    FormatTag(station, order),
			Slot:   types.UnknownSlot,
			Failed: strings.Contains(part, FailureMarker),
		}
		if m[3] != "" {
			seg.Slot, _ = strconv.Atoi(m[3])
		}
		out = append(out, seg)
	}
	return out
}

// SlotStatusUpdate 格口状态反馈 G{slot}S{status}
type SlotStatusUpdate struct {
	Slot   int
	Status types.SlotStatus
}

// ParseSlotStatus 解析格口状态反馈，未知状态值被忽略
func ParseSlotStatus(frame string) []SlotStatusUpdate {
	var out []SlotStatusUpdate
	for _, m := range statusPattern.FindAllStringSubmatch(frame, -1) {
		slot, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "0":
			out = append(out, SlotStatusUpdate{Slot: slot, Status: types.SlotNormal})
		case "1":
			out = append(out, SlotStatusUpdate{Slot: slot, Status: types.SlotLocked})
		}
	}
	return out
}

// PDAMessage 手持终端上报的包牌绑定
type PDAMessage struct {
	Prefix     string
	PackageTag string
	Slot       int
}

// ParsePDAMessage 解析 "PREFIX:packageTag,slotId[,...]"
func ParsePDAMessage(msg string) (PDAMessage, error) {
	prefix, body, ok := strings.Cut(strings.TrimSpace(msg), ":")
	if !ok {
		return PDAMessage{}, fmt.Errorf("%w: 缺少前缀 %q", ErrMalformedRecord, msg)
	}
	fields := strings.Split(body, ",")
	if len(fields) < 2 {
		return PDAMessage{}, fmt.Errorf("%w: %q", ErrMalformedRecord, msg)
	}
	tag := strings.TrimSpace(fields[0])
	slot, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if tag == "" || err != nil {
		return PDAMessage{}, fmt.Errorf("%w: %q", ErrMalformedRecord, msg)
	}
	return PDAMessage{Prefix: strings.TrimSpace(prefix), PackageTag: tag, Slot: slot}, nil
}
