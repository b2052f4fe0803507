package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"parcel-sorter/internal/types"
)

const (
	SupplyTable   = "supply_data"
	PictureTable  = "pic"
	TerminalTable = "terminal_request_data"
)

// SupplyRepository 读写格口分配记录 (supply_data)
type SupplyRepository struct {
	store Store
}

// NewSupplyRepository 创建仓库
func NewSupplyRepository(store Store) *SupplyRepository {
	return &SupplyRepository{store: store}
}

// UpsertAssignment 以运单号为键写入分配记录
// 已有记录的格口号 (非 -1) 会被保留并返回，否则返回 a.SlotID
func (r *SupplyRepository) UpsertAssignment(ctx context.Context, a types.SlotAssignment) (int, error) {
	slot := a.SlotID
	existing, err := r.store.QueryString(ctx, SupplyTable, "slot_id", "code", a.Code)
	switch {
	case err == nil:
		if n, convErr := strconv.Atoi(existing); convErr == nil && n != types.UnknownSlot {
			slot = n
		}
	case !errors.Is(err, ErrNotFound):
		return types.UnknownSlot, err
	}

	row := Row{
		"code":             a.Code,
		"weight":           a.Weight,
		"scan_time":        a.ScanTime.Format(types.TimeLayout),
		"supply_id":        strconv.Itoa(a.SupplyID),
		"supply_order":     strconv.Itoa(a.SupplyOrder),
		"is_supply_to_plc": "1",
		"slot_id":          strconv.Itoa(slot),
		"operate_type":     strconv.Itoa(a.Mode.OperateType()),
		"seq_tag":          a.Tag,
	}
	if err := r.store.UpsertRow(ctx, SupplyTable, "code", row); err != nil {
		return types.UnknownSlot, fmt.Errorf("写入分配记录 %s 失败: %w", a.Code, err)
	}
	return slot, nil
}

// SetSlot 记录路由结果
func (r *SupplyRepository) SetSlot(ctx context.Context, code string, slot int) error {
	return r.store.UpdateValue(ctx, SupplyTable, "slot_id", strconv.Itoa(slot), "code", code)
}

// ReleaseTag 落格后清除记录上的周期标签，避免序号回绕后误匹配
func (r *SupplyRepository) ReleaseTag(ctx context.Context, code string) error {
	return r.store.UpdateValue(ctx, SupplyTable, "seq_tag", "", "code", code)
}

// FindCodeByTag 通过周期标签反查运单号
func (r *SupplyRepository) FindCodeByTag(ctx context.Context, tag string) (string, error) {
	if tag == "" {
		return "", ErrNotFound
	}
	return r.store.QueryString(ctx, SupplyTable, "code", "seq_tag", tag)
}

// Assignment 读取完整的分配记录
func (r *SupplyRepository) Assignment(ctx context.Context, code string) (types.SlotAssignment, error) {
	a := types.SlotAssignment{Code: code, SlotID: types.UnknownSlot}

	get := func(col string) (string, error) {
		return r.store.QueryString(ctx, SupplyTable, col, "code", code)
	}
	slot, err := get("slot_id")
	if err != nil {
		return a, err
	}
	if n, err := strconv.Atoi(slot); err == nil {
		a.SlotID = n
	}
	if v, err := get("supply_id"); err == nil {
		a.SupplyID, _ = strconv.Atoi(v)
	}
	if v, err := get("supply_order"); err == nil {
		a.SupplyOrder, _ = strconv.Atoi(v)
	}
	if v, err := get("weight"); err == nil {
		a.Weight = v
	}
	if v, err := get("seq_tag"); err == nil {
		a.Tag = v
	}
	if v, err := get("scan_time"); err == nil {
		a.ScanTime, _ = time.ParseInLocation(types.TimeLayout, v, time.Local)
	}
	if v, err := get("operate_type"); err == nil {
		if v == "1" {
			a.Mode = types.ModeDeparture
		} else {
			a.Mode = types.ModeArrival
		}
	}
	return a, nil
}

// PictureURL 查询包裹图片短链接，没有时返回 ErrNotFound
func (r *SupplyRepository) PictureURL(ctx context.Context, code string) (string, error) {
	v, err := r.store.QueryString(ctx, PictureTable, "short_url", "code", code)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// RecordTerminalRequest 记录三段码请求报文
func (r *SupplyRepository) RecordTerminalRequest(ctx context.Context, code, body string) error {
	return r.store.InsertRow(ctx, TerminalTable, Row{
		"code":         code,
		"request_body": body,
		"request_time": time.Now().Format(types.TimeLayout),
	})
}

// RecordTerminalAnswer 补充三段码应答报文
func (r *SupplyRepository) RecordTerminalAnswer(ctx context.Context, code, body string) error {
	return r.store.UpdateValue(ctx, TerminalTable, "answer_body", body, "code", code)
}
