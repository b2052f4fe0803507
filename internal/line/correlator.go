package line

import (
	"context"
	"errors"
	"time"

	"parcel-sorter/internal/event"
	"parcel-sorter/internal/fsm"
	"parcel-sorter/internal/metrics"
	"parcel-sorter/internal/persistence"
	"parcel-sorter/internal/types"

	"github.com/jellydator/ttlcache/v3"
)

// 本文件中不带 ctx 参数的方法都只在关联协程中执行

// induct 包裹上线：登记周期标签，异步写库并请求三段码
func (c *Controller) induct(ev types.ScanEvent, tag string, order int) {
	logger := c.logger.With("code", ev.Code, "tag", tag)

	// 重复扫码时旧标签作废
	if old, ok := c.codeToTag[ev.Code]; ok && c.tagToCode[old] == ev.Code {
		delete(c.tagToCode, old)
	}
	// 序号回绕后旧包裹仍占用同一标签
	if prev, ok := c.tagToCode[tag]; ok && prev != ev.Code {
		logger.Warn("周期标签被新包裹覆盖", "previous", prev)
		if c.codeToTag[prev] == tag {
			delete(c.codeToTag, prev)
		}
	}
	c.tagToCode[tag] = ev.Code
	c.codeToTag[ev.Code] = tag
	c.finished.Delete(ev.Code)

	p := fsm.NewFSM(ev.Code)
	if _, _, err := p.Fire(fsm.EventInduct); err != nil {
		logger.Warn("状态转移失败", "error", err)
	}
	c.parcels.Set(ev.Code, p, ttlcache.DefaultTTL)

	metrics.ParcelsTotal.WithLabelValues("inducted").Inc()
	c.bus.Publish(event.Event{Type: event.ParcelInducted, Code: ev.Code, Tag: tag, Slot: types.UnknownSlot})
	logger.Info("包裹上线", "station", ev.StationID, "order", order, "weight", ev.Weight)

	a := types.SlotAssignment{
		Code:        ev.Code,
		SlotID:      types.UnknownSlot,
		SupplyID:    ev.StationID,
		SupplyOrder: order,
		Weight:      ev.Weight,
		ScanTime:    ev.ScanTime,
		Mode:        c.opts.Mode,
		Tag:         tag,
	}
	c.async(func(ctx context.Context) { c.register(ctx, a) })
}

// register 写入分配记录后按模式发起接口请求
func (c *Controller) register(ctx context.Context, a types.SlotAssignment) {
	logger := c.logger.With("code", a.Code, "tag", a.Tag)
	slot, err := c.records.UpsertAssignment(ctx, a)
	if err != nil {
		logger.Error("写入分配记录失败", "error", err)
		slot = types.UnknownSlot
	}

	if c.opts.Mode == types.ModeDeparture {
		if err := c.gateway.RequestUploadData(a.Code, a.Weight); err != nil {
			logger.Warn("提交到件上传失败", "error", err)
		}
		if slot > 0 {
			logger.Info("已有格口记录，直接下发", "slot", slot)
			c.post(func() { c.assign(a.Code, slot, "stored") })
			return
		}
		c.requestTerminal(a.Code)
		return
	}

	c.requestTerminal(a.Code)
	if c.opts.UnloadToPieces {
		c.reportUnloadToPieces(ctx, a.Code, a.Weight)
	}
}

func (c *Controller) requestTerminal(code string) {
	if err := c.gateway.RequestTerminalCode(code); err != nil {
		c.logger.Warn("提交三段码请求失败", "code", code, "error", err)
	}
}

// reportUnloadToPieces 等待分拣图片入库后上报卸车到件，超时后不带图片上报
func (c *Controller) reportUnloadToPieces(ctx context.Context, code, weight string) {
	var url string
	for i := 0; i < c.opts.PictureTries; i++ {
		u, err := c.records.PictureURL(ctx, code)
		if err == nil {
			url = u
			break
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			c.logger.Warn("查询分拣图片失败", "code", code, "error", err)
		}
		if i+1 < c.opts.PictureTries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.PictureWait):
			}
		}
	}
	if url == "" {
		c.logger.Warn("未找到分拣图片", "code", code)
	}
	if err := c.gateway.UnloadToPieces(code, weight, url); err != nil {
		c.logger.Warn("提交卸车到件失败", "code", code, "error", err)
	}
}

// route 三段码结果到达
func (c *Controller) route(r types.SlotResult) {
	slot, reason := c.router.Route(c.opts.Mode, r)
	logger := c.logger.With("code", r.Waybill, "slot", slot, "reason", reason)
	if slot == types.UnknownSlot {
		logger.Error("路由表缺少异常格口，无法分配", "terminal", r.TerminalCode(c.opts.Mode))
		return
	}
	logger.Info("路由完成", "terminal", r.TerminalCode(c.opts.Mode), "order_type", r.OrderType, "intercept", r.Intercept)
	c.assign(r.Waybill, slot, reason)
}

// assign 记录格口并下发给 PLC
// 标签仍在线时直接使用；否则按分配记录中尚未释放的周期标签重建
// 已落格的包裹只保存格口，不再下发
func (c *Controller) assign(code string, slot int, reason string) {
	c.async(func(ctx context.Context) {
		if err := c.records.SetSlot(ctx, code, slot); err != nil {
			c.logger.Warn("保存格口失败", "code", code, "slot", slot, "error", err)
		}
	})
	if c.finished.Has(code) {
		c.logger.Info("包裹已落格，格口只记录不下发", "code", code, "slot", slot)
		return
	}

	if tag, ok := c.codeToTag[code]; ok {
		delete(c.codeToTag, code)
		c.sendSlot(code, tag, slot, reason)
		return
	}

	c.async(func(ctx context.Context) {
		a, err := c.records.Assignment(ctx, code)
		if err != nil || a.Tag == "" {
			c.logger.Warn("无法重建周期标签，格口未下发", "code", code, "slot", slot, "error", err)
			return
		}
		c.post(func() { c.assignRebuilt(code, a.Tag, slot, reason) })
	})
}

// assignRebuilt 在关联协程中复核后使用重建的标签
func (c *Controller) assignRebuilt(code, tag string, slot int, reason string) {
	if c.finished.Has(code) {
		c.logger.Info("包裹已落格，格口只记录不下发", "code", code, "slot", slot)
		return
	}
	if owner, ok := c.tagToCode[tag]; ok && owner != code {
		c.logger.Warn("周期标签已被其他包裹占用，格口未下发", "code", code, "tag", tag, "owner", owner)
		return
	}
	c.tagToCode[tag] = code
	c.sendSlot(code, tag, slot, reason)
}

func (c *Controller) sendSlot(code, tag string, slot int, reason string) {
	c.codeSlot.Set(code, slot, ttlcache.DefaultTTL)
	c.fire(code, fsm.EventRoute)
	metrics.ParcelsTotal.WithLabelValues("routed").Inc()
	c.out.SlotAssign.Send(SlotAssignMessage(tag, slot))
	c.bus.Publish(event.Event{Type: event.SlotAssigned, Code: code, Tag: tag, Slot: slot, Detail: reason})
}

// unloaded 一段落格反馈
func (c *Controller) unloaded(seg UnloadSegment) {
	if code, ok := c.tagToCode[seg.Tag]; ok {
		c.completeUnload(code, seg)
		return
	}
	c.async(func(ctx context.Context) {
		code, err := c.records.FindCodeByTag(ctx, seg.Tag)
		if err != nil {
			c.logger.Warn("落格反馈找不到对应单号", "tag", seg.Tag, "error", err)
			metrics.ParcelsTotal.WithLabelValues("orphaned").Inc()
			c.bus.Publish(event.Event{Type: event.ParcelOrphaned, Tag: seg.Tag, Slot: seg.Slot})
			return
		}
		c.post(func() { c.completeUnload(code, seg) })
	})
}

// completeUnload 清除关联状态；失败件保留数据库记录且不做回传
// 格口依次取自缓存、分配记录、反馈报文
func (c *Controller) completeUnload(code string, seg UnloadSegment) {
	if c.tagToCode[seg.Tag] == code {
		delete(c.tagToCode, seg.Tag)
	}
	if c.codeToTag[code] == seg.Tag {
		delete(c.codeToTag, code)
	}
	slot := types.UnknownSlot
	if item := c.codeSlot.Get(code); item != nil {
		slot = item.Value()
	}
	c.codeSlot.Delete(code)
	// 同一单号已用新标签重新上线时不标记
	if _, live := c.codeToTag[code]; !live {
		c.finished.Set(code, struct{}{}, ttlcache.DefaultTTL)
	}
	logger := c.logger.With("code", code, "tag", seg.Tag, "slot", slot)

	if seg.Failed {
		if slot == types.UnknownSlot {
			slot = seg.Slot
		}
		c.fire(code, fsm.EventFail)
		c.parcels.Delete(code)
		metrics.ParcelsTotal.WithLabelValues("failed").Inc()
		c.bus.Publish(event.Event{Type: event.ParcelFailed, Code: code, Tag: seg.Tag, Slot: slot, Detail: FailureMarker})
		logger.Warn("PLC 报告分拣失败")
		return
	}
	c.fire(code, fsm.EventUnload)
	c.parcels.Delete(code)

	c.async(func(ctx context.Context) {
		a, err := c.records.Assignment(ctx, code)
		if err != nil {
			logger.Warn("读取分配记录失败", "error", err)
			a = types.SlotAssignment{Code: code, SlotID: types.UnknownSlot, Mode: c.opts.Mode}
		}
		if slot == types.UnknownSlot {
			slot = a.SlotID
		}
		if slot == types.UnknownSlot {
			slot = seg.Slot
		}
		if err := c.records.ReleaseTag(ctx, code); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			logger.Warn("清除周期标签失败", "error", err)
		}
		c.post(func() { c.acknowledge(code, seg.Tag, slot, a) })
	})
}

// acknowledge 落格后的接口回传
func (c *Controller) acknowledge(code, tag string, slot int, a types.SlotAssignment) {
	pkg := c.slots[slot].PackageTag
	metrics.ParcelsTotal.WithLabelValues("sorted").Inc()
	c.bus.Publish(event.Event{Type: event.ParcelSorted, Code: code, Tag: tag, Slot: slot})
	c.logger.Info("包裹已落格", "code", code, "tag", tag, "slot", slot, "package", pkg)

	mode := c.opts.Mode
	c.async(func(ctx context.Context) {
		report := types.SmallItemReport{
			Code:     code,
			Weight:   a.Weight,
			Mode:     mode,
			SlotID:   slot,
			SupplyID: a.SupplyID,
		}
		if err := c.gateway.RequestSmallItem(report); err != nil {
			c.logger.Warn("提交小件回传失败", "code", code, "error", err)
		}

		if mode == types.ModeDeparture {
			if pkg == "" {
				c.logger.Warn("格口未绑定包牌，跳过建包", "code", code, "slot", slot)
				return
			}
			if err := c.gateway.RequestBuild(code, pkg, a.ScanTime); err != nil {
				c.logger.Warn("提交建包失败", "code", code, "error", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.OutboundDelay):
		}
		if err := c.gateway.OutboundScanning(code, pkg); err != nil {
			c.logger.Warn("提交出仓扫描失败", "code", code, "error", err)
		}
	})
}

// setSlotStatus 格口状态反馈
func (c *Controller) setSlotStatus(u SlotStatusUpdate) {
	st := c.slots[u.Slot]
	if st.Status == u.Status {
		return
	}
	st.Status = u.Status
	c.slots[u.Slot] = st
	c.bus.Publish(event.Event{Type: event.SlotStateChanged, Slot: u.Slot, Tag: st.PackageTag, Detail: u.Status.String()})
	c.logger.Info("格口状态变化", "slot", u.Slot, "status", u.Status.String())
}

// bindPackageTag 手持终端绑定包牌，仅锁格状态下生效
func (c *Controller) bindPackageTag(m PDAMessage) {
	st := c.slots[m.Slot]
	if st.Status != types.SlotLocked {
		c.logger.Warn("格口未锁定，忽略包牌绑定", "slot", m.Slot, "package", m.PackageTag)
		return
	}
	st.PackageTag = m.PackageTag
	c.slots[m.Slot] = st
	c.bus.Publish(event.Event{Type: event.SlotStateChanged, Slot: m.Slot, Tag: m.PackageTag, Detail: "bound"})
	c.logger.Info("格口绑定包牌", "slot", m.Slot, "package", m.PackageTag)
}

func (c *Controller) fire(code string, ev fsm.Event) {
	item := c.parcels.Get(code)
	if item == nil {
		return
	}
	if _, _, err := item.Value().Fire(ev); err != nil {
		c.logger.Debug("状态转移被忽略", "code", code, "error", err)
	}
}
