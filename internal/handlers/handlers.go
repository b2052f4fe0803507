package handlers

import (
	"log/slog"

	"parcel-sorter/internal/event"
	"parcel-sorter/internal/metrics"
	"parcel-sorter/internal/web"
)

// Exporter 把事件转发到外部系统
type Exporter interface {
	Publish(e event.Event) error
}

// AllEvents 总线上定义的全部事件类型
var AllEvents = []event.EventType{
	event.ParcelInducted,
	event.SlotAssigned,
	event.ParcelSorted,
	event.ParcelFailed,
	event.ParcelOrphaned,
	event.SlotStateChanged,
	event.LinkUp,
	event.LinkDown,
	event.LoginSucceeded,
	event.LoginFailed,
	event.RequestFailed,
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// exporter 为 nil 时不外发
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger, exporter Exporter) {
	// --- 指标处理器 ---
	bus.SubscribeAll(func(e event.Event) {
		metrics.EventsTotal.WithLabelValues(string(e.Type)).Inc()
	}, AllEvents...)

	// --- Web UI 处理器 ---
	bus.SubscribeAll(st.Apply, AllEvents...)

	// --- 日志处理器 ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.ParcelFailed, func(e event.Event) {
		logger.Error("包裹分拣失败", "code", e.Code, "tag", e.Tag, "slot", e.Slot)
	})
	bus.Subscribe(event.ParcelOrphaned, func(e event.Event) {
		logger.Warn("落格反馈无对应单号", "tag", e.Tag, "slot", e.Slot)
	})
	bus.Subscribe(event.RequestFailed, func(e event.Event) {
		logger.Error("接口请求最终失败", "code", e.Code, "detail", e.Detail)
	})
	bus.Subscribe(event.LoginFailed, func(e event.Event) {
		logger.Error("接口登录失败", "detail", e.Detail)
	})
	bus.Subscribe(event.LinkDown, func(e event.Event) {
		logger.Warn("PLC 链路断开", "link", e.Link)
	})

	// --- 外发处理器 ---
	if exporter == nil {
		return
	}
	bus.SubscribeAll(func(e event.Event) {
		if err := exporter.Publish(e); err != nil {
			metrics.EventsExported.WithLabelValues("error").Inc()
			logger.Debug("事件外发失败", "type", e.Type, "error", err)
			return
		}
		metrics.EventsExported.WithLabelValues("ok").Inc()
	}, AllEvents...)
}
