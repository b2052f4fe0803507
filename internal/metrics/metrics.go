package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// RingDepth 仪表盘：各环形缓冲当前积压的条目数
	RingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sorter_ring_depth",
		Help: "Items currently buffered in each ring",
	}, []string{"ring"})

	// RingDropped 仪表盘：各环形缓冲因满而丢弃的累计条目数
	RingDropped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sorter_ring_dropped",
		Help: "Items dropped because the ring was full",
	}, []string{"ring"})

	// ParcelsTotal 计数器：按阶段统计包裹 (inducted/routed/sorted/failed/orphaned)
	ParcelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_parcels_total",
		Help: "Parcels that reached each pipeline stage",
	}, []string{"stage"})

	// ScansRejected 计数器：被丢弃的扫码记录，按原因分类
	ScansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_scans_rejected_total",
		Help: "Scan records discarded before induction",
	}, []string{"reason"})

	// PLCLinkUp 仪表盘：PLC 链路是否在线 (1/0)
	PLCLinkUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sorter_plc_link_up",
		Help: "Whether each PLC link is connected",
	}, []string{"link"})

	// PLCReconnects 计数器：PLC 链路重连次数
	PLCReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_plc_reconnects_total",
		Help: "Reconnect attempts per PLC link",
	}, []string{"link", "result"})

	// PLCMessagesSent 计数器：已写入 PLC 的报文数
	PLCMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_plc_messages_sent_total",
		Help: "Messages written to each PLC link",
	}, []string{"link"})

	// PLCQueueDepth 仪表盘：PLC 发送队列积压
	PLCQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sorter_plc_queue_depth",
		Help: "Messages waiting in each PLC outbound queue",
	}, []string{"link"})

	// GatewayInFlight 仪表盘：正在进行的 HTTP 请求数
	GatewayInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sorter_gateway_in_flight",
		Help: "HTTP requests currently in flight",
	})

	// GatewayQueued 仪表盘：等待发送和因刷新令牌而暂停的请求数
	GatewayQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sorter_gateway_queued",
		Help: "Requests waiting for a slot, by queue",
	}, []string{"queue"})

	// GatewayRequests 计数器：按标签和结果统计请求
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_gateway_requests_total",
		Help: "Completed gateway request attempts",
	}, []string{"tag", "outcome"})

	// GatewayDuration 直方图：请求耗时分布
	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sorter_gateway_request_duration_seconds",
		Help:    "Time spent per gateway request attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"tag"})

	// EventsTotal 计数器：事件总线上按类型统计的事件数
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_events_total",
		Help: "Events published on the internal bus",
	}, []string{"type"})

	// EventsExported 计数器：外发到 MQTT 的事件，按结果分类
	EventsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sorter_events_exported_total",
		Help: "Events forwarded to MQTT",
	}, []string{"result"})
)
