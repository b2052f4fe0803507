// Package line 是分拣线的控制核心。
//
// 网络回调只负责把数据放进环形缓冲，三个消费协程批量取出后解析，
// 所有关联状态 (周期标签、单号、格口) 由唯一的关联协程修改。
// 数据库读写和接口调用在短生命周期的协程中执行，退出时统一等待。
package line

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parcel-sorter/internal/event"
	"parcel-sorter/internal/fsm"
	"parcel-sorter/internal/metrics"
	"parcel-sorter/internal/ring"
	"parcel-sorter/internal/types"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

// Gateway 控制器使用的下游接口
type Gateway interface {
	RequestTerminalCode(code string) error
	RequestUploadData(code, weight string) error
	RequestBuild(code, packageTag string, scanTime time.Time) error
	RequestSmallItem(r types.SmallItemReport) error
	UnloadToPieces(code, weight, pictureURL string) error
	OutboundScanning(code, deliveryCode string) error
}

// Records 格口分配记录，是关联状态的兜底数据源
type Records interface {
	UpsertAssignment(ctx context.Context, a types.SlotAssignment) (int, error)
	SetSlot(ctx context.Context, code string, slot int) error
	ReleaseTag(ctx context.Context, code string) error
	FindCodeByTag(ctx context.Context, tag string) (string, error)
	Assignment(ctx context.Context, code string) (types.SlotAssignment, error)
	PictureURL(ctx context.Context, code string) (string, error)
}

// Sender 发往某条 PLC 链路的报文出口
type Sender interface {
	Send(msg string)
}

// Outputs 三个 PLC 报文出口
type Outputs struct {
	Supply     Sender // 供包通知
	SlotAssign Sender // 下发格口
	UnloadEcho Sender // 落格反馈回显
}

// Options 控制器参数
type Options struct {
	Mode           types.OperateMode
	RingCapacity   int
	BatchSize      int
	IdleSleep      time.Duration
	EventBuffer    int
	CorrelationTTL time.Duration
	OutboundDelay  time.Duration
	UnloadToPieces bool
	PictureTries   int
	PictureWait    time.Duration
}

func (o *Options) setDefaults() {
	if o.Mode == types.ModeUnset {
		o.Mode = types.ModeArrival
	}
	if o.RingCapacity <= 0 {
		o.RingCapacity = 1 << 14
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 2 * time.Millisecond
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 4096
	}
	if o.CorrelationTTL <= 0 {
		o.CorrelationTTL = 2 * time.Hour
	}
	if o.OutboundDelay < 0 {
		o.OutboundDelay = 0
	}
	if o.PictureTries <= 0 {
		o.PictureTries = 15
	}
	if o.PictureWait <= 0 {
		o.PictureWait = time.Second
	}
}

// Controller 分拣线控制器
type Controller struct {
	opts    Options
	router  *Router
	gateway Gateway
	records Records
	out     Outputs
	bus     *event.Bus
	logger  *slog.Logger

	supplyRing *ring.Ring[types.ScanEvent]
	unloadRing *ring.Ring[string]
	statusRing *ring.Ring[string]

	// seq 只由供包消费协程使用
	seq Sequencer

	events  chan func()
	stopped chan struct{}

	// 以下字段只由关联协程访问
	tagToCode map[string]string
	codeToTag map[string]string
	codeSlot  *ttlcache.Cache[string, int]
	parcels   *ttlcache.Cache[string, *fsm.FSM]
	finished  *ttlcache.Cache[string, struct{}] // 已落格的单号
	slots     map[int]types.SlotState

	taskCtx    context.Context
	taskCancel context.CancelFunc
	tasks      sync.WaitGroup
}

// New 创建控制器，需调用 Run 启动
func New(opts Options, router *Router, gw Gateway, records Records, out Outputs, bus *event.Bus, logger *slog.Logger) *Controller {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:       opts,
		router:     router,
		gateway:    gw,
		records:    records,
		out:        out,
		bus:        bus,
		logger:     logger.With("component", "line", "mode", opts.Mode.String()),
		supplyRing: ring.New[types.ScanEvent](opts.RingCapacity),
		unloadRing: ring.New[string](opts.RingCapacity),
		statusRing: ring.New[string](opts.RingCapacity),
		events:     make(chan func(), opts.EventBuffer),
		stopped:    make(chan struct{}),
		tagToCode:  make(map[string]string),
		codeToTag:  make(map[string]string),
		codeSlot:   ttlcache.New(ttlcache.WithTTL[string, int](opts.CorrelationTTL)),
		parcels: ttlcache.New(
			ttlcache.WithTTL[string, *fsm.FSM](opts.CorrelationTTL),
			ttlcache.WithDisableTouchOnHit[string, *fsm.FSM](),
		),
		finished:   ttlcache.New(ttlcache.WithTTL[string, struct{}](opts.CorrelationTTL)),
		slots:      make(map[int]types.SlotState),
		taskCtx:    ctx,
		taskCancel: cancel,
	}
}

// Mode 当前作业模式
func (c *Controller) Mode() types.OperateMode { return c.opts.Mode }

// SetSupplyOrder 恢复供包台序号，必须在 Run 之前调用
func (c *Controller) SetSupplyOrder(station, order int) {
	c.seq.Set(station, order)
}

// Run 启动关联协程和三个消费协程，ctx 取消后等待后台任务结束
func (c *Controller) Run(ctx context.Context) error {
	go c.codeSlot.Start()
	go c.parcels.Start()
	go c.finished.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.correlate(gctx) })
	supply := &ring.Worker[types.ScanEvent]{
		Name: "supply", Ring: c.supplyRing, BatchSize: c.opts.BatchSize, IdleSleep: c.opts.IdleSleep,
		Handle: c.handleScans,
	}
	unload := &ring.Worker[string]{
		Name: "unload", Ring: c.unloadRing, BatchSize: c.opts.BatchSize, IdleSleep: c.opts.IdleSleep,
		Handle: c.handleUnloadFrames,
	}
	status := &ring.Worker[string]{
		Name: "slot_status", Ring: c.statusRing, BatchSize: c.opts.BatchSize, IdleSleep: c.opts.IdleSleep,
		Handle: c.handleStatusFrames,
	}
	g.Go(func() error { return supply.Run(gctx) })
	g.Go(func() error { return unload.Run(gctx) })
	g.Go(func() error { return status.Run(gctx) })

	c.logger.Info("分拣线控制器已启动")
	err := g.Wait()

	close(c.stopped)
	c.taskCancel()
	c.tasks.Wait()
	c.codeSlot.Stop()
	c.parcels.Stop()
	c.finished.Stop()
	c.logger.Info("分拣线控制器已停止")
	return err
}

// HandleScan 供包台 UDP 回调，只做解析和入队
func (c *Controller) HandleScan(payload []byte) {
	ev, err := ParseScanRecord(payload, time.Now())
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrInvalidStation) {
			reason = "invalid_station"
		}
		metrics.ScansRejected.WithLabelValues(reason).Inc()
		c.logger.Warn("丢弃无效扫码记录", "error", err)
		return
	}
	if !c.supplyRing.TryPush(ev) {
		metrics.ScansRejected.WithLabelValues("ring_full").Inc()
		c.logger.Error("供包缓冲已满，丢弃扫码", "code", ev.Code, "station", ev.StationID)
	}
}

// HandleUnloadFrame 落格反馈链路的读回调，原样回显后入队
func (c *Controller) HandleUnloadFrame(data []byte) {
	frame := string(data)
	if c.out.UnloadEcho != nil {
		c.out.UnloadEcho.Send(frame)
	}
	if !c.unloadRing.TryPush(frame) {
		c.logger.Error("落格缓冲已满，丢弃反馈", "frame", frame)
	}
}

// HandleSlotStatusFrame 格口状态链路的读回调
func (c *Controller) HandleSlotStatusFrame(data []byte) {
	if !c.statusRing.TryPush(string(data)) {
		c.logger.Error("格口状态缓冲已满，丢弃反馈", "frame", string(data))
	}
}

// HandlePDAMessage 手持终端消息，锁格状态下绑定包牌
func (c *Controller) HandlePDAMessage(clientID int, msg string) {
	m, err := ParsePDAMessage(msg)
	if err != nil {
		c.logger.Warn("无法解析手持终端消息", "client", clientID, "error", err)
		return
	}
	c.post(func() { c.bindPackageTag(m) })
}

// OnSlotResult 三段码结果
func (c *Controller) OnSlotResult(r types.SlotResult) {
	c.post(func() { c.route(r) })
}

// OnLoginSucceeded 接口登录成功
func (c *Controller) OnLoginSucceeded() {
	c.bus.Publish(event.Event{Type: event.LoginSucceeded})
}

// OnLoginFailed 接口登录失败
func (c *Controller) OnLoginFailed(reason string) {
	c.logger.Error("接口登录失败", "reason", reason)
	c.bus.Publish(event.Event{Type: event.LoginFailed, Detail: reason})
}

// OnRequestFailed 接口请求最终失败
func (c *Controller) OnRequestFailed(url, reason string) {
	c.bus.Publish(event.Event{Type: event.RequestFailed, Detail: url + ": " + reason})
}

func (c *Controller) handleScans(batch []types.ScanEvent) {
	for _, ev := range batch {
		order, err := c.seq.Next(ev.StationID)
		if err != nil {
			c.logger.Warn("供包台号无效", "code", ev.Code, "error", err)
			continue
		}
		tag := FormatTag(ev.StationID, order)
		c.out.Supply.Send(SupplyMessage(ev.StationID, order))
		c.post(func() { c.induct(ev, tag, order) })
	}
}

func (c *Controller) handleUnloadFrames(batch []string) {
	for _, frame := range batch {
		segs := ParseUnloadFeedback(frame)
		if len(segs) == 0 {
			c.logger.Debug("落格反馈中没有周期标签", "frame", frame)
			continue
		}
		for _, seg := range segs {
			c.post(func() { c.unloaded(seg) })
		}
	}
}

func (c *Controller) handleStatusFrames(batch []string) {
	for _, frame := range batch {
		for _, u := range ParseSlotStatus(frame) {
			c.post(func() { c.setSlotStatus(u) })
		}
	}
}

// post 把操作交给关联协程，控制器停止后丢弃
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// async 在后台协程中执行数据库或接口操作
func (c *Controller) async(fn func(ctx context.Context)) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn(c.taskCtx)
	}()
}

// correlate 关联协程主循环
func (c *Controller) correlate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.events:
			fn()
		}
	}
}

// Snapshot 关联状态的统计
type Snapshot struct {
	Mode        string                  `json:"mode"`
	LiveTags    int                     `json:"live_tags"`
	AwaitRoute  int                     `json:"await_route"`
	CachedSlots int                     `json:"cached_slots"`
	Parcels     int                     `json:"parcels"`
	Slots       map[int]types.SlotState `json:"slots"`
	Dropped     map[string]uint64       `json:"dropped"`
}

// Snapshot 在关联协程中读取当前状态
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	if !c.post(func() {
		s := Snapshot{
			Mode:        c.opts.Mode.String(),
			LiveTags:    len(c.tagToCode),
			AwaitRoute:  len(c.codeToTag),
			CachedSlots: c.codeSlot.Len(),
			Parcels:     c.parcels.Len(),
			Slots:       make(map[int]types.SlotState, len(c.slots)),
		}
		for id, st := range c.slots {
			s.Slots[id] = st
		}
		ch <- s
	}) {
		return Snapshot{}, errors.New("分拣线控制器已停止")
	}
	select {
	case s := <-ch:
		s.Dropped = map[string]uint64{
			"supply":      c.supplyRing.Dropped(),
			"unload":      c.unloadRing.Dropped(),
			"slot_status": c.statusRing.Dropped(),
		}
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
