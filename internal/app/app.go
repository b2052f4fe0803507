// Package app 负责组装分拣线的所有组件并管理其生命周期
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"parcel-sorter/internal/config"
	"parcel-sorter/internal/emitter"
	"parcel-sorter/internal/event"
	"parcel-sorter/internal/gateway"
	"parcel-sorter/internal/handlers"
	"parcel-sorter/internal/line"
	"parcel-sorter/internal/persistence"
	"parcel-sorter/internal/plc"
	"parcel-sorter/internal/transport"
	"parcel-sorter/internal/types"
	"parcel-sorter/internal/web"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// PLC 链路名称
const (
	LinkSupply = "supply"
	LinkSlot   = "slot"
	LinkUnload = "unload"
	LinkStatus = "status"
)

// App 一条分拣线的全部运行组件
type App struct {
	cfg    *config.Config
	mode   types.OperateMode
	logger *slog.Logger

	store      persistence.Store
	bus        *event.Bus
	hub        *web.Hub
	tracker    *web.StateTracker
	gateway    *gateway.Client
	controller *line.Controller
	supervisor *plc.Supervisor
	links      map[string]*plc.Link
	queues     map[string]*plc.OutboundQueue
	udp        *transport.UDPServer
	pda        *transport.LineServer
	web        *web.Server
	emitter    *emitter.MQTTEmitter
}

// OpenStore 按配置打开持久化存储
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case "", "file":
		return persistence.NewFileStore(cfg.Path)
	case "pgx", "postgres":
		return persistence.OpenSQLStore(ctx, cfg.DSN, cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("未知的数据库驱动: %s", cfg.Driver)
	}
}

// New 组装所有组件，mode 为 ModeUnset 时使用配置中的作业模式
func New(ctx context.Context, cfg *config.Config, mode types.OperateMode, logger *slog.Logger) (*App, error) {
	if mode == types.ModeUnset {
		m, err := cfg.Mode()
		if err != nil {
			return nil, err
		}
		mode = m
	}

	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		mode:   mode,
		logger: logger,
		store:  store,
		bus:    event.NewBus(),
		links:  make(map[string]*plc.Link),
		queues: make(map[string]*plc.OutboundQueue),
	}
	if err := a.build(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	// 1. 路由表和接口配置，数据库中的值优先
	table, err := persistence.LoadRoutingTable(ctx, a.store, cfg.Routing.Table)
	if err != nil {
		return fmt.Errorf("加载路由表失败: %w", err)
	}
	router, err := line.NewRouter(table, cfg.Routing.ExceptionRule)
	if err != nil {
		return err
	}
	settings := gatewaySettings(cfg.Gateway)
	overrides, err := persistence.LoadRequestSettings(ctx, a.store)
	if err != nil {
		return fmt.Errorf("加载接口配置失败: %w", err)
	}
	settings.ApplyOverrides(overrides)

	// 2. 网关
	repo := persistence.NewSupplyRepository(a.store)
	a.gateway = gateway.New(gateway.Options{
		Concurrency:    cfg.Gateway.Concurrency,
		MaxQueue:       cfg.Gateway.MaxQueue,
		Timeout:        cfg.Gateway.Timeout,
		SweepInterval:  cfg.Gateway.SweepInterval,
		TimeoutBackoff: cfg.Gateway.TimeoutBackoff,
	}, settings, nil, nil, a.logger)
	a.gateway.SetJournal(repo)

	// 3. PLC 链路，读回调在控制器创建后才会被触发
	var ctrl *line.Controller
	linkOpts := plc.LinkOptions{DialTimeout: cfg.PLC.DialTimeout, WriteTimeout: cfg.PLC.WriteTimeout}
	addr := func(port int) string { return net.JoinHostPort(cfg.PLC.Host, strconv.Itoa(port)) }
	a.links[LinkSupply] = plc.NewLink(LinkSupply, addr(cfg.PLC.SupplyPort), linkOpts, a.logger, nil)
	a.links[LinkSlot] = plc.NewLink(LinkSlot, addr(cfg.PLC.SlotPort), linkOpts, a.logger, nil)
	a.links[LinkUnload] = plc.NewLink(LinkUnload, addr(cfg.PLC.UnloadPort), linkOpts, a.logger, func(data []byte) {
		ctrl.HandleUnloadFrame(data)
	})
	a.links[LinkStatus] = plc.NewLink(LinkStatus, addr(cfg.PLC.StatusPort), linkOpts, a.logger, func(data []byte) {
		ctrl.HandleSlotStatusFrame(data)
	})
	a.queues[LinkSupply] = plc.NewOutboundQueue(a.links[LinkSupply], cfg.PLC.BatchLimit)
	a.queues[LinkSlot] = plc.NewOutboundQueue(a.links[LinkSlot], cfg.PLC.BatchLimit)
	a.queues[LinkUnload] = plc.NewOutboundQueue(a.links[LinkUnload], cfg.PLC.BatchLimit)

	a.supervisor = plc.NewSupervisor(cfg.PLC.SweepInterval, cfg.PLC.ReconnectPause, cfg.PLC.ReconnectRate, a.logger)
	for _, name := range []string{LinkSupply, LinkSlot, LinkUnload, LinkStatus} {
		l := a.links[name]
		l.OnStateChange(a.onLinkState)
		if q, ok := a.queues[name]; ok {
			a.supervisor.Add(l, q)
		} else {
			a.supervisor.Add(l)
		}
	}

	// 4. 控制器
	ctrl = line.New(line.Options{
		Mode:           a.mode,
		RingCapacity:   cfg.Line.RingCapacity,
		BatchSize:      cfg.Line.BatchSize,
		IdleSleep:      cfg.Line.IdleSleep,
		EventBuffer:    cfg.Line.EventBuffer,
		CorrelationTTL: cfg.Line.CorrelationTTL,
		OutboundDelay:  cfg.Line.OutboundDelay,
		UnloadToPieces: cfg.Line.UnloadToPieces,
		PictureTries:   cfg.Line.PictureTries,
		PictureWait:    cfg.Line.PictureWait,
	}, router, a.gateway, repo, line.Outputs{
		Supply:     a.queues[LinkSupply],
		SlotAssign: a.queues[LinkSlot],
		UnloadEcho: a.queues[LinkUnload],
	}, a.bus, a.logger)
	a.controller = ctrl
	a.gateway.SetListener(ctrl)

	// 5. 入站服务
	a.udp = transport.NewUDPServer(cfg.UDP.Address, cfg.UDP.ReadTimeout, cfg.UDP.MaxDatagram, a.logger, ctrl.HandleScan)
	a.pda = transport.NewLineServer(cfg.PDA.Address, a.logger, ctrl.HandlePDAMessage)

	// 6. 运维面和事件订阅
	a.hub = web.NewHub(a.logger)
	a.tracker = web.NewStateTracker(a.hub)
	a.web = web.NewServer(cfg.HTTP.Addr, a.hub, a.tracker, func(ctx context.Context) (any, error) {
		return ctrl.Snapshot(ctx)
	}, a.logger)

	var exporter handlers.Exporter
	if a.emitter = emitter.NewMQTTEmitter(cfg.MQTT, a.logger); a.emitter.Enabled() {
		exporter = a.emitter
	}
	handlers.RegisterEventHandlers(a.bus, a.tracker, a.logger, exporter)
	return nil
}

func gatewaySettings(g config.GatewayConfig) gateway.Settings {
	return gateway.Settings{
		BaseURL:      g.BaseURL,
		TerminalURL:  g.TerminalURL,
		SmallItemURL: g.SmallItemURL,
		AppKey:       g.AppKey,
		AppSecret:    g.AppSecret,
		EquipmentID:  g.EquipmentID,
		CrossBeltMac: g.CrossBeltMac,
		Arrival:      gateway.Credentials{Account: g.Arrival.Account, Password: g.Arrival.Password},
		Departure:    gateway.Credentials{Account: g.Departure.Account, Password: g.Departure.Password},
	}
}

func (a *App) onLinkState(name string, up bool) {
	t := event.LinkDown
	if up {
		t = event.LinkUp
	}
	a.bus.Publish(event.Event{Type: t, Link: name})
}

// Bus 事件总线
func (a *App) Bus() *event.Bus { return a.bus }

// Tracker 运维面板状态
func (a *App) Tracker() *web.StateTracker { return a.tracker }

// Controller 分拣线控制器
func (a *App) Controller() *line.Controller { return a.controller }

// UDPAddr 扫码监听的实际地址，Run 之前为 nil
func (a *App) UDPAddr() net.Addr { return a.udp.Addr() }

// PDAAddr 手持终端服务的实际地址，Run 之前为 nil
func (a *App) PDAAddr() net.Addr { return a.pda.Addr() }

// Run 启动全部组件并阻塞到 ctx 取消或任一组件出错
func (a *App) Run(ctx context.Context) error {
	if err := a.udp.Start(ctx); err != nil {
		return err
	}
	if err := a.pda.Start(ctx); err != nil {
		a.udp.Stop()
		return err
	}
	if a.emitter.Enabled() {
		if err := a.emitter.Connect(ctx); err != nil {
			// 自动重连会继续尝试，外发不影响分拣
			a.logger.Warn("MQTT 连接失败", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.controller.Run(gctx) })
	g.Go(func() error { return a.gateway.Run(gctx) })
	g.Go(func() error { return a.supervisor.Run(gctx) })
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.web.Run(gctx) })

	a.gateway.SetOperateMode(a.mode)
	a.logger.Info("=== 分拣线控制核心启动 ===", "mode", a.mode.String(), "udp", a.udp.Addr().String(), "pda", a.pda.Addr().String())

	err := g.Wait()
	a.logger.Info("正在停止入站服务...")
	return multierr.Combine(err, a.udp.Stop(), a.pda.Stop())
}

// Close 断开 PLC 链路、MQTT 和存储
func (a *App) Close() error {
	a.emitter.Disconnect()
	return multierr.Combine(a.supervisor.Close(), a.store.Close())
}
