package config

import (
	"fmt"
	"strings"
	"time"

	"parcel-sorter/internal/types"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	OperateMode string         `mapstructure:"operate_mode"` // arrival / departure
	Line        LineConfig     `mapstructure:"line"`
	UDP         UDPConfig      `mapstructure:"udp"`
	PDA         PDAConfig      `mapstructure:"pda"`
	PLC         PLCConfig      `mapstructure:"plc"`
	Gateway     GatewayConfig  `mapstructure:"gateway"`
	Database    DatabaseConfig `mapstructure:"database"`
	Routing     RoutingConfig  `mapstructure:"routing"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	MQTT        MQTTConfig     `mapstructure:"mqtt"`
}

// LineConfig 流水线内部队列和关联状态的参数
type LineConfig struct {
	RingCapacity   int           `mapstructure:"ring_capacity"`    // 每个环形缓冲的容量，向上取 2 的幂
	BatchSize      int           `mapstructure:"batch_size"`       // 每次批量取出的上限
	IdleSleep      time.Duration `mapstructure:"idle_sleep"`       // 队列为空时的休眠
	EventBuffer    int           `mapstructure:"event_buffer"`     // 关联协程的事件通道长度
	CorrelationTTL time.Duration `mapstructure:"correlation_ttl"`  // 单号->格口 缓存有效期
	OutboundDelay  time.Duration `mapstructure:"outbound_delay"`   // 进港落格后出仓扫描的延迟
	UnloadToPieces bool          `mapstructure:"unload_to_pieces"` // 进港是否上报卸车到件
	PictureTries   int           `mapstructure:"picture_tries"`
	PictureWait    time.Duration `mapstructure:"picture_wait"`
}

// UDPConfig 供包扫码的 UDP 监听
type UDPConfig struct {
	Address     string        `mapstructure:"address"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	MaxDatagram int           `mapstructure:"max_datagram"`
}

// PDAConfig 手持终端的 TCP 行服务
type PDAConfig struct {
	Address string `mapstructure:"address"`
}

// PLCConfig 四条 PLC 链路
type PLCConfig struct {
	Host           string        `mapstructure:"host"`
	SupplyPort     int           `mapstructure:"supply_port"`     // 供包通知
	SlotPort       int           `mapstructure:"slot_port"`       // 下发格口
	UnloadPort     int           `mapstructure:"unload_port"`     // 落格反馈
	StatusPort     int           `mapstructure:"status_port"`     // 格口状态反馈
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`  // 巡检间隔
	ReconnectPause time.Duration `mapstructure:"reconnect_pause"` // 断开后重连前的等待
	ReconnectRate  float64       `mapstructure:"reconnect_rate"`  // 每条链路每秒允许的重连次数
	BatchLimit     int           `mapstructure:"batch_limit"`     // 每次发送最多合并的报文数
}

// Credentials 登录账号
type Credentials struct {
	Account  string `mapstructure:"account"`
	Password string `mapstructure:"password"`
}

// GatewayConfig 对接快递跟踪接口
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TerminalURL    string        `mapstructure:"terminal_url"`
	SmallItemURL   string        `mapstructure:"small_item_url"`
	AppKey         string        `mapstructure:"app_key"`
	AppSecret      string        `mapstructure:"app_secret"`
	EquipmentID    string        `mapstructure:"equipment_id"`
	CrossBeltMac   string        `mapstructure:"cross_belt_mac"`
	Arrival        Credentials   `mapstructure:"arrival"`
	Departure      Credentials   `mapstructure:"departure"`
	Concurrency    int           `mapstructure:"concurrency"`     // 最大并发请求数
	MaxQueue       int           `mapstructure:"max_queue"`       // 等待队列上限
	Timeout        time.Duration `mapstructure:"timeout"`         // 单个请求超时
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`  // 超时巡检间隔
	TimeoutBackoff time.Duration `mapstructure:"timeout_backoff"` // 超时后重试的延迟
}

// DatabaseConfig 持久化配置
// driver 为 file 时使用本地追加日志，为 pgx 时连接 PostgreSQL
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RoutingConfig 路由规则
type RoutingConfig struct {
	ExceptionRule string             `mapstructure:"exception_rule"` // expr 表达式，为真时进异常格
	Table         types.RoutingTable `mapstructure:"table"`          // 数据库无路由表时的兜底
}

// HTTPConfig 运维接口
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// MQTTConfig 事件外发，broker 为空时关闭
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

// Mode 解析配置中的作业模式
func (c *Config) Mode() (types.OperateMode, error) {
	return types.ParseOperateMode(c.OperateMode)
}

// setDefaults 为所有参数设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("line.ring_capacity", 1<<14)
	v.SetDefault("line.batch_size", 256)
	v.SetDefault("line.idle_sleep", 2*time.Millisecond)
	v.SetDefault("line.event_buffer", 4096)
	v.SetDefault("line.correlation_ttl", 2*time.Hour)
	v.SetDefault("line.outbound_delay", 12*time.Second)
	v.SetDefault("line.picture_tries", 15)
	v.SetDefault("line.picture_wait", time.Second)

	v.SetDefault("udp.address", ":3011")
	v.SetDefault("udp.read_timeout", time.Second)
	v.SetDefault("udp.max_datagram", 2048)
	v.SetDefault("pda.address", ":3021")

	v.SetDefault("plc.host", "192.168.2.10")
	v.SetDefault("plc.supply_port", 2061)
	v.SetDefault("plc.slot_port", 2062)
	v.SetDefault("plc.unload_port", 2063)
	v.SetDefault("plc.status_port", 2064)
	v.SetDefault("plc.dial_timeout", 3*time.Second)
	v.SetDefault("plc.write_timeout", time.Second)
	v.SetDefault("plc.sweep_interval", 5*time.Second)
	v.SetDefault("plc.reconnect_pause", 200*time.Millisecond)
	v.SetDefault("plc.reconnect_rate", 1.0)
	v.SetDefault("plc.batch_limit", 5)

	v.SetDefault("gateway.concurrency", 6)
	v.SetDefault("gateway.max_queue", 1000)
	v.SetDefault("gateway.timeout", 5*time.Second)
	v.SetDefault("gateway.sweep_interval", 2*time.Second)
	v.SetDefault("gateway.timeout_backoff", time.Second)

	v.SetDefault("database.driver", "file")
	v.SetDefault("database.path", "sorter.journal")
	v.SetDefault("database.max_open_conns", 8)

	v.SetDefault("routing.exception_rule", "orderType != 1")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("mqtt.client_id", "parcel-sorter")
	v.SetDefault("mqtt.topic_prefix", "sorter/events")
}

// LoadConfig 从配置文件加载配置
// path 为空时在当前目录查找 config.yaml；环境变量 SORTER_* 覆盖文件中的值
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}
	v.SetEnvPrefix("SORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if _, err := cfg.Mode(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
