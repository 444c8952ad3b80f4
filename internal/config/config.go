package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	Pprof        HTTPPprof     `mapstructure:"pprof"`
	Swagger      bool          `mapstructure:"swagger"`
}

// HTTPPprof HTTP pprof 配置
type HTTPPprof struct {
	Enable bool   `mapstructure:"enable"`
	Prefix string `mapstructure:"prefix"`
}

// APIConfig REST 接口鉴权与限流
type APIConfig struct {
	AuthEnabled  bool     `mapstructure:"authEnabled"`
	APIKeys      []string `mapstructure:"apiKeys"`
	ReadOnlyKeys []string `mapstructure:"readOnlyKeys"`
	// RatePerSecond 为 0 时不限流
	RatePerSecond float64 `mapstructure:"ratePerSecond"`
	RateBurst     int     `mapstructure:"rateBurst"`
}

// BluetoothConfig 适配器选择与核心参数
type BluetoothConfig struct {
	// Address 控制器地址，必填；BlueZ 以此选择 Adapter1，BGAPI 以此校验 system_address_get
	Address string `mapstructure:"address"`
	// Backend bluegiga | bluez
	Backend           string        `mapstructure:"backend"`
	ReconcileInterval time.Duration `mapstructure:"reconcileInterval"`
	EvictMissing      bool          `mapstructure:"evictMissing"`
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queueSize"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout"`
	ScanOnStart       bool          `mapstructure:"scanOnStart"`
	// NamesFile GATT 名称覆盖（YAML），可空
	NamesFile string         `mapstructure:"namesFile"`
	BlueGiga  BlueGigaConfig `mapstructure:"bluegiga"`
	BlueZ     BlueZConfig    `mapstructure:"bluez"`
}

// SerialConfig 串口参数
type SerialConfig struct {
	Port         string        `mapstructure:"port"`
	Baud         int           `mapstructure:"baud"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	WriteQueue   int           `mapstructure:"writeQueue"`
	CommandRate  int           `mapstructure:"commandRate"`
	CommandBurst int           `mapstructure:"commandBurst"`
}

// BlueGigaConfig 串口 BGAPI 后端参数
type BlueGigaConfig struct {
	Serial             SerialConfig  `mapstructure:"serial"`
	CommandTimeout     time.Duration `mapstructure:"commandTimeout"`
	ProcedureTimeout   time.Duration `mapstructure:"procedureTimeout"`
	ConnectTimeout     time.Duration `mapstructure:"connectTimeout"`
	ActiveScan         bool          `mapstructure:"activeScan"`
	ScanInterval       int           `mapstructure:"scanInterval"`
	ScanWindow         int           `mapstructure:"scanWindow"`
	ConnIntervalMin    int           `mapstructure:"connIntervalMin"`
	ConnIntervalMax    int           `mapstructure:"connIntervalMax"`
	SupervisionTimeout int           `mapstructure:"supervisionTimeout"`
	Latency            int           `mapstructure:"latency"`
	Bondable           bool          `mapstructure:"bondable"`
	MITM               bool          `mapstructure:"mitm"`
	MinKeySize         int           `mapstructure:"minKeySize"`
	IOCapabilities     string        `mapstructure:"ioCapabilities"`
}

// BlueZConfig D-Bus 后端参数
type BlueZConfig struct {
	Transport string `mapstructure:"transport"`
}

// TrackerConfig 保持连接的设备
type TrackerConfig struct {
	Addresses        []string      `mapstructure:"addresses"`
	Interval         time.Duration `mapstructure:"interval"`
	BreakerThreshold int           `mapstructure:"breakerThreshold"`
	BreakerTimeout   time.Duration `mapstructure:"breakerTimeout"`
}

// RecorderConfig 记录器
type RecorderConfig struct {
	Enable       bool          `mapstructure:"enable"`
	QueueSize    int           `mapstructure:"queueSize"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	MemoryLimit  int           `mapstructure:"memoryLimit"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// DatabaseConfig PostgreSQL 连接配置，DSN 为空时不启用
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	TraceSQL        bool          `mapstructure:"traceSQL"`
	// MigrationsDir 为空时使用内嵌迁移
	MigrationsDir string `mapstructure:"migrationsDir"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"poolSize"`
	MinIdleConns int           `mapstructure:"minIdleConns"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PresenceTTL  time.Duration `mapstructure:"presenceTTL"`
	MaxEvents    int           `mapstructure:"maxEvents"`
}

// Config 顶层配置结构
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	API       APIConfig       `mapstructure:"api"`
	Bluetooth BluetoothConfig `mapstructure:"bluetooth"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

const (
	BackendBlueGiga = "bluegiga"
	BackendBlueZ    = "bluez"
)

var ErrInvalidConfig = errors.New("invalid config")

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 BLE_CONFIG 读取；否则回退到 configs/example.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	// 环境变量覆盖：前缀 BLE_，并将点号替换为下划线
	v.SetEnvPrefix("BLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 首次运行允许缺少配置文件，依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ble-gateway")
	v.SetDefault("app.env", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "10s")
	v.SetDefault("http.pprof.enable", false)
	v.SetDefault("http.pprof.prefix", "/debug/pprof")
	v.SetDefault("http.swagger", true)

	v.SetDefault("api.authEnabled", false)
	v.SetDefault("api.ratePerSecond", 20)
	v.SetDefault("api.rateBurst", 40)

	// bluetooth.address 无默认值，必须显式配置
	v.SetDefault("bluetooth.address", "")
	v.SetDefault("bluetooth.backend", BackendBlueGiga)
	v.SetDefault("bluetooth.reconcileInterval", "10s")
	v.SetDefault("bluetooth.evictMissing", false)
	v.SetDefault("bluetooth.workers", 4)
	v.SetDefault("bluetooth.queueSize", 64)
	v.SetDefault("bluetooth.requestTimeout", "10s")
	v.SetDefault("bluetooth.scanOnStart", true)
	v.SetDefault("bluetooth.namesFile", "")

	v.SetDefault("bluetooth.bluegiga.serial.port", "/dev/ttyACM0")
	v.SetDefault("bluetooth.bluegiga.serial.baud", 115200)
	v.SetDefault("bluetooth.bluegiga.serial.readTimeout", "0s")
	v.SetDefault("bluetooth.bluegiga.serial.writeTimeout", "5s")
	v.SetDefault("bluetooth.bluegiga.serial.writeQueue", 64)
	v.SetDefault("bluetooth.bluegiga.serial.commandRate", 0)
	v.SetDefault("bluetooth.bluegiga.serial.commandBurst", 1)
	v.SetDefault("bluetooth.bluegiga.commandTimeout", "2s")
	v.SetDefault("bluetooth.bluegiga.procedureTimeout", "10s")
	v.SetDefault("bluetooth.bluegiga.connectTimeout", "10s")
	v.SetDefault("bluetooth.bluegiga.activeScan", true)
	v.SetDefault("bluetooth.bluegiga.scanInterval", 0x4B)
	v.SetDefault("bluetooth.bluegiga.scanWindow", 0x32)
	v.SetDefault("bluetooth.bluegiga.connIntervalMin", 60)
	v.SetDefault("bluetooth.bluegiga.connIntervalMax", 76)
	v.SetDefault("bluetooth.bluegiga.supervisionTimeout", 100)
	v.SetDefault("bluetooth.bluegiga.latency", 0)
	v.SetDefault("bluetooth.bluegiga.bondable", false)
	v.SetDefault("bluetooth.bluegiga.mitm", false)
	v.SetDefault("bluetooth.bluegiga.minKeySize", 16)
	v.SetDefault("bluetooth.bluegiga.ioCapabilities", "NoInputNoOutput")

	v.SetDefault("bluetooth.bluez.transport", "le")

	v.SetDefault("tracker.addresses", []string{})
	v.SetDefault("tracker.interval", "30s")
	v.SetDefault("tracker.breakerThreshold", 5)
	v.SetDefault("tracker.breakerTimeout", "2m")

	v.SetDefault("recorder.enable", true)
	v.SetDefault("recorder.queueSize", 1024)
	v.SetDefault("recorder.writeTimeout", "3s")
	v.SetDefault("recorder.memoryLimit", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/ble-gateway.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxOpenConns", 4)
	v.SetDefault("database.maxIdleConns", 1)
	v.SetDefault("database.connMaxLifetime", "1h")
	v.SetDefault("database.traceSQL", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 10)
	v.SetDefault("redis.minIdleConns", 2)
	v.SetDefault("redis.dialTimeout", "3s")
	v.SetDefault("redis.readTimeout", "2s")
	v.SetDefault("redis.writeTimeout", "2s")
	v.SetDefault("redis.presenceTTL", "10m")
	v.SetDefault("redis.maxEvents", 100)
}

// Validate 启动前校验；适配器地址缺失或非法时进程不得启动
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bluetooth.Address) == "" {
		return fmt.Errorf("%w: bluetooth.address is required", ErrInvalidConfig)
	}
	if _, err := bluetooth.ParseAddress(c.Bluetooth.Address); err != nil {
		return fmt.Errorf("%w: bluetooth.address: %v", ErrInvalidConfig, err)
	}
	switch c.Bluetooth.Backend {
	case BackendBlueGiga:
		if c.Bluetooth.BlueGiga.Serial.Port == "" {
			return fmt.Errorf("%w: bluetooth.bluegiga.serial.port is required", ErrInvalidConfig)
		}
	case BackendBlueZ:
	default:
		return fmt.Errorf("%w: unknown bluetooth.backend %q", ErrInvalidConfig, c.Bluetooth.Backend)
	}
	if _, err := c.TrackedAddresses(); err != nil {
		return err
	}
	if c.API.AuthEnabled && len(c.API.APIKeys)+len(c.API.ReadOnlyKeys) == 0 {
		return fmt.Errorf("%w: no api keys configured while auth is enabled", ErrInvalidConfig)
	}
	return nil
}

// AdapterAddress 已校验的控制器地址
func (c *Config) AdapterAddress() bluetooth.Address {
	a, _ := bluetooth.ParseAddress(c.Bluetooth.Address)
	return a
}

// TrackedAddresses 解析 tracker.addresses
func (c *Config) TrackedAddresses() ([]bluetooth.Address, error) {
	out := make([]bluetooth.Address, 0, len(c.Tracker.Addresses))
	for _, s := range c.Tracker.Addresses {
		a, err := bluetooth.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%w: tracker.addresses: %v", ErrInvalidConfig, err)
		}
		out = append(out, a)
	}
	return out, nil
}
