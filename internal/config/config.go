package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Fieldbus    FieldbusConfig    `mapstructure:"fieldbus"`
	RPC         RPCConfig         `mapstructure:"rpc"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Failover    FailoverConfig    `mapstructure:"failover"`
	Inventory   InventoryConfig   `mapstructure:"inventory"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Interlocks  InterlocksConfig  `mapstructure:"interlocks"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type FieldbusConfig struct {
	Interface        string        `mapstructure:"interface"`
	DiscoveryGroup   string        `mapstructure:"discovery_group"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	DiscoveryTTL     int           `mapstructure:"discovery_ttl"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries   int           `mapstructure:"connect_retries"`
	ConnectBackoff   time.Duration `mapstructure:"connect_backoff"`
	DefaultCycleTime time.Duration `mapstructure:"default_cycle_time"`
	MissThreshold    int           `mapstructure:"miss_threshold"`
	WatchdogFactor   int           `mapstructure:"watchdog_factor"`
	ReleaseTimeout   time.Duration `mapstructure:"release_timeout"`
}

type RPCConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

type PersistenceConfig struct {
	Backend          string        `mapstructure:"backend"` // file | postgres
	Directory        string        `mapstructure:"directory"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	MaxStations      int           `mapstructure:"max_stations"`
}

type FailoverConfig struct {
	Mode                string        `mapstructure:"mode"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	PacketLossThreshold float64       `mapstructure:"packet_loss_threshold"`
	MaxMappings         int           `mapstructure:"max_mappings"`
}

type InventoryConfig struct {
	Path        string `mapstructure:"path"`
	MaxStations int    `mapstructure:"max_stations"`
	AutoConnect bool   `mapstructure:"auto_connect"`
}

type CredentialsConfig struct {
	Memory      uint32       `mapstructure:"memory"`
	Iterations  uint32       `mapstructure:"iterations"`
	Parallelism uint8        `mapstructure:"parallelism"`
	Users       []UserConfig `mapstructure:"users"`
}

// UserConfig names an RTU login. The password is read from the environment
// variable PasswordEnv, never from the config file.
type UserConfig struct {
	Name        string `mapstructure:"name"`
	Role        string `mapstructure:"role"`
	PasswordEnv string `mapstructure:"password_env"`
}

type InterlocksConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads the config file at path. An empty path yields the defaults,
// still subject to WTC_ environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment Variables automatisch binden, Prefix WTC_
	v.SetEnvPrefix("WTC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "water_controller")
	v.SetDefault("database.user", "wtc")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("fieldbus.interface", "")
	v.SetDefault("fieldbus.discovery_group", "239.255.12.1:34964")
	v.SetDefault("fieldbus.discovery_timeout", "2s")
	v.SetDefault("fieldbus.discovery_ttl", 1)
	v.SetDefault("fieldbus.connect_timeout", "5s")
	v.SetDefault("fieldbus.connect_retries", 3)
	v.SetDefault("fieldbus.connect_backoff", "500ms")
	v.SetDefault("fieldbus.default_cycle_time", "100ms")
	v.SetDefault("fieldbus.miss_threshold", 3)
	v.SetDefault("fieldbus.watchdog_factor", 3)
	v.SetDefault("fieldbus.release_timeout", "1s")

	v.SetDefault("rpc.timeout", "5s")
	v.SetDefault("rpc.retries", 2)

	v.SetDefault("persistence.backend", "file")
	v.SetDefault("persistence.directory", "/var/lib/water-controller/state")
	v.SetDefault("persistence.snapshot_interval", "10s")
	v.SetDefault("persistence.max_stations", 64)

	v.SetDefault("failover.mode", "MANUAL")
	v.SetDefault("failover.sweep_interval", "1s")
	v.SetDefault("failover.failure_threshold", 3)
	v.SetDefault("failover.packet_loss_threshold", 50.0)
	v.SetDefault("failover.max_mappings", 32)

	v.SetDefault("inventory.path", "")
	v.SetDefault("inventory.max_stations", 64)
	v.SetDefault("inventory.auto_connect", true)

	v.SetDefault("credentials.memory", 19*1024)
	v.SetDefault("credentials.iterations", 2)
	v.SetDefault("credentials.parallelism", 1)

	v.SetDefault("interlocks.path", "")
}

// Validate rejects settings the controller cannot run with.
func (c *Config) Validate() error {
	switch c.Persistence.Backend {
	case "file":
		if c.Persistence.Directory == "" {
			return fmt.Errorf("persistence.directory is required for the file backend")
		}
	case "postgres":
	default:
		return fmt.Errorf("unknown persistence backend %q", c.Persistence.Backend)
	}

	switch strings.ToUpper(c.Failover.Mode) {
	case "MANUAL", "AUTO":
	default:
		return fmt.Errorf("unknown failover mode %q", c.Failover.Mode)
	}

	if c.Fieldbus.DefaultCycleTime < time.Millisecond || c.Fieldbus.DefaultCycleTime > time.Second {
		return fmt.Errorf("fieldbus.default_cycle_time %s out of range 1ms..1s", c.Fieldbus.DefaultCycleTime)
	}
	if c.Fieldbus.MissThreshold < 1 {
		return fmt.Errorf("fieldbus.miss_threshold must be at least 1")
	}
	for _, u := range c.Credentials.Users {
		if u.Name == "" || u.PasswordEnv == "" {
			return fmt.Errorf("credentials.users entries need name and password_env")
		}
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// Password liest das Passwort aus der Environment Variable.
func (u UserConfig) Password() (string, error) {
	secret := os.Getenv(u.PasswordEnv)
	if secret == "" {
		return "", fmt.Errorf("password for user %s: %s is not set", u.Name, u.PasswordEnv)
	}
	return secret, nil
}
