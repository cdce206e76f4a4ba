package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"` // http | grpc
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Telemetry      bool   `mapstructure:"TELEMETRY"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	}
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Royalty  Royalty  `mapstructure:"ROYALTY"`
	Dispatch Dispatch `mapstructure:"DISPATCH"`
	Transfer Transfer `mapstructure:"TRANSFER"`
}

// Royalty carries the product policy for splitting a sale. Percentages are
// decimal strings ("2.5") so they stay exact until parsed by the resolver.
type Royalty struct {
	CurrencyCode         string        `mapstructure:"CURRENCY_CODE"`
	CurrencyExponent     int32         `mapstructure:"CURRENCY_EXPONENT"`
	DefaultPercentage    string        `mapstructure:"DEFAULT_PERCENTAGE"`
	PlatformBeneficiary  string        `mapstructure:"PLATFORM_BENEFICIARY"`
	PlatformCommission   string        `mapstructure:"PLATFORM_COMMISSION"`
	SecondaryPlatformFee string        `mapstructure:"SECONDARY_PLATFORM_FEE"`
	CacheTTL             time.Duration `mapstructure:"CACHE_TTL"`
}

type Dispatch struct {
	MaxAttempts       int           `mapstructure:"MAX_ATTEMPTS"`
	BackoffBase       time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffCap        time.Duration `mapstructure:"BACKOFF_CAP"`
	AttemptTimeout    time.Duration `mapstructure:"ATTEMPT_TIMEOUT"`
	LeaseTTL          time.Duration `mapstructure:"LEASE_TTL"`
	LeaseWait         time.Duration `mapstructure:"LEASE_WAIT"`
	Async             bool          `mapstructure:"ASYNC"`
	ResumeInterval    time.Duration `mapstructure:"RESUME_INTERVAL"`
	ResumeConcurrency int           `mapstructure:"RESUME_CONCURRENCY"`
}

type Transfer struct {
	Mode    string        `mapstructure:"MODE"` // http | dryrun
	BaseURL string        `mapstructure:"BASE_URL"`
	ApiKey  string        `mapstructure:"API_KEY"`
	Timeout time.Duration `mapstructure:"TIMEOUT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "vortex-royalty")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("OTEL.PROTOCOL", "http")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("ROYALTY.CURRENCY_CODE", "USD")
	v.SetDefault("ROYALTY.CURRENCY_EXPONENT", 2)
	v.SetDefault("ROYALTY.DEFAULT_PERCENTAGE", "2.5")
	v.SetDefault("ROYALTY.PLATFORM_BENEFICIARY", "platform")
	v.SetDefault("ROYALTY.PLATFORM_COMMISSION", "0")
	v.SetDefault("ROYALTY.SECONDARY_PLATFORM_FEE", "0")
	v.SetDefault("ROYALTY.CACHE_TTL", time.Minute)
	v.SetDefault("DISPATCH.MAX_ATTEMPTS", 3)
	v.SetDefault("DISPATCH.BACKOFF_BASE", 2*time.Second)
	v.SetDefault("DISPATCH.BACKOFF_CAP", 30*time.Second)
	v.SetDefault("DISPATCH.ATTEMPT_TIMEOUT", 15*time.Second)
	v.SetDefault("DISPATCH.LEASE_TTL", 2*time.Minute)
	v.SetDefault("DISPATCH.LEASE_WAIT", 5*time.Second)
	v.SetDefault("DISPATCH.RESUME_INTERVAL", 5*time.Minute)
	v.SetDefault("DISPATCH.RESUME_CONCURRENCY", 4)
	v.SetDefault("TRANSFER.MODE", "dryrun")
	v.SetDefault("TRANSFER.TIMEOUT", 20*time.Second)
}

func LoadConfig(p Params) *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	setDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	if p.Vault != nil {
		applySecrets(p.Vault, &cfg)
	}

	return &cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	config.SetConfigType(configType)
	setDefaults(config)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			// currently, only tested with etcd support
			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			config.Unmarshal(&newcfg)
			configHolder.Store(&newcfg)
		}
	}()

	applySecrets(p.Vault, &cfg)

	return &cfg
}

// Current returns the most recent remote config snapshot, if any.
func Current() *Config {
	cfg, _ := configHolder.Load().(*Config)
	return cfg
}

func applySecrets(client *vault.Client, cfg *Config) {
	ctx := context.Background()

	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.User = get("postgres_user")
	cfg.Database.Password = get("postgres_password")
	cfg.Redis.Password = get("redis_password")
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key")
	if key := get("transfer_api_key"); key != "" {
		cfg.Transfer.ApiKey = key
	}
}
