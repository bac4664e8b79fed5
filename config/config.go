package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weilancys/lbchat/globals"
)

const (
	defaultAddr            = "localhost:4000"
	defaultLogLevel        = "INFO"
	defaultPresenceTTL     = 90 * time.Second
	defaultPresenceRefresh = "@every 30s"
	defaultStoreTimeout    = 2 * time.Second
	defaultPersistTimeout  = 5 * time.Second
	defaultPushWorkers     = 4
	defaultPushQueueSize   = 1024
	defaultPushRelay       = "@every 10s"
	defaultReadLimit       = 64 * 1024
	defaultPongWait        = 2 * time.Minute
	defaultPingPeriod      = time.Minute
	defaultWriteWait       = 10 * time.Second
	defaultSendBuffer      = 256
)

// Config is the global configuration object which is filled via the configuration file, the
// environment (LBCHAT_ prefix) and command line flags.
type Config struct {
	LogLevel          string            `mapstructure:"log_level"`
	Addr              string            `mapstructure:"addr"`
	InstanceId        string            `mapstructure:"instance_id"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	PresenceConfig    PresenceConfig    `mapstructure:"presence"`
	BusConfig         BusConfig         `mapstructure:"bus"`
	NATSConfig        NATSConfig        `mapstructure:"nats"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	PushConfig        PushConfig        `mapstructure:"push"`
	TimeoutConfig     TimeoutConfig     `mapstructure:"timeouts"`
	WebsocketConfig   WebsocketConfig   `mapstructure:"websocket"`
}

// AuthConfig configures verification of the handshake credential. JWTs signed with JWTSecret are
// always accepted; OIDC ID tokens are accepted for every configured provider.
type AuthConfig struct {
	JWTSecret string       `mapstructure:"jwt_secret"`
	Issuer    string       `mapstructure:"issuer"`
	OIDC      []OIDCConfig `mapstructure:"oidc"`
}

// An OIDCConfig object configures an OpenID Connect provider. Clients pass the provider name
// alongside the ID token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// PresenceConfig selects the presence store. "buntdb" keeps records in a local (optionally
// file-backed) database, "nats" uses a JetStream key/value bucket shared by all instances.
type PresenceConfig struct {
	Type        string        `mapstructure:"type"`
	BuntDBPath  string        `mapstructure:"buntdb_path"`
	Bucket      string        `mapstructure:"bucket"`
	CallBucket  string        `mapstructure:"call_bucket"`
	TTL         time.Duration `mapstructure:"ttl"`
	RefreshSpec string        `mapstructure:"refresh_spec"`
}

// BusConfig selects the cross-instance broadcast channel implementation ("local" or "nats").
type BusConfig struct {
	Type string `mapstructure:"type"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// PushConfig configures offline notification dispatch. Filter is an optional expression that
// must evaluate to true for a notification to be queued. RelaySpec is the cron spec of the outbox
// relay; empty disables it.
type PushConfig struct {
	Filter    string `mapstructure:"filter"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
	RelaySpec string `mapstructure:"relay_spec"`
}

// TimeoutConfig bounds every call into the shared stores and the persistence collaborator.
type TimeoutConfig struct {
	Store       time.Duration `mapstructure:"store"`
	Persistence time.Duration `mapstructure:"persistence"`
}

type WebsocketConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("addr", defaultAddr, "ws service address (including port)")
	flagSet.String("log-level", defaultLogLevel, "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.String("instance-id", "", "id of this instance (random if empty)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("presence.type", "buntdb")
	v.SetDefault("presence.buntdb_path", ":memory:")
	v.SetDefault("presence.bucket", "lbchat_presence")
	v.SetDefault("presence.call_bucket", "lbchat_calls")
	v.SetDefault("presence.ttl", defaultPresenceTTL)
	v.SetDefault("presence.refresh_spec", defaultPresenceRefresh)
	v.SetDefault("bus.type", "local")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("persistence.type", "sqlite")
	v.SetDefault("persistence.dsn", "lbchat.db")
	v.SetDefault("push.workers", defaultPushWorkers)
	v.SetDefault("push.queue_size", defaultPushQueueSize)
	v.SetDefault("push.relay_spec", defaultPushRelay)
	v.SetDefault("timeouts.store", defaultStoreTimeout)
	v.SetDefault("timeouts.persistence", defaultPersistTimeout)
	v.SetDefault("websocket.read_limit", defaultReadLimit)
	v.SetDefault("websocket.pong_wait", defaultPongWait)
	v.SetDefault("websocket.ping_period", defaultPingPeriod)
	v.SetDefault("websocket.write_wait", defaultWriteWait)
	v.SetDefault("websocket.send_buffer", defaultSendBuffer)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either
// point to a single TOML file or to a directory, in which case all *.toml files in this directory
// are concatenated. Flags in flagSet (may be nil) and LBCHAT_* environment variables override
// file values.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		if err := v.BindPFlags(flagSet); err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
	}
	v.SetEnvPrefix("LBCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		contents := make([]byte, 0)
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		if err := v.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			return nil, err
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.InstanceId == "" {
		cfg.InstanceId = uuid.NewString()
	}
	globals.AppLogger.Debug("config", "addr", cfg.Addr, "instance", cfg.InstanceId,
		"presence", cfg.PresenceConfig.Type, "bus", cfg.BusConfig.Type, "persistence", cfg.PersistenceConfig.Type)
	return &cfg, nil
}
