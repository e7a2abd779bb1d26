// Package config reads server and client settings from flags, the
// environment (CIPHERCHAT_*) and an optional .env file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/reconcile"
	"github.com/spf13/viper"
)

const EnvPrefix = "CIPHERCHAT"

// Keys shared by flags, env and config.
const (
	KeyLogLevel       = "logLevel"
	KeyLogPath        = "log"
	KeyAddr           = "addr"
	KeyDBDriver       = "db.driver"
	KeyDBDSN          = "db.dsn"
	KeyCookieSecret   = "cookie-secret"
	KeyRedis          = "redis"
	KeyLegacyPayloads = "legacy-payloads"
	KeyInboundRate    = "ws-rate"
	KeyServerURL      = "server"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyKeystore       = "keystore"
	KeySendTimeout    = "timeout.send"
	KeyLiveTimeout    = "timeout.live"
	KeyHistoryTimeout = "timeout.history"
)

type Server struct {
	Addr         string
	DBDriver     string
	DBDSN        string
	CookieSecret string
	// RedisAddr empty means pushes stay in process.
	RedisAddr            string
	AcceptLegacyPayloads bool
	// InboundRate is websocket events per second per connection, 0 for
	// unlimited.
	InboundRate int
}

type Client struct {
	ServerURL    string
	Username     string
	Password     string
	KeystorePath string
	Timeouts     reconcile.Timeouts
}

// New returns a viper instance with defaults and env binding set up.
func New() *viper.Viper {
	v := viper.New()
	Bind(v)
	return v
}

// Bind installs defaults and the CIPHERCHAT_ env mapping on v.
func Bind(v *viper.Viper) {
	t := reconcile.DefaultTimeouts()
	v.SetDefault(KeyLogLevel, 0)
	v.SetDefault(KeyLogPath, "-")
	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyDBDriver, "sqlite3")
	v.SetDefault(KeyDBDSN, "cipherchat.db")
	v.SetDefault(KeyLegacyPayloads, true)
	v.SetDefault(KeyInboundRate, 50)
	v.SetDefault(KeyServerURL, "http://localhost:8080")
	v.SetDefault(KeyKeystore, "cipherchat-keys.db")
	v.SetDefault(KeySendTimeout, t.Send)
	v.SetDefault(KeyLiveTimeout, t.Live)
	v.SetDefault(KeyHistoryTimeout, t.History)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// LoadEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

func LoadServer(v *viper.Viper) (Server, error) {
	cfg := Server{
		Addr:                 v.GetString(KeyAddr),
		DBDriver:             v.GetString(KeyDBDriver),
		DBDSN:                v.GetString(KeyDBDSN),
		CookieSecret:         v.GetString(KeyCookieSecret),
		RedisAddr:            v.GetString(KeyRedis),
		AcceptLegacyPayloads: v.GetBool(KeyLegacyPayloads),
		InboundRate:          v.GetInt(KeyInboundRate),
	}
	switch cfg.DBDriver {
	case "sqlite3", "postgres":
	default:
		return cfg, errors.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		return cfg, errors.New("db dsn is required")
	}
	if cfg.InboundRate < 0 {
		return cfg, errors.Errorf("negative websocket rate %d", cfg.InboundRate)
	}
	return cfg, nil
}

func LoadClient(v *viper.Viper) (Client, error) {
	cfg := Client{
		ServerURL:    v.GetString(KeyServerURL),
		Username:     v.GetString(KeyUsername),
		Password:     v.GetString(KeyPassword),
		KeystorePath: v.GetString(KeyKeystore),
		Timeouts: reconcile.Timeouts{
			Send:    v.GetDuration(KeySendTimeout),
			Live:    v.GetDuration(KeyLiveTimeout),
			History: v.GetDuration(KeyHistoryTimeout),
		},
	}
	if cfg.Username == "" || cfg.Password == "" {
		return cfg, errors.New("username and password are required")
	}
	for name, d := range map[string]time.Duration{
		KeySendTimeout:    cfg.Timeouts.Send,
		KeyLiveTimeout:    cfg.Timeouts.Live,
		KeyHistoryTimeout: cfg.Timeouts.History,
	} {
		if d <= 0 {
			return cfg, errors.Errorf("%s must be positive", name)
		}
	}
	return cfg, nil
}
