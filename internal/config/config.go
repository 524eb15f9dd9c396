package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Chain    ChainConfig
	Redis    RedisConfig
	Contract ContractConfig
	Server   ServerConfig
}

type ChainConfig struct {
	RPCURL    string `mapstructure:"rpc_url"`
	WSURL     string `mapstructure:"ws_url"`
	NetworkID string `mapstructure:"network_id"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ContractConfig struct {
	ArtifactPath string `mapstructure:"artifact_path"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("contract.artifact_path", "/app/build/PaymentProcessor.json")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.rpc_url":          "RPC_URL",
		"chain.ws_url":           "WS_URL",
		"chain.network_id":       "NETWORK_ID",
		"redis.addr":             "REDIS_ADDR",
		"redis.password":         "REDIS_PASSWORD",
		"contract.artifact_path": "CONTRACT_ARTIFACT",
		"server.port":            "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// The event endpoint may be supplied as an http(s) URL; the push
	// transport needs the ws(s) scheme.
	ws, err := NormalizeWSURL(cfg.Chain.WSURL)
	if err != nil {
		return nil, fmt.Errorf("normalize WS_URL: %w", err)
	}
	cfg.Chain.WSURL = ws

	return cfg, nil
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.WSURL, "WS_URL"},
		{c.Chain.NetworkID, "NETWORK_ID"},
		{c.Contract.ArtifactPath, "CONTRACT_ARTIFACT"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return nil
}

// NormalizeWSURL rewrites an http(s) endpoint to its ws(s) equivalent.
// URLs already carrying a ws scheme pass through unchanged.
func NormalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
		return raw, nil
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
