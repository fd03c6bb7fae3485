// Package config provides a reusable loader for the router's configuration
// files and environment variables.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"i2p-router/pkg/utils"
)

// Config is the unified configuration for a router process: the options
// table of spec.md section 6 plus the pool/netdb/streaming/garlic
// defaults a complete implementation needs.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		ClockSkewMS    int64    `mapstructure:"clock_skew_ms" json:"clock_skew_ms"`
	} `mapstructure:"network" json:"network"`

	Transit struct {
		AcceptTunnels      bool `mapstructure:"accept_tunnels" json:"accept_tunnels"`
		MaxTransitTunnels  int  `mapstructure:"max_transit_tunnels" json:"max_transit_tunnels"`
		BandwidthLimitKbps int  `mapstructure:"bandwidth_limit_kbps" json:"bandwidth_limit_kbps"`
	} `mapstructure:"transit" json:"transit"`

	NetDB struct {
		IsFloodfill  bool   `mapstructure:"is_floodfill" json:"is_floodfill"`
		MinFloodfill int    `mapstructure:"min_floodfills" json:"min_floodfills"`
		MinRouters   int    `mapstructure:"min_routers" json:"min_routers"`
		StoragePath  string `mapstructure:"storage_path" json:"storage_path"`
	} `mapstructure:"netdb" json:"netdb"`

	Tunnels struct {
		InLength       int `mapstructure:"in_length" json:"in_length"`
		OutLength      int `mapstructure:"out_length" json:"out_length"`
		InQuantity     int `mapstructure:"in_quantity" json:"in_quantity"`
		OutQuantity    int `mapstructure:"out_quantity" json:"out_quantity"`
		InVariance     int `mapstructure:"in_variance" json:"in_variance"`
		OutVariance    int `mapstructure:"out_variance" json:"out_variance"`
		TestIntervalMS int `mapstructure:"test_interval_ms" json:"test_interval_ms"`
	} `mapstructure:"tunnels" json:"tunnels"`

	Streaming struct {
		MTU              int `mapstructure:"mtu" json:"mtu"`
		InitialWindow    int `mapstructure:"initial_window" json:"initial_window"`
		MaxWindow        int `mapstructure:"max_window" json:"max_window"`
		DelayedAckMS     int `mapstructure:"delayed_ack_ms" json:"delayed_ack_ms"`
		InitialRTOMillis int `mapstructure:"initial_rto_ms" json:"initial_rto_ms"`
	} `mapstructure:"streaming" json:"streaming"`

	Garlic struct {
		TagWindowSize    int `mapstructure:"tag_window_size" json:"tag_window_size"`
		SessionTimeoutMS int `mapstructure:"session_timeout_ms" json:"session_timeout_ms"`
	} `mapstructure:"garlic" json:"garlic"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Defaults returns a Config pre-populated with the values recommended by
// spec.md (windows, pool quantities, ...).
func Defaults() Config {
	var c Config
	c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	c.Network.DiscoveryTag = "i2p-router-dev"
	c.Network.ClockSkewMS = 60_000

	c.Transit.AcceptTunnels = true
	c.Transit.MaxTransitTunnels = 2000
	c.Transit.BandwidthLimitKbps = 512

	c.NetDB.MinFloodfill = 5
	c.NetDB.MinRouters = 50
	c.NetDB.StoragePath = "netdb"

	c.Tunnels.InLength = 3
	c.Tunnels.OutLength = 3
	c.Tunnels.InQuantity = 3
	c.Tunnels.OutQuantity = 3
	c.Tunnels.InVariance = 1
	c.Tunnels.OutVariance = 1
	c.Tunnels.TestIntervalMS = 15_000

	c.Streaming.MTU = 1730
	c.Streaming.InitialWindow = 6
	c.Streaming.MaxWindow = 128
	c.Streaming.DelayedAckMS = 200
	c.Streaming.InitialRTOMillis = 9000

	c.Garlic.TagWindowSize = 128
	c.Garlic.SessionTimeoutMS = 10 * 60 * 1000

	c.Logging.Level = "info"
	return c
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig = Defaults()

// Load reads configuration files and merges any environment-specific
// overrides on top of Defaults. The resulting configuration is stored in
// AppConfig and returned. If env is empty, only the default configuration
// file (if present) is loaded.
func Load(env string) (*Config, error) {
	AppConfig = Defaults()

	viper.SetConfigName("router")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("I2P")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the I2P_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("I2P_ENV", ""))
}
