package config

import (
	"fmt"
	"os"

	"github.com/pensieve/pensieve/pkg/gateway"
	"github.com/spf13/viper"
)

// MasterConfig holds configuration for master nodes
type MasterConfig struct {
	NodeID   string
	BindAddr string
	RaftPort int
	HTTPPort int
	DataDir  string
	Peers    []string
	LogLevel string
	Gateway  gateway.Settings
}

// LoadMasterConfig loads master node configuration from file
func LoadMasterConfig(cfgFile string) (*MasterConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("node_id", getHostname())
	v.SetDefault("bind_addr", "0.0.0.0")
	v.SetDefault("raft_port", 9300)
	v.SetDefault("http_port", 9200)
	v.SetDefault("data_dir", "/var/lib/pensieve/master")
	v.SetDefault("log_level", "info")

	// Load config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("master")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/pensieve/")
		v.AddConfigPath("$HOME/.pensieve/")
		v.AddConfigPath(".")
	}

	// Read environment variables
	v.SetEnvPrefix("PENSIEVE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &MasterConfig{
		NodeID:   v.GetString("node_id"),
		BindAddr: v.GetString("bind_addr"),
		RaftPort: v.GetInt("raft_port"),
		HTTPPort: v.GetInt("http_port"),
		DataDir:  v.GetString("data_dir"),
		Peers:    v.GetStringSlice("peers"),
		LogLevel: v.GetString("log_level"),
		Gateway:  gateway.SettingsFromViper(v),
	}

	return cfg, nil
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
