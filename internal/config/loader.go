package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName      = ".snapreport"
	configType      = "yaml"
	envPrefix       = "SNAPREPORT"
	envKeySeparator = "_"
)

// Load reads configuration from defaults, the config file and SNAPREPORT_*
// environment variables, in increasing precedence. When configPath is empty
// .snapreport.yaml is searched in the working directory and $HOME; a missing
// file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("report_path", DefaultReportPath)
	v.SetDefault("workers", 0)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("reuse", false)
	v.SetDefault("merge.policy", DefaultMergePolicy)
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.enabled", false)
}
