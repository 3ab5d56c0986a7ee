package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "JOBWATCH"

type Config struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"`

	// Namespace watched for job resources and the scheduler whose jobs
	// this engine records.
	Namespace     string `mapstructure:"namespace"`
	SchedulerName string `mapstructure:"scheduler_name"`

	WatchTimeoutSeconds int64 `mapstructure:"watch_timeout_seconds"`
	PollIntervalSeconds int   `mapstructure:"poll_interval_seconds"`
	LogTailLines        int64 `mapstructure:"log_tail_lines"`

	DB         *DBConfig         `mapstructure:"db"`
	Prometheus *PrometheusConfig `mapstructure:"prometheus"`
	Pulsar     *PulsarConfig     `mapstructure:"pulsar"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type PrometheusConfig struct {
	URL    string `mapstructure:"url"`
	Metric string `mapstructure:"metric"`
}

type PulsarConfig struct {
	URL string `mapstructure:"url"`
}

var config *Config

// LoadEnvAndConfigFiles loads the optional .env file, applies viper
// defaults, reads the optional config file and unmarshals everything
// into the package-level Config.
func LoadEnvAndConfigFiles() error {
	envFile := viper.GetString("env_file")
	if envFile == "" {
		envFile = ".env"
	}

	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	setDefaults()

	configFile := viper.GetString("config_file")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/jobwatch")
	}

	if err := viper.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return fmt.Errorf("error reading config: %w", err)
		}
	}

	return loadConfig()
}

func setDefaults() {
	viper.SetDefault("host", "0.0.0.0")
	viper.SetDefault("port", 8881)
	viper.SetDefault("environment", "dev")
	viper.SetDefault("namespace", "prompts")
	viper.SetDefault("scheduler_name", "llama-scheduler")
	viper.SetDefault("watch_timeout_seconds", 300)
	viper.SetDefault("poll_interval_seconds", 30)
	viper.SetDefault("log_tail_lines", 1000)
	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", "file:./data/cluster.db")
	viper.SetDefault("prometheus.url", "http://prometheus-server.default.svc.cluster.local")
	viper.SetDefault("prometheus.metric", "jetson_pom_5v_in_watts")
}

func loadConfig() error {
	config = &Config{}
	if err := viper.Unmarshal(config); err != nil {
		config = nil
		return fmt.Errorf("error unmarshalling config: %w", err)
	}

	// An empty pulsar url means the in-memory queue; drop the struct so
	// callers can nil-check it.
	if config.Pulsar != nil && config.Pulsar.URL == "" {
		config.Pulsar = nil
	}

	return nil
}

func GetConfig() *Config {
	return config
}

func MustGetConfig() *Config {
	if config == nil {
		panic("config not loaded")
	}

	return config
}

func EnvPrefix() string {
	return envPrefix
}
