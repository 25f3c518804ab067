// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/nacos"
)

// Config 在进程启动时构造一次，之后只读。
// 按 §设计约定，不允许在调用点临时读环境变量。
type Config struct {
	Infra struct {
		Kafka struct {
			Brokers []string `yaml:"brokers"`
		} `yaml:"kafka"`
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Redis struct {
			Addr string `yaml:"addr"`
		} `yaml:"redis"`
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Zookeeper struct {
			Servers []string `yaml:"servers"`
		} `yaml:"zookeeper"`
	} `yaml:"infra"`

	App struct {
		// TTLMonths 保持原始字符串，非法值的回退规则在领域层统一处理
		TTLMonths             string `yaml:"ttl_months"`
		MaxRetryCount         int    `yaml:"max_retry_count"`
		RequeueDelaySeconds   int    `yaml:"requeue_delay_seconds"`
		LicenseValidityMonths int    `yaml:"license_validity_months"`
		MasterKeyB64          string `yaml:"master_key_b64"`
		EscalationRule        string `yaml:"escalation_rule"`
		MailEndpoint          string `yaml:"mail_endpoint"`

		Topics struct {
			Notification string `yaml:"notification"`
			DLT          string `yaml:"dlt"`
			Alerts       string `yaml:"alerts"`
		} `yaml:"topics"`
	} `yaml:"app"`
}

const (
	defaultMaxRetryCount         = 3
	defaultRequeueDelaySeconds   = 300
	defaultLicenseValidityMonths = 12
)

var currentConfig atomic.Pointer[Config]

// Init 加载配置：默认值 <- 配置文件 <- Nacos 配置中心 <- 环境变量，
// 后者覆盖前者。任何一层缺失都不是错误。
func Init() {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				logger.Logger().Warn().Err(err).Str("path", path).Msg("failed to parse config file, ignoring")
			}
		} else {
			logger.Logger().Warn().Err(err).Str("path", path).Msg("failed to read config file, ignoring")
		}
	}

	if addrs := os.Getenv("NACOS_SERVER_ADDRS"); addrs != "" {
		loadFromNacos(cfg, addrs)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	currentConfig.Store(cfg)
}

// GetCurrentConfig 返回当前配置快照
func GetCurrentConfig() *Config {
	if cfg := currentConfig.Load(); cfg != nil {
		return cfg
	}
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Infra.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Infra.Mysql.DSN = "root:root@tcp(localhost:3306)/sankey?charset=utf8mb4&parseTime=True&loc=UTC"
	cfg.Infra.Redis.Addr = "localhost:6379"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	return cfg
}

// loadFromNacos 尽力从配置中心拉取，拉不到就继续用本地配置
func loadFromNacos(cfg *Config, addrs string) {
	client, err := nacos.NewClient(addrs, os.Getenv("NACOS_NAMESPACE"), os.Getenv("NACOS_GROUP"))
	if err != nil {
		logger.Logger().Warn().Err(err).Msg("nacos unavailable, using local configuration")
		return
	}
	content, err := client.GetConfig("sankey.yaml")
	if err != nil || content == "" {
		logger.Logger().Warn().Err(err).Msg("no remote configuration found in nacos")
		return
	}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		logger.Logger().Warn().Err(err).Msg("failed to parse remote configuration, ignoring")
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.Infra.Mysql.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Infra.Redis.Addr = v
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
	if v := os.Getenv("ZOOKEEPER_SERVERS"); v != "" {
		cfg.Infra.Zookeeper.Servers = strings.Split(v, ",")
	}
	if v := os.Getenv("TTL_MONTHS"); v != "" {
		cfg.App.TTLMonths = v
	}
	if v := os.Getenv("SANKEY_MASTER_KEY"); v != "" {
		cfg.App.MasterKeyB64 = v
	}
	if v := os.Getenv("MAIL_ENDPOINT"); v != "" {
		cfg.App.MailEndpoint = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.MaxRetryCount <= 0 {
		cfg.App.MaxRetryCount = defaultMaxRetryCount
	}
	if cfg.App.RequeueDelaySeconds <= 0 {
		cfg.App.RequeueDelaySeconds = defaultRequeueDelaySeconds
	}
	if cfg.App.LicenseValidityMonths <= 0 {
		cfg.App.LicenseValidityMonths = defaultLicenseValidityMonths
	}
	if cfg.App.Topics.Notification == "" {
		cfg.App.Topics.Notification = "license-notifications"
	}
	if cfg.App.Topics.DLT == "" {
		cfg.App.Topics.DLT = "license-notifications-dlt"
	}
	if cfg.App.Topics.Alerts == "" {
		cfg.App.Topics.Alerts = "license-escalation-alerts"
	}
	if cfg.App.EscalationRule == "" {
		cfg.App.EscalationRule = "failureCount >= maxRetry"
	}
}
