package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	LogLevel string

	// DBDriver 为 sqlite 或 postgres，DBDSN 为对应的连接串。
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（订单事件先入流，Relay 异步转 Kafka）
	EventsEnabled      bool
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 支付发起与取餐时段预约的限流
	RateLimit  int
	RateWindow time.Duration

	JWTSecret     string
	AdminEmail    string
	AdminPassword string

	Gateway GatewayConfig

	// 订单确认时是否扣减餐品与原料库存
	ConsumeStockOnConfirm bool
}

// GatewayConfig 外部支付网关的对接参数。
type GatewayConfig struct {
	URL            string
	IntegrationID  string
	IntegrationKey string
	ReturnURL      string
	ResultURL      string
	Timeout        time.Duration
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DBDriver:           getEnv("DB_DRIVER", "sqlite"),
		DBDSN:              getEnv("DB_DSN", "preorder.db"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "preorder-order-events"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "preorder-notifier"),
		OrderEventStream:   getEnv("ORDER_EVENT_STREAM", "preorder:order_events"),
		OrderEventGroup:    getEnv("ORDER_EVENT_GROUP", "preorder-relay-group"),
		OrderEventConsumer: getEnv("ORDER_EVENT_CONSUMER", "preorder-relay-1"),
		RateLimit:          20,
		RateWindow:         time.Minute,
		JWTSecret:          getEnv("JWT_SECRET", ""),
		AdminEmail:         strings.ToLower(getEnv("ADMIN_EMAIL", "admin@preorder.local")),
		AdminPassword:      getEnv("ADMIN_PASSWORD", ""),
		Gateway: GatewayConfig{
			URL:            getEnv("GATEWAY_URL", "https://www.paynow.co.zw/interface/initiatetransaction"),
			IntegrationID:  getEnv("GATEWAY_INTEGRATION_ID", ""),
			IntegrationKey: getEnv("GATEWAY_INTEGRATION_KEY", ""),
			ReturnURL:      getEnv("GATEWAY_RETURN_URL", "http://localhost:8080/payments/return"),
			ResultURL:      getEnv("GATEWAY_RESULT_URL", "http://localhost:8080/api/payments/callback"),
			Timeout:        10 * time.Second,
		},
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("RATE_LIMIT", cfg.RateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("RATE_LIMIT must be > 0")
	}
	cfg.RateLimit = rateLimit

	rateWindowSec, err := getEnvInt("RATE_WINDOW_SEC", int(cfg.RateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("RATE_WINDOW_SEC must be > 0")
	}
	cfg.RateWindow = time.Duration(rateWindowSec) * time.Second

	timeoutSec, err := getEnvInt("GATEWAY_TIMEOUT_SEC", int(cfg.Gateway.Timeout.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_TIMEOUT_SEC: %w", err)
	}
	if timeoutSec <= 0 {
		return AppConfig{}, fmt.Errorf("GATEWAY_TIMEOUT_SEC must be > 0")
	}
	cfg.Gateway.Timeout = time.Duration(timeoutSec) * time.Second

	if cfg.EventsEnabled, err = getEnvBool("EVENTS_ENABLED", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid EVENTS_ENABLED: %w", err)
	}
	if cfg.ConsumeStockOnConfirm, err = getEnvBool("CONSUME_STOCK_ON_CONFIRM", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid CONSUME_STOCK_ON_CONFIRM: %w", err)
	}

	if len(cfg.JWTSecret) < 32 {
		return AppConfig{}, fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if cfg.EventsEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if cfg.KafkaTopic == "" || cfg.KafkaGroupID == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_TOPIC and KAFKA_GROUP_ID must not be empty")
		}
		if cfg.OrderEventStream == "" || cfg.OrderEventGroup == "" || cfg.OrderEventConsumer == "" {
			return AppConfig{}, fmt.Errorf("ORDER_EVENT_STREAM, ORDER_EVENT_GROUP and ORDER_EVENT_CONSUMER must not be empty")
		}
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
