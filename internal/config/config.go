package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// PaymentConfig 定义支付门控相关配置
type PaymentConfig struct {
	Network           string        // 结算网络标识，默认 "base"
	Asset             string        // 结算资产的合约地址（EIP-155 地址）
	AssetDecimals     int           // 资产小数位数，USDC 为 6
	FacilitatorURL    string        // 支付清算服务地址
	MaxTimeoutSeconds int           // 付款方完成支付的最长等待秒数
	RequirementTTL    time.Duration // 支付要求的有效期，过期后需重新提交
	WebhookSecret     string        // 清算回调的 HMAC 签名密钥
	ResourceBaseURL   string        // 支付要求 resource 字段的外部基础 URL
}

// DeliveryConfig 定义投递工作器配置
type DeliveryConfig struct {
	PollInterval time.Duration // 扫描可投递消息的间隔
	BatchSize    int           // 单次扫描取出的消息数量上限
	MaxAttempts  int           // 投递重试次数上限，超过转入 FAILED
	Workers      int           // 并发投递协程数
}

// IdempotencyConfig 定义幂等账本配置
type IdempotencyConfig struct {
	Bucket    time.Duration // 派生幂等键的时间桶宽度
	Retention time.Duration // 幂等记录的保留窗口
}

// GmailConfig 定义 Gmail 投递通道配置
type GmailConfig struct {
	ClientID     string // OAuth2 客户端 ID
	ClientSecret string // OAuth2 客户端密钥
	RefreshToken string // 离线刷新令牌
	Label        string // 插入消息时附加的标签名，默认 "Sinmail"
}

// SMTPConfig 定义 SMTP 投递回落通道配置
type SMTPConfig struct {
	Address  string // SMTP 服务器地址，格式 "host:port"
	Username string // SASL 用户名
	Password string // SASL 密码
	From     string // 发件人地址
}

// MailerConfig 定义投递通道选择
type MailerConfig struct {
	Provider string      // "gmail"、"smtp" 或 "noop"
	Gmail    GmailConfig // Gmail 通道配置
	SMTP     SMTPConfig  // SMTP 通道配置
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Enabled  bool   // 是否启用 Redis（缓存与实时事件）
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret        string        // JWT 签名密钥，必须至少 32 字符
	Issuer        string        // JWT 签发者标识，默认 "sinmail"
	AccessExpiry  time.Duration // 访问令牌有效期，默认 15 分钟
	RefreshExpiry time.Duration // 刷新令牌有效期，默认 7 天
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server      ServerConfig      // HTTP 服务器配置
	Payment     PaymentConfig     // 支付门控配置
	Delivery    DeliveryConfig    // 投递工作器配置
	Idempotency IdempotencyConfig // 幂等账本配置
	Mailer      MailerConfig      // 投递通道配置
	CORS        CORSConfig        // 跨域配置
	Log         LogConfig         // 日志配置
	Database    DatabaseConfig    // 数据库配置
	Redis       RedisConfig       // Redis 配置
	JWT         JWTConfig         // JWT 认证配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: SINMAIL_
// 例如: SINMAIL_SERVER_HOST, SINMAIL_JWT_SECRET
func Load() (*Config, error) {
	// .env 文件是可选的，加载失败静默跳过
	loadEnvFile()

	viper.SetEnvPrefix("sinmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("payment.network", "base")
	viper.SetDefault("payment.asset", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	viper.SetDefault("payment.asset_decimals", 6)
	viper.SetDefault("payment.facilitator_url", "https://x402.org/facilitator")
	viper.SetDefault("payment.max_timeout_seconds", 300)
	viper.SetDefault("payment.requirement_ttl", "15m")
	viper.SetDefault("payment.webhook_secret", "")
	viper.SetDefault("payment.resource_base_url", "http://localhost:8080")
	viper.SetDefault("delivery.poll_interval", "10s")
	viper.SetDefault("delivery.batch_size", 50)
	viper.SetDefault("delivery.max_attempts", 5)
	viper.SetDefault("delivery.workers", 4)
	viper.SetDefault("idempotency.bucket", "5m")
	viper.SetDefault("idempotency.retention", "24h")
	viper.SetDefault("mailer.provider", "noop")
	viper.SetDefault("mailer.gmail.label", "Sinmail")
	viper.SetDefault("mailer.smtp.address", "")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "sinmail")
	viper.SetDefault("jwt.access_expiry", "15m")
	viper.SetDefault("jwt.refresh_expiry", "168h")

	requirementTTL, err := time.ParseDuration(viper.GetString("payment.requirement_ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid payment.requirement_ttl: %w", err)
	}

	pollInterval, err := time.ParseDuration(viper.GetString("delivery.poll_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid delivery.poll_interval: %w", err)
	}

	bucket, err := time.ParseDuration(viper.GetString("idempotency.bucket"))
	if err != nil {
		return nil, fmt.Errorf("invalid idempotency.bucket: %w", err)
	}

	retention, err := time.ParseDuration(viper.GetString("idempotency.retention"))
	if err != nil {
		return nil, fmt.Errorf("invalid idempotency.retention: %w", err)
	}
	if retention < bucket {
		return nil, fmt.Errorf("idempotency.retention must be at least idempotency.bucket")
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	accessExpiry, err := time.ParseDuration(viper.GetString("jwt.access_expiry"))
	if err != nil {
		accessExpiry = 15 * time.Minute
	}

	refreshExpiry, err := time.ParseDuration(viper.GetString("jwt.refresh_expiry"))
	if err != nil {
		refreshExpiry = 7 * 24 * time.Hour
	}

	jwtSecret := viper.GetString("jwt.secret")

	// 安全检查：禁止使用默认的 JWT secret
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set SINMAIL_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	assetDecimals := viper.GetInt("payment.asset_decimals")
	if assetDecimals < 0 || assetDecimals > 36 {
		return nil, fmt.Errorf("invalid payment.asset_decimals: %d", assetDecimals)
	}

	maxAttempts := viper.GetInt("delivery.max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	provider := strings.ToLower(viper.GetString("mailer.provider"))
	switch provider {
	case "gmail", "smtp", "noop":
	default:
		return nil, fmt.Errorf("invalid mailer.provider: %q (supported: gmail, smtp, noop)", provider)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Payment: PaymentConfig{
			Network:           viper.GetString("payment.network"),
			Asset:             viper.GetString("payment.asset"),
			AssetDecimals:     assetDecimals,
			FacilitatorURL:    viper.GetString("payment.facilitator_url"),
			MaxTimeoutSeconds: viper.GetInt("payment.max_timeout_seconds"),
			RequirementTTL:    requirementTTL,
			WebhookSecret:     viper.GetString("payment.webhook_secret"),
			ResourceBaseURL:   strings.TrimRight(viper.GetString("payment.resource_base_url"), "/"),
		},
		Delivery: DeliveryConfig{
			PollInterval: pollInterval,
			BatchSize:    viper.GetInt("delivery.batch_size"),
			MaxAttempts:  maxAttempts,
			Workers:      viper.GetInt("delivery.workers"),
		},
		Idempotency: IdempotencyConfig{
			Bucket:    bucket,
			Retention: retention,
		},
		Mailer: MailerConfig{
			Provider: provider,
			Gmail: GmailConfig{
				ClientID:     viper.GetString("mailer.gmail.client_id"),
				ClientSecret: viper.GetString("mailer.gmail.client_secret"),
				RefreshToken: viper.GetString("mailer.gmail.refresh_token"),
				Label:        viper.GetString("mailer.gmail.label"),
			},
			SMTP: SMTPConfig{
				Address:  viper.GetString("mailer.smtp.address"),
				Username: viper.GetString("mailer.smtp.username"),
				Password: viper.GetString("mailer.smtp.password"),
				From:     viper.GetString("mailer.smtp.from"),
			},
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:        jwtSecret,
			Issuer:        viper.GetString("jwt.issuer"),
			AccessExpiry:  accessExpiry,
			RefreshExpiry: refreshExpiry,
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
