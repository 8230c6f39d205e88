// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Company CompanyConfig `mapstructure:"company"`
	Funnel  FunnelConfig  `mapstructure:"funnel"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	MinIO   MinIOConfig   `mapstructure:"minio"`
	LLM     LLMConfig     `mapstructure:"llm"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// CompanyConfig 对应原脚本里的 COMPANY_NAME / COMPANY_BLURB。
type CompanyConfig struct {
	Name   string `mapstructure:"name"`
	Blurb  string `mapstructure:"blurb"`
	Origin string `mapstructure:"origin"` // 写入 app_origin 的默认值
}

// FunnelConfig 控制对话会话的存储与改写。
type FunnelConfig struct {
	SessionBackend    string        `mapstructure:"session_backend"` // redis | memory
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	ParaphraseEnabled bool          `mapstructure:"paraphrase_enabled"`
	ParaphraseBudget  time.Duration `mapstructure:"paraphrase_budget"`
}

// StoreConfig 描述主存储、降级存储和写锁。
type StoreConfig struct {
	Primary  PrimaryStoreConfig  `mapstructure:"primary"`
	Fallback FallbackStoreConfig `mapstructure:"fallback"`
	Lock     LockConfig          `mapstructure:"lock"`
}

// PrimaryStoreConfig: driver 取 xlsx | mysql | sqlite。
type PrimaryStoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// FallbackStoreConfig 只追加的 CSV 文件。
type FallbackStoreConfig struct {
	Path string `mapstructure:"path"`
}

// LockConfig: backend 取 local | redis。
type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Wait    time.Duration `mapstructure:"wait"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不启用重试队列。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// LLMConfig 存储改写提示语所用大语言模型的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置改写时使用的系统提示。
type LLMPromptConfig struct {
	Rules string `mapstructure:"rules"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// AdminConfig 管理后台的唯一账号，密码以 bcrypt 哈希保存。
type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 环境变量（如 COMPANY_NAME、LLM_API_KEY）会覆盖文件中的同名键。
func Init(configPath string) {
	if err := Load(configPath); err != nil {
		panic(err)
	}
}

// Load 与 Init 相同，但返回错误而不是 panic，便于测试。
func Load(configPath string) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	Conf = c
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("company.name", "Imobiliária XYZ")
	v.SetDefault("company.blurb", "A melhor escolha para sua casa nova!")
	v.SetDefault("company.origin", "ayla-web")
	v.SetDefault("funnel.session_backend", "memory")
	v.SetDefault("funnel.session_ttl", 7*24*time.Hour)
	v.SetDefault("funnel.paraphrase_budget", 2*time.Second)
	v.SetDefault("store.primary.driver", "xlsx")
	v.SetDefault("store.primary.path", "data/imobiliaria_leads.xlsx")
	v.SetDefault("store.fallback.path", "data/imobiliaria_leads.csv")
	v.SetDefault("store.lock.backend", "local")
	v.SetDefault("store.lock.ttl", 30*time.Second)
	v.SetDefault("store.lock.wait", 5*time.Second)
	v.SetDefault("kafka.group_id", "imob-leads-retry")
	v.SetDefault("jwt.access_token_expire_hours", 12)
}
