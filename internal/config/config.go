package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the service config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML, with secrets
// overridable from the environment.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	StoryRatePerMinute int    `yaml:"storyRatePerMinute"`
	TrustForwarded     bool   `yaml:"trustForwarded"`

	AuthJWKSURL string `yaml:"authJWKSURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	TextProvider  string `yaml:"textProvider"` // openai | gemini
	TextBaseURL   string `yaml:"textBaseURL"`
	TextAPIKey    string `yaml:"textAPIKey"`
	TextModel     string `yaml:"textModel"`
	TextMaxTokens int    `yaml:"textMaxTokens"`

	ImageBaseURL string `yaml:"imageBaseURL"`
	ImageAPIKey  string `yaml:"imageAPIKey"`
	ImageModel   string `yaml:"imageModel"`
	ImageSize    string `yaml:"imageSize"`

	MinioEndpoint      string `yaml:"minioEndpoint"`
	MinioAccessKey     string `yaml:"minioAccessKey"`
	MinioSecretKey     string `yaml:"minioSecretKey"`
	MinioBucket        string `yaml:"minioBucket"`
	MinioUseSSL        bool   `yaml:"minioUseSSL"`
	MinioPublicBaseURL string `yaml:"minioPublicBaseURL"`

	LocalImageDir     string `yaml:"localImageDir"`
	LocalImageBaseURL string `yaml:"localImageBaseURL"`

	BillingWebhookSecret string `yaml:"billingWebhookSecret"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("TINYTALES_TEXT_API_KEY"); v != "" {
		cfg.TextAPIKey = v
	}
	if v := os.Getenv("TINYTALES_IMAGE_API_KEY"); v != "" {
		cfg.ImageAPIKey = v
	}
	if v := os.Getenv("TINYTALES_BILLING_SECRET"); v != "" {
		cfg.BillingWebhookSecret = v
	}
	if v := os.Getenv("TINYTALES_STORY_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StoryRatePerMinute = n
		}
	}

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseJWTLeeway parses the leeway duration; empty input keeps the
// verifier default.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	leeway, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse jwtLeeway: %w", err)
	}
	return leeway, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJWKSURL is required (set in config.yaml)")
	}
	if cfg.TextBaseURL == "" && cfg.TextProvider != "gemini" {
		return errors.New("config: textBaseURL is required (set in config.yaml)")
	}
	if cfg.TextModel == "" {
		return errors.New("config: textModel is required (set in config.yaml)")
	}
	if cfg.ImageBaseURL == "" {
		return errors.New("config: imageBaseURL is required (set in config.yaml)")
	}
	if cfg.MinioEndpoint == "" && cfg.LocalImageDir == "" {
		return errors.New("config: at least one image storage target is required (minioEndpoint or localImageDir)")
	}
	if cfg.BillingWebhookSecret == "" {
		return errors.New("config: billingWebhookSecret is required (set in config.yaml or TINYTALES_BILLING_SECRET)")
	}
	return nil
}
