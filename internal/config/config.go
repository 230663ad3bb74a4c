// Package config загружает конфигурацию приложения из переменных окружения
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Engine   EngineConfig
	Venues   map[string]VenueConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки шифрования API ключей площадок.
// Ключ AES выводится из passphrase и соли через PBKDF2, сырой ключ в
// окружении не хранится.
type SecurityConfig struct {
	EncryptionPassphrase string
	EncryptionSalt       string
}

// EngineConfig - настройки движка исполнения ордеров
type EngineConfig struct {
	// Интервал опроса статусов активных ордеров на площадках
	PollInterval time.Duration

	// Потолок плеча по умолчанию (применяется если у площадки нет
	// собственного значения)
	DefaultMaxLeverage float64
}

// VenueConfig - настройки одной площадки
type VenueConfig struct {
	UseTestnet bool

	// Переопределение потолка плеча для площадки (0 = общий дефолт)
	MaxLeverage float64

	// Переопределение бюджета запросов (0 = встроенный preset)
	MaxConcurrent int
	MinInterval   time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// configuredVenues - площадки, для которых читаются {VENUE}_* переменные
var configuredVenues = []string{"bybit", "binance", "alpaca"}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "execution"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionPassphrase: getEnv("ENCRYPTION_PASSPHRASE", ""),
			EncryptionSalt:       getEnv("ENCRYPTION_SALT", ""),
		},
		Engine: EngineConfig{
			PollInterval:       getEnvAsDuration("ORDER_POLL_INTERVAL", 5*time.Second),
			DefaultMaxLeverage: getEnvAsFloat("DEFAULT_MAX_LEVERAGE", 10),
		},
		Venues:  loadVenues(),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadVenues читает {VENUE}_* переменные для каждой известной площадки
func loadVenues() map[string]VenueConfig {
	venues := make(map[string]VenueConfig, len(configuredVenues))
	for _, name := range configuredVenues {
		prefix := strings.ToUpper(name)
		venues[name] = VenueConfig{
			UseTestnet:    getEnvAsBool(prefix+"_TESTNET", false),
			MaxLeverage:   getEnvAsFloat(prefix+"_MAX_LEVERAGE", 0),
			MaxConcurrent: getEnvAsInt(prefix+"_MAX_CONCURRENT", 0),
			MinInterval:   getEnvAsDuration(prefix+"_MIN_INTERVAL", 0),
		}
	}
	return venues
}

// MaxLeverageOverrides возвращает map переопределений потолка плеча.
// Площадки без переопределения в map не попадают.
func (c *Config) MaxLeverageOverrides() map[string]float64 {
	overrides := make(map[string]float64)
	for name, vc := range c.Venues {
		if vc.MaxLeverage > 0 {
			overrides[name] = vc.MaxLeverage
		}
	}
	return overrides
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// Passphrase обязателен: без него нельзя расшифровать сохранённые
	// API ключи площадок
	if c.Security.EncryptionPassphrase == "" {
		return fmt.Errorf("ENCRYPTION_PASSPHRASE is required for encrypting venue API keys")
	}

	if len(c.Security.EncryptionPassphrase) < 16 {
		return fmt.Errorf("ENCRYPTION_PASSPHRASE must be at least 16 characters")
	}

	if c.Security.EncryptionSalt == "" {
		return fmt.Errorf("ENCRYPTION_SALT is required for key derivation")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Engine.PollInterval < time.Second {
		return fmt.Errorf("ORDER_POLL_INTERVAL must be at least 1s, got %v", c.Engine.PollInterval)
	}

	if c.Engine.DefaultMaxLeverage < 1 {
		return fmt.Errorf("DEFAULT_MAX_LEVERAGE must be at least 1, got %g", c.Engine.DefaultMaxLeverage)
	}

	if c.Engine.DefaultMaxLeverage > 100 {
		return fmt.Errorf("DEFAULT_MAX_LEVERAGE should not exceed 100, got %g", c.Engine.DefaultMaxLeverage)
	}

	for name, vc := range c.Venues {
		if vc.MaxLeverage < 0 {
			return fmt.Errorf("%s_MAX_LEVERAGE cannot be negative, got %g", strings.ToUpper(name), vc.MaxLeverage)
		}
		if vc.MaxConcurrent < 0 {
			return fmt.Errorf("%s_MAX_CONCURRENT cannot be negative, got %d", strings.ToUpper(name), vc.MaxConcurrent)
		}
		if vc.MinInterval < 0 {
			return fmt.Errorf("%s_MIN_INTERVAL cannot be negative, got %v", strings.ToUpper(name), vc.MinInterval)
		}
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
