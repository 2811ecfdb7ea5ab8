package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Risk     RiskConfig
	Engine   EngineConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД
//
// БД нужна только при LIMITS_BACKEND=postgres
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// APITokenHash - bcrypt-хэш токена операторского API;
	// пустое значение отключает аутентификацию (только для разработки)
	APITokenHash string
}

// RiskConfig - настройки хранения риск-лимитов
type RiskConfig struct {
	// LimitsBackend - бэкенд документа лимитов: file | postgres
	LimitsBackend string
	// LimitsFile - путь к JSON-файлу лимитов (для file бэкенда)
	LimitsFile string
	// InitialCapital - стартовый капитал; 0 = запросить баланс с биржи
	InitialCapital float64
}

// EngineConfig - настройки торгового движка
type EngineConfig struct {
	// Периодические задачи
	PositionUpdateFreq time.Duration // переоценка и сверка позиций
	StatusUpdateFreq   time.Duration // рассылка статуса подписчикам

	// Размер буфера входящих сигналов
	SignalBuffer int

	// Плечо, запрашиваемое для новых позиций
	DefaultLeverage int
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "tradegate"),
			User:     getEnv("DB_USER", "tradegate"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			APITokenHash: getEnv("API_TOKEN_HASH", ""),
		},
		Risk: RiskConfig{
			LimitsBackend:  getEnv("LIMITS_BACKEND", "file"),
			LimitsFile:     getEnv("LIMITS_FILE", "data/risk_limits.json"),
			InitialCapital: getEnvAsFloat("INITIAL_CAPITAL", 0),
		},
		Engine: EngineConfig{
			PositionUpdateFreq: getEnvAsDuration("POSITION_UPDATE_FREQ", 10*time.Second),
			StatusUpdateFreq:   getEnvAsDuration("STATUS_UPDATE_FREQ", 5*time.Second),
			SignalBuffer:       getEnvAsInt("SIGNAL_BUFFER", 100),
			DefaultLeverage:    getEnvAsInt("DEFAULT_LEVERAGE", 1),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", ""),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	switch c.Risk.LimitsBackend {
	case "file", "postgres":
	default:
		return fmt.Errorf("LIMITS_BACKEND must be file or postgres, got %q", c.Risk.LimitsBackend)
	}

	if c.Risk.LimitsBackend == "file" && c.Risk.LimitsFile == "" {
		return fmt.Errorf("LIMITS_FILE is required for the file limits backend")
	}

	if c.Risk.InitialCapital < 0 {
		return fmt.Errorf("INITIAL_CAPITAL cannot be negative, got %v", c.Risk.InitialCapital)
	}

	if c.Engine.PositionUpdateFreq <= 0 {
		return fmt.Errorf("POSITION_UPDATE_FREQ must be positive, got %v", c.Engine.PositionUpdateFreq)
	}

	if c.Engine.StatusUpdateFreq <= 0 {
		return fmt.Errorf("STATUS_UPDATE_FREQ must be positive, got %v", c.Engine.StatusUpdateFreq)
	}

	if c.Engine.SignalBuffer < 1 {
		return fmt.Errorf("SIGNAL_BUFFER must be at least 1, got %d", c.Engine.SignalBuffer)
	}

	if c.Engine.DefaultLeverage < 1 {
		return fmt.Errorf("DEFAULT_LEVERAGE must be at least 1, got %d", c.Engine.DefaultLeverage)
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
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
