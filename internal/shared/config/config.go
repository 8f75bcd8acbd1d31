package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Stream    StreamConfig
	SIS       SISConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// StreamConfig holds configuration for the KurrentDB audit mirror.
type StreamConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

// SISConfig holds connection settings for the legacy student information
// system (SQL Server) used for roster imports.
type SISConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Encrypt  bool
}

// RetentionConfig defines how long soft-deleted records stay restorable.
// Per-table overrides are comma-separated "table=days" pairs.
type RetentionConfig struct {
	DefaultDays int
	TableDays   map[string]int
}

// Days returns the retention period for a table.
func (r RetentionConfig) Days(table string) int {
	if d, ok := r.TableDays[table]; ok {
		return d
	}
	return r.DefaultDays
}

func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "eduadmin"),
			Password: getEnv("DB_PASSWORD", "eduadmin"),
			Database: getEnv("DB_NAME", "eduadmin"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Issuer:    getEnv("JWT_ISSUER", "edu-platform"),
		},
		Stream: StreamConfig{
			Enabled:  getEnvBool("STREAM_ENABLED", false),
			Host:     getEnv("STREAM_HOST", "localhost"),
			Port:     getEnvInt("STREAM_PORT", 2113),
			Insecure: getEnvBool("STREAM_INSECURE", true),
			Username: getEnv("STREAM_USERNAME", ""),
			Password: getEnv("STREAM_PASSWORD", ""),
		},
		SIS: SISConfig{
			Enabled:  getEnvBool("SIS_ENABLED", false),
			Host:     getEnv("SIS_HOST", "localhost"),
			Port:     getEnvInt("SIS_PORT", 1433),
			User:     getEnv("SIS_USER", ""),
			Password: getEnv("SIS_PASSWORD", ""),
			Database: getEnv("SIS_DATABASE", "sis"),
			Encrypt:  getEnvBool("SIS_ENCRYPT", false),
		},
		Retention: RetentionConfig{
			DefaultDays: getEnvInt("RETENTION_DEFAULT_DAYS", 30),
			TableDays:   getEnvIntMap("RETENTION_TABLE_DAYS", map[string]int{"students": 90, "schools": 90}),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvIntMap parses "name=days,name=days" pairs.
func getEnvIntMap(key string, defaultValue map[string]int) map[string]int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result := make(map[string]int)
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		if d, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			result[strings.TrimSpace(parts[0])] = d
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
