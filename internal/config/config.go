// Package config загружает настройки сервера и клиента склада.
//
// Источник один: YAML-файл, путь к которому передаётся через --config
// или ALMACEN_CONFIG. Без файла используются значения Default.
// Флаги и переменные окружения командной строки перекрывают файл.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"almacen/internal/domain"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Client    ClientConfig    `yaml:"client"`
	Scan      ScanConfig      `yaml:"scan"`

	// Users таблица токенов сессий
	Users []User `yaml:"users"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level"`
	// Format: text или json
	Format string `yaml:"format"`
}

// RedisConfig: пустой URL отключает поток событий
type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type CacheConfig struct {
	StatsTTL time.Duration `yaml:"stats_ttl"`
}

// ClientConfig настройки CLI-клиента (request/return/tickets)
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// ScanConfig ограничивает повторные попытки открыть камеру
type ScanConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type User struct {
	ID    int64       `yaml:"id"`
	Name  string      `yaml:"name"`
	Role  domain.Role `yaml:"role"`
	Token string      `yaml:"token"`
}

func Default() *Config {
	return &Config{
		HTTP:      HTTPConfig{Addr: ":9091", ShutdownTimeout: 5 * time.Second},
		Log:       LogConfig{Level: "info", Format: "text"},
		Redis:     RedisConfig{Stream: "almacen:tickets"},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Cache:     CacheConfig{StatsTTL: 30 * time.Second},
		Client:    ClientConfig{BaseURL: "http://localhost:9091", Timeout: 10 * time.Second},
		Scan:      ScanConfig{MaxAttempts: 3, RetryDelay: 500 * time.Millisecond},
	}
}

// Load читает YAML поверх Default. Пустой path возвращает Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse декодирует data в cfg, на неизвестных ключах ошибка
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// SessionTable строит token → пользователь для HTTP-слоя
func (c *Config) SessionTable() map[string]domain.User {
	m := make(map[string]domain.User, len(c.Users))
	for _, u := range c.Users {
		m[u.Token] = domain.User{ID: domain.UserID(u.ID), Name: u.Name, Role: u.Role}
	}
	return m
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.Redis.URL != "" && c.Redis.Stream == "" {
		errs = append(errs, errors.New("redis.stream is required when redis.url is set"))
	}
	if c.Scan.MaxAttempts < 1 {
		errs = append(errs, errors.New("scan.max_attempts must be at least 1"))
	}

	tokens := make(map[string]bool, len(c.Users))
	ids := make(map[int64]bool, len(c.Users))
	for i, u := range c.Users {
		switch {
		case u.ID <= 0:
			errs = append(errs, fmt.Errorf("users[%d]: id must be positive", i))
		case ids[u.ID]:
			errs = append(errs, fmt.Errorf("users[%d]: duplicate id %d", i, u.ID))
		}
		ids[u.ID] = true
		if !u.Role.Valid() {
			errs = append(errs, fmt.Errorf("users[%d]: unknown role %q", i, u.Role))
		}
		switch {
		case u.Token == "":
			errs = append(errs, fmt.Errorf("users[%d]: token is required", i))
		case tokens[u.Token]:
			errs = append(errs, fmt.Errorf("users[%d]: duplicate token", i))
		}
		tokens[u.Token] = true
	}
	return errors.Join(errs...)
}
