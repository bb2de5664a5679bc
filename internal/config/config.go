// Package config handles configuration for both the server and client
// components: built-in defaults overlaid with environment variables, the way
// spec.md's "Configuration (recognized options)" table is environment-driven.
package config

import (
	"os"
	"strconv"
	"time"
)

// Server holds runtime settings for the chunk-upload server.
type Server struct {
	ChunkSize      int64
	MaxConcurrency int
	MaxRetries     int
	UploadsDir     string
	ServerPort     int
	StaleTTL       time.Duration
	DBPath         string
	RedisAddr      string
	LogLevel       string
}

// Client holds runtime settings for the upload engine / CLI client.
type Client struct {
	ChunkSize      int64
	MaxConcurrency int
	MaxRetries     int
	APIBaseURL     string
	LogLevel       string
}

// LoadDefaultsServer populates Server with the defaults named in spec.md §6.
func LoadDefaultsServer() *Server {
	return &Server{
		ChunkSize:      5 * 1024 * 1024,
		MaxConcurrency: 3,
		MaxRetries:     3,
		UploadsDir:     "./data/uploads",
		ServerPort:     4000,
		StaleTTL:       24 * time.Hour,
		DBPath:         "./data/uploads.db",
		RedisAddr:      "",
		LogLevel:       "info",
	}
}

// LoadDefaultsClient populates Client with the client-side defaults.
func LoadDefaultsClient() *Client {
	return &Client{
		ChunkSize:      5 * 1024 * 1024,
		MaxConcurrency: 3,
		MaxRetries:     3,
		APIBaseURL:     "http://localhost:4000",
		LogLevel:       "info",
	}
}

// LoadServer builds a Server config from defaults overlaid with environment
// variables. Unset or malformed environment values are ignored, leaving the
// default in place.
func LoadServer() *Server {
	c := LoadDefaultsServer()
	if v, ok := envInt64("CHUNK_SIZE"); ok {
		c.ChunkSize = v
	}
	if v, ok := envInt("MAX_CONCURRENCY"); ok {
		c.MaxConcurrency = v
	}
	if v, ok := envInt("MAX_RETRIES"); ok {
		c.MaxRetries = v
	}
	if v, ok := os.LookupEnv("UPLOADS_DIR"); ok && v != "" {
		c.UploadsDir = v
	}
	if v, ok := envInt("SERVER_PORT"); ok {
		c.ServerPort = v
	}
	if v, ok := envDuration("STALE_TTL"); ok {
		c.StaleTTL = v
	}
	if v, ok := os.LookupEnv("DB_PATH"); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		c.RedisAddr = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	return c
}

// LoadClient builds a Client config from defaults overlaid with environment
// variables.
func LoadClient() *Client {
	c := LoadDefaultsClient()
	if v, ok := envInt64("CHUNK_SIZE"); ok {
		c.ChunkSize = v
	}
	if v, ok := envInt("MAX_CONCURRENCY"); ok {
		c.MaxConcurrency = v
	}
	if v, ok := envInt("MAX_RETRIES"); ok {
		c.MaxRetries = v
	}
	if v, ok := os.LookupEnv("API_BASE_URL"); ok && v != "" {
		c.APIBaseURL = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	return c
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
