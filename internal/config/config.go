// Package config loads relay settings from an optional .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/relay/internal/typing"
	"github.com/whisper/relay/internal/ws"
)

// Config is the full relay process configuration.
type Config struct {
	Server ws.ServerConfig

	TypingTTL   time.Duration
	TypingSweep time.Duration

	CloseSuperseded bool

	// Optional integrations; empty disables them.
	JWTSecret    string
	RedisAddr    string
	NATSURL      string
	KafkaBrokers []string
	KafkaTopic   string

	ServerName string
	Debug      bool
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	serverName, _ := os.Hostname()
	if serverName == "" {
		serverName = "relay-1"
	}
	return Config{
		Server:      ws.DefaultServerConfig(),
		TypingTTL:   typing.DefaultTTL,
		TypingSweep: 30 * time.Second,
		KafkaTopic:  "relay-events",
		ServerName:  serverName,
	}
}

// Load reads path (".env" when empty) if it exists, then applies environment
// overrides on top of Default. Variables already set in the environment win
// over the file.
func Load(path string) (Config, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	c := Default()
	s := &c.Server

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		s.ListenAddr = v
	}
	if v := os.Getenv("WS_PATH"); v != "" {
		if !strings.HasPrefix(v, "/") {
			v = "/" + v
		}
		s.Path = v
	}
	var err error
	if s.WorkerPoolSize, err = positiveInt("WORKER_POOL_SIZE", s.WorkerPoolSize); err != nil {
		return Config{}, err
	}
	if s.MaxConnections, err = positiveInt("MAX_CONNECTIONS", s.MaxConnections); err != nil {
		return Config{}, err
	}
	if s.SendQueueSize, err = positiveInt("SEND_QUEUE_SIZE", s.SendQueueSize); err != nil {
		return Config{}, err
	}
	maxFrame, err := positiveInt("MAX_FRAME_BYTES", int(s.MaxFrameBytes))
	if err != nil {
		return Config{}, err
	}
	s.MaxFrameBytes = int64(maxFrame)

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"READ_TIMEOUT", &s.ReadTimeout},
		{"WRITE_TIMEOUT", &s.WriteTimeout},
		{"HEARTBEAT_INTERVAL", &s.Heartbeat.Interval},
		{"HEARTBEAT_TIMEOUT", &s.Heartbeat.Timeout},
		{"TYPING_TTL", &c.TypingTTL},
		{"TYPING_SWEEP", &c.TypingSweep}, // 0 disables the sweeper
	} {
		if *d.dst, err = duration(d.env, *d.dst); err != nil {
			return Config{}, err
		}
	}

	if c.CloseSuperseded, err = boolean("CLOSE_SUPERSEDED", c.CloseSuperseded); err != nil {
		return Config{}, err
	}
	if c.Debug, err = boolean("RELAY_DEBUG", c.Debug); err != nil {
		return Config{}, err
	}
	s.Debug = c.Debug

	c.JWTSecret = os.Getenv("JWT_SECRET")
	c.RedisAddr = os.Getenv("REDIS_ADDR")
	c.NATSURL = os.Getenv("NATS_URL")
	if v := os.Getenv("SERVER_NAME"); v != "" {
		c.ServerName = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.KafkaTopic = v
	}

	return c, nil
}

// Print logs the effective configuration, omitting secrets.
func (c Config) Print() {
	log.Printf("  listen_addr:      %s%s", c.Server.ListenAddr, c.Server.Path)
	log.Printf("  worker_pool:      %d", c.Server.WorkerPoolSize)
	log.Printf("  max_connections:  %d", c.Server.MaxConnections)
	log.Printf("  send_queue:       %d", c.Server.SendQueueSize)
	log.Printf("  max_frame_bytes:  %d", c.Server.MaxFrameBytes)
	log.Printf("  heartbeat:        %s/%s", c.Server.Heartbeat.Interval, c.Server.Heartbeat.Timeout)
	log.Printf("  typing_ttl:       %s", c.TypingTTL)
	log.Printf("  close_superseded: %v", c.CloseSuperseded)
	log.Printf("  auth:             %v", c.JWTSecret != "")
	log.Printf("  redis_addr:       %s", orNone(c.RedisAddr))
	log.Printf("  nats_url:         %s", orNone(c.NATSURL))
	log.Printf("  kafka_brokers:    %s", orNone(strings.Join(c.KafkaBrokers, ",")))
	log.Printf("  server_name:      %s", c.ServerName)
}

func orNone(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

func positiveInt(env string, def int) (int, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", env, v)
	}
	return n, nil
}

func duration(env string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", env, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative, got %s", env, v)
	}
	return d, nil
}

func boolean(env string, def bool) (bool, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", env, err)
	}
	return b, nil
}
