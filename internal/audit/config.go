package audit

import (
	"os"
	"strconv"
	"time"
)

// Config controls event dispatching and the optional Redis stream sink.
type Config struct {
	BufferSize     int
	DropIfFull     bool
	Workers        int
	EmitTimeout    time.Duration
	RedisAddr      string
	RedisStream    string
	RedisStreamMax int64
}

// ConfigFromEnv reads audit config from environment variables.
func ConfigFromEnv() Config {
	buf := 256
	if v, err := strconv.Atoi(os.Getenv("AUDIT_BUFFER")); err == nil && v > 0 {
		buf = v
	}
	var max int64 = 100000
	if v, err := strconv.ParseInt(os.Getenv("AUDIT_REDIS_STREAM_MAXLEN"), 10, 64); err == nil && v >= 0 {
		max = v
	}
	workers := 1
	if v, err := strconv.Atoi(os.Getenv("AUDIT_WORKERS")); err == nil && v > 0 {
		workers = v
	}
	timeout := 2 * time.Second
	if v, err := strconv.Atoi(os.Getenv("AUDIT_EMIT_TIMEOUT_MS")); err == nil && v > 0 {
		timeout = time.Duration(v) * time.Millisecond
	}
	stream := os.Getenv("AUDIT_REDIS_STREAM")
	if stream == "" {
		stream = "security-events"
	}
	return Config{
		BufferSize:     buf,
		DropIfFull:     os.Getenv("AUDIT_DROP_IF_FULL") == "1",
		Workers:        workers,
		EmitTimeout:    timeout,
		RedisAddr:      os.Getenv("AUDIT_REDIS_ADDR"),
		RedisStream:    stream,
		RedisStreamMax: max,
	}
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}
