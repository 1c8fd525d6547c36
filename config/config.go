// This package defines a common config struct which can be used by any subsystem within the pipeline.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                     bool
	RootDir                   string
	LoggingPrefix             string
	MaxEnvelopeBytes          int
	LargeEnvelopeWarningBytes int
	ForegroundBatchSize       int
	BackgroundBatchSize       int
	DeferredGroupRetryMs      int64
	ReceivedRetentionMs       uint64
	HTTPAddr                  string
	RedisAddr                 string
	RedisStream               string
	RedisGroup                string
	RedisConsumer             string
	ProcessedStream           string
	writer                    io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMaxEnvelopeBytes(n int) Option {
	return func(c *Config) {
		c.MaxEnvelopeBytes = n
	}
}

func WithLargeEnvelopeWarningBytes(n int) Option {
	return func(c *Config) {
		c.LargeEnvelopeWarningBytes = n
	}
}

func WithBatchSizes(foreground, background int) Option {
	return func(c *Config) {
		c.ForegroundBatchSize = foreground
		c.BackgroundBatchSize = background
	}
}

func WithDeferredGroupRetryMs(n int64) Option {
	return func(c *Config) {
		c.DeferredGroupRetryMs = n
	}
}

// WithReceivedRetentionMs sets how long decrypt-time duplicate detection remembers an envelope.
func WithReceivedRetentionMs(n uint64) Option {
	return func(c *Config) {
		c.ReceivedRetentionMs = n
	}
}

func WithHTTPAddr(a string) Option {
	return func(c *Config) {
		c.HTTPAddr = a
	}
}

func WithRedis(addr, stream, group, consumer, processed string) Option {
	return func(c *Config) {
		c.RedisAddr = addr
		c.RedisStream = stream
		c.RedisGroup = group
		c.RedisConsumer = consumer
		c.ProcessedStream = processed
	}
}

// FromEnv reads daemon settings from the environment. Unset variables keep their defaults.
func FromEnv() Option {
	return func(c *Config) {
		c.RootDir = getEnv("INBOUND_ROOT", c.RootDir)
		c.HTTPAddr = getEnv("INBOUND_HTTP_ADDR", c.HTTPAddr)
		c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
		c.RedisStream = getEnv("INBOUND_REDIS_STREAM", c.RedisStream)
		c.RedisGroup = getEnv("INBOUND_REDIS_GROUP", c.RedisGroup)
		c.RedisConsumer = getEnv("INBOUND_REDIS_CONSUMER", c.RedisConsumer)
		c.ProcessedStream = getEnv("INBOUND_PROCESSED_STREAM", c.ProcessedStream)
		if n, err := strconv.Atoi(os.Getenv("INBOUND_BATCH_SIZE")); err == nil && n > 0 {
			c.ForegroundBatchSize = n
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                     os.Getenv("DEBUG") == "1",
		LoggingPrefix:             "",
		RootDir:                   ".",
		MaxEnvelopeBytes:          250 * 1024,
		LargeEnvelopeWarningBytes: 25 * 1024,
		ForegroundBatchSize:       16,
		BackgroundBatchSize:       1,
		DeferredGroupRetryMs:      5000,
		ReceivedRetentionMs:       30 * 24 * 60 * 60 * 1000,
		HTTPAddr:                  ":8080",
		RedisStream:               "inbound:envelopes",
		RedisGroup:                "inbound",
		RedisConsumer:             "inboundd",
		ProcessedStream:           "inbound:processed",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return c
}
