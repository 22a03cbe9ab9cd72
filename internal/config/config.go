// Package config loads client and server configuration from environment
// variables and flags. Environment values become flag defaults, so flags
// always win.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarServer     = "PEERSIG_SERVER"
	envVarPort       = "PEERSIG_PORT"
	envVarName       = "PEERSIG_NAME"
	envVarSTUNURL    = "PEERSIG_STUN_URL"
	envVarLogFormat  = "PEERSIG_LOG_FORMAT"
	envVarLogLevel   = "PEERSIG_LOG_LEVEL"
	envVarRetryDelay = "PEERSIG_RETRY_DELAY"

	envVarServerListenAddr     = "PEERSIGD_LISTEN_ADDR"
	envVarServerMaxMsgsPerSec  = "PEERSIGD_MAX_MESSAGES_PER_SECOND"
	envVarServerMaxMsgBytes    = "PEERSIGD_MAX_MESSAGE_BYTES"
	envVarServerShutdownWindow = "PEERSIGD_SHUTDOWN_TIMEOUT"

	DefaultServer     = "localhost"
	DefaultPort       = 8888
	DefaultSTUNURL    = "stun:stun.l.google.com:19302"
	DefaultRetryDelay = 2 * time.Second

	DefaultServerListenAddr    = "127.0.0.1:8888"
	DefaultServerMaxMsgsPerSec = 50
	DefaultServerMaxMsgBytes   = 64 * 1024
	DefaultServerShutdown      = 15 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config holds client settings for the peersig CLI.
type Config struct {
	Server    string
	Port      int
	Name      string
	CallPeer  string
	STUNURL   string
	LogFormat LogFormat
	LogLevel  slog.Level

	RetryDelay time.Duration
}

// ServerConfig holds settings for the peersigd rendezvous server.
type ServerConfig struct {
	ListenAddr           string
	MaxMessagesPerSecond int
	MaxMessageBytes      int
	ShutdownTimeout      time.Duration
	LogFormat            LogFormat
	LogLevel             slog.Level
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	server := envOrDefault(lookup, envVarServer, DefaultServer)
	name := envOrDefault(lookup, envVarName, defaultClientName())
	stunURL := envOrDefault(lookup, envVarSTUNURL, DefaultSTUNURL)
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, "info")

	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}

	retryDelay := DefaultRetryDelay
	if raw, ok := lookup(envVarRetryDelay); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarRetryDelay, raw, err)
		}
		retryDelay = d
	}

	fs := flag.NewFlagSet("peersig", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		logFormatStr string
		logLevelStr  string
		callPeer     string
	)

	fs.StringVar(&server, "server", server, "Rendezvous server host or IP (env "+envVarServer+")")
	fs.IntVar(&port, "port", port, "Rendezvous server port (env "+envVarPort+")")
	fs.StringVar(&name, "name", name, "Client name announced at sign-in (env "+envVarName+")")
	fs.StringVar(&callPeer, "call", callPeer, "Peer name to call once signed in (empty = answer only)")
	fs.StringVar(&stunURL, "stun-url", stunURL, "STUN server URL for ICE (env "+envVarSTUNURL+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&retryDelay, "retry-delay", retryDelay, "Delay before retrying a refused connection (env "+envVarRetryDelay+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(server) == "" {
		return Config{}, fmt.Errorf("server must not be empty")
	}
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d (expected 1-65535)", port)
	}
	if strings.TrimSpace(name) == "" {
		return Config{}, fmt.Errorf("name must not be empty")
	}
	if retryDelay <= 0 {
		return Config{}, fmt.Errorf("retry delay must be > 0")
	}

	return Config{
		Server:     server,
		Port:       port,
		Name:       name,
		CallPeer:   callPeer,
		STUNURL:    stunURL,
		LogFormat:  logFormat,
		LogLevel:   level,
		RetryDelay: retryDelay,
	}, nil
}

func LoadServer(args []string) (ServerConfig, error) {
	return loadServer(os.LookupEnv, args)
}

func loadServer(lookup func(string) (string, bool), args []string) (ServerConfig, error) {
	listenAddr := envOrDefault(lookup, envVarServerListenAddr, DefaultServerListenAddr)
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, "info")

	maxMsgsPerSec, err := envIntOrDefault(lookup, envVarServerMaxMsgsPerSec, DefaultServerMaxMsgsPerSec)
	if err != nil {
		return ServerConfig{}, err
	}
	maxMsgBytes, err := envIntOrDefault(lookup, envVarServerMaxMsgBytes, DefaultServerMaxMsgBytes)
	if err != nil {
		return ServerConfig{}, err
	}

	shutdownTimeout := DefaultServerShutdown
	if raw, ok := lookup(envVarServerShutdownWindow); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarServerShutdownWindow, raw, err)
		}
		shutdownTimeout = d
	}

	fs := flag.NewFlagSet("peersigd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "TCP listen address (env "+envVarServerListenAddr+")")
	fs.IntVar(&maxMsgsPerSec, "max-messages-per-second", maxMsgsPerSec, "Per-peer relayed messages per second, 0 = unlimited (env "+envVarServerMaxMsgsPerSec+")")
	fs.IntVar(&maxMsgBytes, "max-message-bytes", maxMsgBytes, "Max relayed message body size in bytes (env "+envVarServerMaxMsgBytes+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarServerShutdownWindow+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return ServerConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return ServerConfig{}, err
	}

	if listenAddr == "" {
		return ServerConfig{}, fmt.Errorf("listen address must not be empty")
	}
	if maxMsgsPerSec < 0 {
		return ServerConfig{}, fmt.Errorf("max messages per second must be >= 0")
	}
	if maxMsgBytes <= 0 {
		return ServerConfig{}, fmt.Errorf("max message bytes must be > 0")
	}
	if shutdownTimeout <= 0 {
		return ServerConfig{}, fmt.Errorf("shutdown timeout must be > 0")
	}

	return ServerConfig{
		ListenAddr:           listenAddr,
		MaxMessagesPerSecond: maxMsgsPerSec,
		MaxMessageBytes:      maxMsgBytes,
		ShutdownTimeout:      shutdownTimeout,
		LogFormat:            logFormat,
		LogLevel:             level,
	}, nil
}

func NewLogger(format LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch format {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	return slog.New(handler), nil
}

// defaultClientName mirrors the login convention of user@host.
func defaultClientName() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "peer"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return user
	}
	return user + "@" + host
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
