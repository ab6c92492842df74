package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the hub configuration.
//
// Values come from an optional YAML file first, then environment variables
// override. Interval values are clamped to their documented ranges rather
// than rejected; a renderer session should never fail to start over an
// out-of-range tunable.
type Config struct {
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	SQLiteDBPath string `yaml:"sqliteDbPath"`
	MediaDir     string `yaml:"mediaDir"`

	// ServerURL is the externally reachable base URL of this hub. It is
	// embedded in event callback URLs and stream URLs handed to renderers,
	// so it must be an address the renderer can route to.
	ServerURL string `yaml:"serverUrl"`

	CommunicationTimeoutMs     int `yaml:"communicationTimeoutMs"`
	DevicePollingIntervalMs    int `yaml:"devicePollingIntervalMs"`
	QueueProcessingIntervalMs  int `yaml:"queueProcessingIntervalMs"`
	ClientDiscoveryInitialSec  int `yaml:"clientDiscoveryInitialSec"`
	ClientDiscoveryIntervalSec int `yaml:"clientDiscoveryIntervalSec"`
	PhotoTransitionSec         int `yaml:"photoTransitionSec"`
	MaxResumePct               int `yaml:"maxResumePct"`

	UserAgent    string `yaml:"userAgent"`
	FriendlyName string `yaml:"friendlyName"`
	UDPPortRange string `yaml:"udpPortRange"`

	// StaticDevices lists device description URLs injected as synthetic
	// discoveries when network discovery is disabled or firewalled.
	StaticDevices []string `yaml:"staticDevices"`

	DisableDiscovery  bool   `yaml:"disableDiscovery"`
	EnableSSDPTracing bool   `yaml:"enableSsdpTracing"`
	SSDPTracingFilter string `yaml:"ssdpTracingFilter"`
	EnablePlayToDebug bool   `yaml:"enablePlayToDebug"`
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and
// environment variables, env taking precedence.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Host = envString("HOST", cfg.Host)
	cfg.Port = envString("PORT", cfg.Port)
	cfg.SQLiteDBPath = envString("SQLITE_DB_PATH", cfg.SQLiteDBPath)
	cfg.MediaDir = envString("MEDIA_DIR", cfg.MediaDir)
	cfg.ServerURL = envString("SERVER_URL", cfg.ServerURL)

	cfg.CommunicationTimeoutMs = envInt("COMMUNICATION_TIMEOUT_MS", cfg.CommunicationTimeoutMs)
	cfg.DevicePollingIntervalMs = envInt("DEVICE_POLLING_INTERVAL_MS", cfg.DevicePollingIntervalMs)
	cfg.QueueProcessingIntervalMs = envInt("QUEUE_PROCESSING_INTERVAL_MS", cfg.QueueProcessingIntervalMs)
	cfg.ClientDiscoveryInitialSec = envInt("CLIENT_DISCOVERY_INITIAL_SEC", cfg.ClientDiscoveryInitialSec)
	cfg.ClientDiscoveryIntervalSec = envInt("CLIENT_DISCOVERY_INTERVAL_SEC", cfg.ClientDiscoveryIntervalSec)
	cfg.PhotoTransitionSec = envInt("PHOTO_TRANSITION_SEC", cfg.PhotoTransitionSec)
	cfg.MaxResumePct = envInt("MAX_RESUME_PCT", cfg.MaxResumePct)

	cfg.UserAgent = envString("USER_AGENT", cfg.UserAgent)
	cfg.FriendlyName = envString("FRIENDLY_NAME", cfg.FriendlyName)
	cfg.UDPPortRange = envString("UDP_PORT_RANGE", cfg.UDPPortRange)

	if devices := envCSV("STATIC_DEVICES"); len(devices) > 0 {
		cfg.StaticDevices = devices
	}

	cfg.DisableDiscovery = envBool("DISABLE_DISCOVERY", cfg.DisableDiscovery)
	cfg.EnableSSDPTracing = envBool("ENABLE_SSDP_TRACING", cfg.EnableSSDPTracing)
	cfg.SSDPTracingFilter = envString("SSDP_TRACING_FILTER", cfg.SSDPTracingFilter)
	cfg.EnablePlayToDebug = envBool("ENABLE_PLAYTO_DEBUG", cfg.EnablePlayToDebug)

	cfg.clamp()

	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://" + cfg.Host + ":" + cfg.Port
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return cfg, nil
}

func defaults() Config {
	return Config{
		Host:                       "0.0.0.0",
		Port:                       "9200",
		SQLiteDBPath:               "./data/playto-hub.db",
		MediaDir:                   "./media",
		CommunicationTimeoutMs:     8000,
		DevicePollingIntervalMs:    30000,
		QueueProcessingIntervalMs:  1000,
		ClientDiscoveryInitialSec:  5,
		ClientDiscoveryIntervalSec: 1800,
		PhotoTransitionSec:         5,
		MaxResumePct:               2,
		UserAgent:                  "PlayToHub/1.0 UPnP/1.0",
		FriendlyName:               "PlayTo Hub",
		UDPPortRange:               "49152-65535",
	}
}

func (cfg *Config) clamp() {
	cfg.CommunicationTimeoutMs = clampInt(cfg.CommunicationTimeoutMs, 8000, 60000)
	cfg.DevicePollingIntervalMs = clampInt(cfg.DevicePollingIntervalMs, 0, 1200000)
	cfg.QueueProcessingIntervalMs = clampInt(cfg.QueueProcessingIntervalMs, 0, 60000)
	cfg.ClientDiscoveryInitialSec = clampInt(cfg.ClientDiscoveryInitialSec, 4, 1500)
	cfg.ClientDiscoveryIntervalSec = clampInt(cfg.ClientDiscoveryIntervalSec, 10, 60000)
	if cfg.PhotoTransitionSec < 1 {
		cfg.PhotoTransitionSec = 5
	}
	if cfg.MaxResumePct < 0 || cfg.MaxResumePct > 100 {
		cfg.MaxResumePct = 2
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return strings.EqualFold(val, "true")
}

func envCSV(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}
