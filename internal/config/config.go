package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "livemap.cfg.json"

// WorldConfig describes one world to display.
type WorldConfig struct {
	FolderName  string    `json:"folderName" mapstructure:"folderName"`
	DisplayName string    `json:"displayName" mapstructure:"displayName"`
	Origin      []float64 `json:"origin" mapstructure:"origin"`
}

// MarkerConfig is one entry of the static marker list.
type MarkerConfig struct {
	World   string         `json:"world" mapstructure:"world"`
	Kind    string         `json:"kind" mapstructure:"kind"`
	Points  [][]float64    `json:"points" mapstructure:"points"`
	Radius  float64        `json:"radius" mapstructure:"radius"`
	Tooltip string         `json:"tooltip" mapstructure:"tooltip"`
	Style   map[string]any `json:"style" mapstructure:"style"`
}

// FetchConfig holds snapshot polling settings.
type FetchConfig struct {
	ServerURL     string
	Timeout       time.Duration
	Interval      time.Duration
	FailurePolicy string
}

// DisplayConfig holds display transform settings.
type DisplayConfig struct {
	Projection string
}

// SurfaceConfig selects where reconciled markers go.
type SurfaceConfig struct {
	Type   string
	Listen string
}

// StoreConfig holds poll audit log settings.
type StoreConfig struct {
	Enabled       bool
	Type          string
	SQLitePath    string
	FlushInterval time.Duration
	Host          string
	Port          string
	Username      string
	Password      string
	Database      string
}

// InfluxConfig holds InfluxDB settings.
type InfluxConfig struct {
	Enabled    bool
	Protocol   string
	Host       string
	Port       string
	Token      string
	Org        string
	Bucket     string
	BackupPath string
}

// GraylogConfig holds GELF log shipping settings.
type GraylogConfig struct {
	Enabled bool
	Address string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// MonitorConfig holds status file settings.
type MonitorConfig struct {
	Enabled    bool
	Interval   time.Duration
	StatusFile string
}

// SetDefaults registers every default value with viper.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./livemaplogs")

	viper.SetDefault("api.serverUrl", "http://localhost:8080")
	viper.SetDefault("api.timeout", "5s")

	viper.SetDefault("fetch.interval", "10s")
	viper.SetDefault("fetch.failurePolicy", "clear")

	viper.SetDefault("worlds", []map[string]any{
		{"folderName": "world", "displayName": "Overworld", "origin": []float64{0, 0}},
	})
	viper.SetDefault("markers", []map[string]any{})

	viper.SetDefault("display.projection", "simple")

	viper.SetDefault("surface.type", "websocket")
	viper.SetDefault("server.listen", ":8123")

	viper.SetDefault("store.enabled", false)
	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.sqlitePath", "./livemap.db")
	viper.SetDefault("store.flushInterval", "5s")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "livemap")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "livemap")
	viper.SetDefault("influx.bucket", "livemap_performance")
	viper.SetDefault("influx.backupPath", "./livemap_influx_backup.lp.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "livemap")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.interval", "1s")
	viper.SetDefault("monitor.statusFile", "./livemap_status.json")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetWorlds returns the configured worlds.
func GetWorlds() ([]WorldConfig, error) {
	var worlds []WorldConfig
	if err := viper.UnmarshalKey("worlds", &worlds); err != nil {
		return nil, fmt.Errorf("decoding worlds: %w", err)
	}
	for i, w := range worlds {
		if w.FolderName == "" {
			return nil, fmt.Errorf("world %d has no folderName", i)
		}
		if w.DisplayName == "" {
			worlds[i].DisplayName = w.FolderName
		}
	}
	return worlds, nil
}

// GetMarkers returns the static marker list.
func GetMarkers() ([]MarkerConfig, error) {
	var markers []MarkerConfig
	if err := viper.UnmarshalKey("markers", &markers); err != nil {
		return nil, fmt.Errorf("decoding markers: %w", err)
	}
	return markers, nil
}

// GetFetchConfig returns snapshot polling settings.
func GetFetchConfig() FetchConfig {
	return FetchConfig{
		ServerURL:     viper.GetString("api.serverUrl"),
		Timeout:       viper.GetDuration("api.timeout"),
		Interval:      viper.GetDuration("fetch.interval"),
		FailurePolicy: viper.GetString("fetch.failurePolicy"),
	}
}

// GetDisplayConfig returns display transform settings.
func GetDisplayConfig() DisplayConfig {
	return DisplayConfig{
		Projection: viper.GetString("display.projection"),
	}
}

// GetSurfaceConfig returns the display surface settings.
func GetSurfaceConfig() SurfaceConfig {
	return SurfaceConfig{
		Type:   viper.GetString("surface.type"),
		Listen: viper.GetString("server.listen"),
	}
}

// GetStoreConfig returns poll audit log settings.
func GetStoreConfig() StoreConfig {
	return StoreConfig{
		Enabled:       viper.GetBool("store.enabled"),
		Type:          viper.GetString("store.type"),
		SQLitePath:    viper.GetString("store.sqlitePath"),
		FlushInterval: viper.GetDuration("store.flushInterval"),
		Host:          viper.GetString("db.host"),
		Port:          viper.GetString("db.port"),
		Username:      viper.GetString("db.username"),
		Password:      viper.GetString("db.password"),
		Database:      viper.GetString("db.database"),
	}
}

// GetInfluxConfig returns InfluxDB settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		Protocol:   viper.GetString("influx.protocol"),
		Host:       viper.GetString("influx.host"),
		Port:       viper.GetString("influx.port"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		Bucket:     viper.GetString("influx.bucket"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetGraylogConfig returns GELF settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetOTelConfig returns OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetMonitorConfig returns status file settings.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:    viper.GetBool("monitor.enabled"),
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}
