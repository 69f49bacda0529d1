package config

import (
	"time"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/geometry"
	"gcode-sim/pkg/source"
)

// Section names.
const (
	SectionIngest   = "ingest"
	SectionPlayback = "playback"
	SectionSeek     = "seek"
	SectionGeometry = "geometry"
	SectionAPI      = "api"
	SectionMetrics  = "metrics"
	SectionLog      = "log"
	SectionS3       = "source s3"
)

// IngestConfig is the [ingest] section.
type IngestConfig struct {
	ChunkSize     int
	ParseBatch    int
	MaxLineLength int
	// MemoryThreshold is in bytes; zero disables pressure checks.
	MemoryThreshold    uint64
	PressureCheckEvery int
}

// PlaybackConfig is the [playback] section.
type PlaybackConfig struct {
	Speed       float64
	TickBudget  time.Duration
	ReplayBatch int
	Autostart   bool
}

// SeekConfig is the [seek] section.
type SeekConfig struct {
	PollInterval time.Duration
	StallTimeout time.Duration
}

// GeometryConfig is the [geometry] section.
type GeometryConfig struct {
	PointCap       int // 0 = derived from program size
	ExtrusionColor geometry.Color
	TravelColor    geometry.Color
}

// APIConfig is the [api] section.
type APIConfig struct {
	Listen         string
	StatusInterval time.Duration
}

// MetricsConfig is the [metrics] section.
type MetricsConfig struct {
	Listen   string
	Username string
	Password string
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level  string
	Format string
}

// SimConfig is the typed simulator configuration.
type SimConfig struct {
	Ingest   IngestConfig
	Playback PlaybackConfig
	Seek     SeekConfig
	Geometry GeometryConfig
	API      APIConfig
	Metrics  MetricsConfig
	Log      LogConfig
	S3       source.S3Options
}

// DefaultSimConfig returns the configuration used when no file is given.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		Ingest: IngestConfig{
			ChunkSize:          64 << 10,
			ParseBatch:         1000,
			MaxLineLength:      64 << 10,
			PressureCheckEvery: 16,
		},
		Playback: PlaybackConfig{
			Speed:       1,
			TickBudget:  16 * time.Millisecond,
			ReplayBatch: 1000,
		},
		Seek: SeekConfig{
			PollInterval: 20 * time.Millisecond,
			StallTimeout: 5 * time.Second,
		},
		Geometry: GeometryConfig{
			ExtrusionColor: geometry.DefaultExtrusionColor,
			TravelColor:    geometry.DefaultTravelColor,
		},
		API: APIConfig{
			Listen:         "127.0.0.1:7125",
			StatusInterval: 250 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadSimConfig reads and validates the file at path.
func LoadSimConfig(path string) (*SimConfig, error) {
	c, err := Load(path)
	if err != nil {
		return nil, errors.ConfigError("loading "+path, err)
	}
	return ParseSimConfig(c)
}

// ParseSimConfig maps a parsed Config onto a SimConfig. Missing sections
// and options keep their defaults; options nobody reads are an error.
func ParseSimConfig(c *Config) (*SimConfig, error) {
	sc := DefaultSimConfig()
	steps := []func(*Config, *SimConfig) error{
		parseIngest, parsePlayback, parseSeek, parseGeometry,
		parseAPI, parseMetrics, parseLog, parseS3,
	}
	for _, step := range steps {
		if err := step(c, sc); err != nil {
			return nil, errors.ConfigError("invalid configuration", err)
		}
	}
	if err := c.CheckUnusedSections(); err != nil {
		return nil, errors.ConfigError("invalid configuration", err)
	}
	if err := c.CheckUnusedOptions(); err != nil {
		return nil, errors.ConfigError("invalid configuration", err)
	}
	return sc, nil
}

func parseIngest(c *Config, sc *SimConfig) (err error) {
	s := c.GetSectionOptional(SectionIngest)
	one, zero := 1, 0
	if sc.Ingest.ChunkSize, err = s.GetIntWithBounds("chunk_size", &one, nil, sc.Ingest.ChunkSize); err != nil {
		return err
	}
	if sc.Ingest.ParseBatch, err = s.GetIntWithBounds("parse_batch", &one, nil, sc.Ingest.ParseBatch); err != nil {
		return err
	}
	if sc.Ingest.MaxLineLength, err = s.GetIntWithBounds("max_line_length", &one, nil, sc.Ingest.MaxLineLength); err != nil {
		return err
	}
	mb, err := s.GetIntWithBounds("memory_threshold_mb", &zero, nil, 0)
	if err != nil {
		return err
	}
	sc.Ingest.MemoryThreshold = uint64(mb) << 20
	sc.Ingest.PressureCheckEvery, err = s.GetIntWithBounds("pressure_check_every", &one, nil, sc.Ingest.PressureCheckEvery)
	return err
}

func parsePlayback(c *Config, sc *SimConfig) (err error) {
	s := c.GetSectionOptional(SectionPlayback)
	minSpeed, maxSpeed := 0.1, 1000.0
	sc.Playback.Speed, err = s.GetFloatWithBounds("speed",
		FloatBounds{MinVal: &minSpeed, MaxVal: &maxSpeed}, sc.Playback.Speed)
	if err != nil {
		return err
	}
	if sc.Playback.TickBudget, err = s.GetMillis("tick_budget_ms", sc.Playback.TickBudget); err != nil {
		return err
	}
	one := 1
	if sc.Playback.ReplayBatch, err = s.GetIntWithBounds("replay_batch", &one, nil, sc.Playback.ReplayBatch); err != nil {
		return err
	}
	sc.Playback.Autostart, err = s.GetBool("autostart", false)
	return err
}

func parseSeek(c *Config, sc *SimConfig) (err error) {
	s := c.GetSectionOptional(SectionSeek)
	if sc.Seek.PollInterval, err = s.GetMillis("poll_interval_ms", sc.Seek.PollInterval); err != nil {
		return err
	}
	sc.Seek.StallTimeout, err = s.GetMillis("stall_timeout_ms", sc.Seek.StallTimeout)
	return err
}

func parseGeometry(c *Config, sc *SimConfig) (err error) {
	s := c.GetSectionOptional(SectionGeometry)
	zero := 0
	if sc.Geometry.PointCap, err = s.GetIntWithBounds("point_cap", &zero, nil, 0); err != nil {
		return err
	}
	if sc.Geometry.ExtrusionColor, err = getColor(s, "extrusion_color", sc.Geometry.ExtrusionColor); err != nil {
		return err
	}
	sc.Geometry.TravelColor, err = getColor(s, "travel_color", sc.Geometry.TravelColor)
	return err
}

func getColor(s *Section, option string, fallback geometry.Color) (geometry.Color, error) {
	if !s.HasOption(option) {
		return fallback, nil
	}
	v, _ := s.Get(option)
	col, err := geometry.ParseColor(v)
	if err != nil {
		return fallback, ErrInvalidValue(s.GetName(), option, v, "rrggbb hex color")
	}
	return col, nil
}

func parseAPI(c *Config, sc *SimConfig) (err error) {
	s := c.GetSectionOptional(SectionAPI)
	if sc.API.Listen, err = s.Get("listen", sc.API.Listen); err != nil {
		return err
	}
	sc.API.StatusInterval, err = s.GetMillis("status_interval_ms", sc.API.StatusInterval)
	return err
}

func parseMetrics(c *Config, sc *SimConfig) (err error) {
	s := c.GetSectionOptional(SectionMetrics)
	if sc.Metrics.Listen, err = s.Get("listen", ""); err != nil {
		return err
	}
	if sc.Metrics.Username, err = s.Get("username", ""); err != nil {
		return err
	}
	sc.Metrics.Password, err = s.Get("password", "")
	return err
}

func parseLog(c *Config, sc *SimConfig) (err error) {
	s := c.GetSectionOptional(SectionLog)
	if sc.Log.Level, err = s.GetChoice("level", []string{"debug", "info", "warn", "error"}, sc.Log.Level); err != nil {
		return err
	}
	sc.Log.Format, err = s.GetChoice("format", []string{"text", "json"}, sc.Log.Format)
	return err
}

func parseS3(c *Config, sc *SimConfig) (err error) {
	s := c.GetSectionOptional(SectionS3)
	if sc.S3.Region, err = s.Get("region", ""); err != nil {
		return err
	}
	if sc.S3.Endpoint, err = s.Get("endpoint", ""); err != nil {
		return err
	}
	if sc.S3.UsePathStyle, err = s.GetBool("use_path_style", false); err != nil {
		return err
	}
	if sc.S3.AccessKeyID, err = s.Get("access_key_id", ""); err != nil {
		return err
	}
	sc.S3.SecretAccessKey, err = s.Get("secret_access_key", "")
	return err
}
