package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeSources()
	c.normalizePipeline()
	c.normalizeTools()
	c.normalizeWhisperX()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("TALKSCRIBE_CACHE_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.CacheDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	var err error
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultBind
	}
	origins := make([]string, 0, len(c.Server.AllowedOrigins))
	for _, origin := range c.Server.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Server.AllowedOrigins = origins
	if c.Server.ResultTTLMinutes <= 0 {
		c.Server.ResultTTLMinutes = defaultResultTTLMinutes
	}
	if c.Server.EventBuffer <= 0 {
		c.Server.EventBuffer = defaultEventBuffer
	}
}

func (c *Config) normalizeSources() {
	hosts := make([]string, 0, len(c.Sources.AllowedHosts))
	seen := make(map[string]struct{}, len(c.Sources.AllowedHosts))
	for _, host := range c.Sources.AllowedHosts {
		normalized := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		hosts = append(hosts, normalized)
	}
	if len(hosts) == 0 {
		hosts = append(hosts, defaultAllowedHosts...)
	}
	c.Sources.AllowedHosts = hosts
}

func (c *Config) normalizePipeline() {
	c.Pipeline.DefaultModel = strings.ToLower(strings.TrimSpace(c.Pipeline.DefaultModel))
	if c.Pipeline.DefaultModel == "" {
		c.Pipeline.DefaultModel = defaultModel
	}
	if c.Pipeline.MinSensitivity <= 0 {
		c.Pipeline.MinSensitivity = defaultMinSensitivity
	}
	if c.Pipeline.MaxSensitivity <= 0 {
		c.Pipeline.MaxSensitivity = defaultMaxSensitivity
	}
	if c.Pipeline.DefaultSensitivity <= 0 {
		c.Pipeline.DefaultSensitivity = defaultSensitivity
	}
	if c.Pipeline.SceneHeartbeatSeconds <= 0 {
		c.Pipeline.SceneHeartbeatSeconds = defaultSceneHeartbeatSeconds
	}
}

func (c *Config) normalizeTools() {
	c.Tools.YTDLP = strings.TrimSpace(c.Tools.YTDLP)
	if c.Tools.YTDLP == "" {
		c.Tools.YTDLP = defaultYTDLP
	}
	c.Tools.FFmpeg = strings.TrimSpace(c.Tools.FFmpeg)
	if c.Tools.FFmpeg == "" {
		c.Tools.FFmpeg = defaultFFmpeg
	}
	c.Tools.UVX = strings.TrimSpace(c.Tools.UVX)
	if c.Tools.UVX == "" {
		c.Tools.UVX = defaultUVX
	}
}

func (c *Config) normalizeWhisperX() {
	c.WhisperX.VADMethod = strings.ToLower(strings.TrimSpace(c.WhisperX.VADMethod))
	if c.WhisperX.VADMethod == "" {
		c.WhisperX.VADMethod = defaultVADMethod
	}
	c.WhisperX.HFToken = strings.TrimSpace(c.WhisperX.HFToken)
	if c.WhisperX.HFToken == "" {
		if value, ok := os.LookupEnv("HUGGING_FACE_HUB_TOKEN"); ok {
			c.WhisperX.HFToken = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("HF_TOKEN"); ok {
			c.WhisperX.HFToken = strings.TrimSpace(value)
		}
	}
	c.WhisperX.Language = strings.ToLower(strings.TrimSpace(c.WhisperX.Language))
	c.WhisperX.LargeModel = strings.TrimSpace(c.WhisperX.LargeModel)
	if c.WhisperX.LargeModel == "" {
		c.WhisperX.LargeModel = defaultLargeModel
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
