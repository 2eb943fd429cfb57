package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
)

var knownModels = []string{"tiny", "small", "medium", "large"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateWhisperX(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind %q must be host:port: %w", c.Server.Bind, err)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline
	if !slices.Contains(knownModels, p.DefaultModel) {
		return fmt.Errorf("pipeline.default_model must be one of %v, got %q", knownModels, p.DefaultModel)
	}
	if p.MinSensitivity > 1 || p.MaxSensitivity > 1 {
		return errors.New("pipeline.min_sensitivity and pipeline.max_sensitivity must be within (0, 1]")
	}
	if p.MinSensitivity > p.MaxSensitivity {
		return errors.New("pipeline.min_sensitivity must not exceed pipeline.max_sensitivity")
	}
	if p.DefaultSensitivity < p.MinSensitivity || p.DefaultSensitivity > p.MaxSensitivity {
		return fmt.Errorf("pipeline.default_sensitivity %.2f must lie within [%.2f, %.2f]",
			p.DefaultSensitivity, p.MinSensitivity, p.MaxSensitivity)
	}
	return nil
}

func (c *Config) validateWhisperX() error {
	switch c.WhisperX.VADMethod {
	case "silero":
	case "pyannote":
		if c.WhisperX.HFToken == "" {
			return errors.New("whisperx.hf_token (or HF_TOKEN) is required when whisperx.vad_method is pyannote")
		}
	default:
		return fmt.Errorf("whisperx.vad_method must be silero or pyannote, got %q", c.WhisperX.VADMethod)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
