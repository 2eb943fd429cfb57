package config

const (
	defaultConfigPath            = "~/.config/talkscribe/config.toml"
	projectConfigName            = "talkscribe.toml"
	defaultCacheDir              = "~/.cache/talkscribe"
	defaultLogDir                = "~/.local/share/talkscribe/logs"
	defaultBind                  = "127.0.0.1:5001"
	defaultResultTTLMinutes      = 60
	defaultEventBuffer           = 256
	defaultModel                 = "medium"
	defaultSensitivity           = 0.3
	defaultMinSensitivity        = 0.1
	defaultMaxSensitivity        = 0.8
	defaultSceneHeartbeatSeconds = 30
	defaultYTDLP                 = "yt-dlp"
	defaultFFmpeg                = "ffmpeg"
	defaultUVX                   = "uvx"
	defaultVADMethod             = "silero"
	defaultLargeModel            = "large-v3"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
)

var defaultAllowedHosts = []string{
	"youtube.com",
	"youtu.be",
	"instagram.com",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			CacheDir: defaultCacheDir,
			LogDir:   defaultLogDir,
		},
		Server: Server{
			Bind:             defaultBind,
			AllowedOrigins:   []string{"*"},
			ResultTTLMinutes: defaultResultTTLMinutes,
			EventBuffer:      defaultEventBuffer,
		},
		Sources: Sources{
			AllowedHosts: append([]string(nil), defaultAllowedHosts...),
		},
		Pipeline: Pipeline{
			DefaultModel:          defaultModel,
			DefaultSensitivity:    defaultSensitivity,
			MinSensitivity:        defaultMinSensitivity,
			MaxSensitivity:        defaultMaxSensitivity,
			DetectSlides:          true,
			SceneHeartbeatSeconds: defaultSceneHeartbeatSeconds,
		},
		Tools: Tools{
			YTDLP:  defaultYTDLP,
			FFmpeg: defaultFFmpeg,
			UVX:    defaultUVX,
		},
		WhisperX: WhisperX{
			VADMethod:  defaultVADMethod,
			LargeModel: defaultLargeModel,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
