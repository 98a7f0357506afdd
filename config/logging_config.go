package config

import "github.com/aleybovich/carrot-client/logger"

// LoggingConfig defines configuration for logging behavior
type LoggingConfig struct {
	// Level is one of debug, info, warn, error or off. Default is info.
	Level string `toml:"level"`

	// FrameLogging logs every frame read or written at debug level
	FrameLogging bool `toml:"frame_logging"`

	// DisableLogging completely disables all logging when true
	DisableLogging bool `toml:"disable"`

	// CustomLogger allows providing a custom logger implementation
	// Cannot be used together with DisableLogging
	CustomLogger logger.Logger `toml:"-"`
}
