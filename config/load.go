package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML file on top of Default(). Keys absent from the file
// keep their default values.
func Load(path string) (ClientConfig, error) {
	cfg := Default()

	var raw ClientConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("host") {
		if err := cfg.SetAddress(raw.Host); err != nil {
			return ClientConfig{}, fmt.Errorf("parse host: %w", err)
		}
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("virtual_host") {
		cfg.VirtualHost = raw.VirtualHost
	}
	if meta.IsDefined("credentials", "login") {
		cfg.Credentials.Login = raw.Credentials.Login
	}
	if meta.IsDefined("credentials", "password") {
		cfg.Credentials.Password = raw.Credentials.Password
	}
	if meta.IsDefined("mechanism") {
		cfg.Mechanism = Mechanism(strings.ToUpper(strings.TrimSpace(string(raw.Mechanism))))
	}
	if meta.IsDefined("locale") {
		cfg.Locale = strings.TrimSpace(raw.Locale)
	}
	if meta.IsDefined("product") {
		cfg.Product = raw.Product
	}
	if meta.IsDefined("version") {
		cfg.Version = raw.Version
	}
	if meta.IsDefined("default_frame_max") {
		cfg.DefaultFrameMax = raw.DefaultFrameMax
	}
	if meta.IsDefined("logging") {
		cfg.Logging = raw.Logging
	}
	if meta.IsDefined("storage") {
		cfg.Storage = raw.Storage
	}

	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("invalid client config %s: %w", path, err)
	}
	return cfg, nil
}
