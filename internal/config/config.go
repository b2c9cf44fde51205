package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath = "config.toml"
	DefaultWorkspace  = "data"
)

type Config struct {
	Log       LogConfig    `toml:"log"`
	Workspace string       `toml:"workspace"`
	Feishu    FeishuConfig `toml:"feishu"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type FeishuConfig struct {
	AppID             string `toml:"app_id"`
	AppSecret         string `toml:"app_secret"`
	EncryptKey        string `toml:"encrypt_key"`
	VerificationToken string `toml:"verification_token"`
	Region            string `toml:"region"`
}

// Load reads the TOML config at path, falling back to defaults when the
// file does not exist. Missing keys keep their default values.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Workspace: DefaultWorkspace,
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
