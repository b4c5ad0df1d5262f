package main

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// ProfilesConfig holds all named broker profiles and tracks which one is
// active.
type ProfilesConfig struct {
	Active   string             `toml:"active"`
	Profiles map[string]Profile `toml:"profiles"`
}

// Profile is a named broker endpoint.
type Profile struct {
	URL string `toml:"url"`
}

func profilesConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "state", "tapedeck")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "profiles.toml"), nil
}

func loadProfilesConfig() (ProfilesConfig, error) {
	path, err := profilesConfigPath()
	if err != nil {
		return ProfilesConfig{}, err
	}
	var cfg ProfilesConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return ProfilesConfig{Profiles: map[string]Profile{}}, nil
		}
		return ProfilesConfig{}, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return cfg, nil
}

func saveProfilesConfig(cfg ProfilesConfig) error {
	path, err := profilesConfigPath()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Cached profile lookup, loaded once per process.
var (
	profileOnce sync.Once
	profileCfg  ProfilesConfig
)

// profileURL returns the URL of the named profile, or of the active one
// when name is empty. Missing file or profile yields "".
func profileURL(name string) string {
	profileOnce.Do(func() {
		cfg, err := loadProfilesConfig()
		if err != nil {
			return
		}
		profileCfg = cfg
	})
	if name == "" {
		name = profileCfg.Active
	}
	if name == "" {
		return ""
	}
	return profileCfg.Profiles[name].URL
}
