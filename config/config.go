// Package config stores named target profiles in a TOML file, so repeat
// engagements do not need their transport flags retyped.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const profilesFileName = "profiles.toml"

// EnvConfigDir overrides the profile directory when set.
const EnvConfigDir = "SLEDGE_CONFIG_DIR"

// Profile captures everything needed to reconnect to one target.
type Profile struct {
	// Exactly one transport should be set: URL for a webshell, RequestFile
	// for a captured raw request, ExecWrapper for a local command template,
	// WSURL for a websocket executor.
	URL         string `toml:"url,omitempty"`
	Method      string `toml:"method,omitempty"`
	Param       string `toml:"param,omitempty"`
	Password    string `toml:"password,omitempty"`
	RequestFile string `toml:"request_file,omitempty"`
	ExecWrapper string `toml:"exec_wrapper,omitempty"`
	WSURL       string `toml:"ws_url,omitempty"`
	Proxy       string `toml:"proxy,omitempty"`

	OS        string `toml:"os,omitempty"`
	Obfuscate bool   `toml:"obfuscate,omitempty"`
	Base64    bool   `toml:"base64,omitempty"`

	Shell          string `toml:"shell,omitempty"`
	WorkingDir     string `toml:"working_dir,omitempty"`
	ReadIntervalMS int    `toml:"read_interval_ms,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

// File is the on-disk layout: a table of profiles by name.
type File struct {
	Profiles map[string]Profile `toml:"profiles"`
}

// Store reads and writes the profile file under one directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir resolves the profile directory: the environment override if
// set, otherwise a sledge directory under the user config root.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return filepath.Join(base, "sledge"), nil
}

// LoadOrInit reads the profile file, creating an empty one on first run.
func (s *Store) LoadOrInit() (File, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return File{}, fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(s.dir, profilesFileName)
	if b, err := os.ReadFile(path); err == nil {
		var f File
		if err := toml.Unmarshal(b, &f); err != nil {
			return File{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		return normalize(f), nil
	} else if !os.IsNotExist(err) {
		return File{}, err
	}

	f := normalize(File{})
	if err := writeTOMLAtomically(path, f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Profile loads one named profile.
func (s *Store) Profile(name string) (Profile, error) {
	f, err := s.LoadOrInit()
	if err != nil {
		return Profile{}, err
	}
	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("no profile named %q", name)
	}
	return p, nil
}

// SetProfile stores a profile under name, replacing any previous one.
func (s *Store) SetProfile(name string, p Profile) error {
	f, err := s.LoadOrInit()
	if err != nil {
		return err
	}
	f.Profiles[name] = p
	return writeTOMLAtomically(filepath.Join(s.dir, profilesFileName), f)
}

func normalize(f File) File {
	if f.Profiles == nil {
		f.Profiles = map[string]Profile{}
	}
	for name, p := range f.Profiles {
		p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
		if p.URL != "" && p.Method == "" {
			p.Method = "GET"
		}
		if p.URL != "" && p.Param == "" {
			p.Param = "cmd"
		}
		f.Profiles[name] = p
	}
	return f
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
