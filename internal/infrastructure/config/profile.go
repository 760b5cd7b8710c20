package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
)

// Profile lists the permission tokens granted to each peer, e.g.
//
//	host:   [SEND_EVAL, SEND_CALL, RECEIVE_CALL]
//	worker: [RECEIVE_EVAL, SEND_CALL]
type Profile struct {
	Host   []string `json:"host" yaml:"host" toml:"host"`
	Worker []string `json:"worker" yaml:"worker" toml:"worker"`
}

// LoadProfile reads a permission profile. The format follows the file
// extension: .yaml/.yml, .toml, or .json/.jsonc (comments and trailing
// commas allowed).
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading permission profile: %w", err)
	}

	profile, err := ParseProfile(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profile, nil
}

// ParseProfile decodes a profile in the format named by ext
func ParseProfile(data []byte, ext string) (*Profile, error) {
	var profile Profile

	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parsing YAML profile: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parsing TOML profile: %w", err)
		}
	case "json", "jsonc":
		if err := sonic.Unmarshal(jsonc.ToJSON(data), &profile); err != nil {
			return nil, fmt.Errorf("parsing JSON profile: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported profile format %q", ext)
	}

	return &profile, nil
}
