package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vanshika/refnet/backend/internal/domain"
)

type ladderFile struct {
	Roles []domain.RoleDefinition `yaml:"roles" toml:"roles"`
}

// LoadLadder returns the default ladder when path is empty, otherwise parses a
// YAML (.yaml/.yml) or TOML (.toml) file with a top-level roles list.
func LoadLadder(path string) (*domain.Ladder, error) {
	if strings.TrimSpace(path) == "" {
		return domain.DefaultLadder(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder file: %w", err)
	}
	return ParseLadder(filepath.Ext(path), raw)
}

// ParseLadder decodes raw according to ext and validates the result.
func ParseLadder(ext string, raw []byte) (*domain.Ladder, error) {
	var file ladderFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("decode yaml ladder: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(raw), &file)
		if err != nil {
			return nil, fmt.Errorf("decode toml ladder: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown ladder keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported ladder file extension %q", ext)
	}
	ladder, err := domain.NewLadder(file.Roles)
	if err != nil {
		return nil, fmt.Errorf("invalid ladder: %w", err)
	}
	return ladder, nil
}
