package sym

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config locates debug files and carries the logger used by modules.
type Config struct {
	// PDBRoot holds PDB files as <root>/<module>/<id>/<module>.
	PDBRoot string `yaml:"pdb_root"`
	// DWARFRoot holds ELF debug files as <root>/<module>/<id>/elf.
	DWARFRoot string `yaml:"dwarf_root"`
	// Logger defaults to a disabled logger when nil.
	Logger *zerolog.Logger `yaml:"-"`
}

func (c Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}
