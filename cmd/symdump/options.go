package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shibukawa/configdir"
	"github.com/spf13/pflag"

	"github.com/jtang613/modsym/pkg/sym"
)

const (
	vendorName = "modsym"
	appName    = "symdump"
	configFile = "symdump.yaml"

	envPDBRoot   = "_NT_SYMBOL_PATH"
	envDWARFRoot = "_LINUX_SYMBOL_PATH"
)

type options struct {
	configPath string
	pdbRoot    string
	dwarfRoot  string
	logLevel   string
	pretty     bool

	module string
	id     string
	image  string
	base   uint64
	size   uint64

	log zerolog.Logger
}

func (o *options) globalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "YAML config file (default: "+configFile+" in the user or system config folder)")
	fs.StringVar(&o.pdbRoot, "pdb-root", "", "PDB store root, overrides config and $"+envPDBRoot)
	fs.StringVar(&o.dwarfRoot, "dwarf-root", "", "DWARF store root, overrides config and $"+envDWARFRoot)
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	fs.BoolVar(&o.pretty, "pretty", false, "pretty-print JSON output")
}

// moduleFlags selects the module queried by the symbol and struct commands.
func (o *options) moduleFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("module", pflag.ContinueOnError)
	fs.StringVar(&o.module, "module", "", "module name, as laid out in the symbol store")
	fs.StringVar(&o.id, "id", "", "debug file identifier (GUID and age, or build id)")
	fs.StringVar(&o.image, "image", "", "loaded image to read the RSDS identity from, instead of --module and --id")
	fs.Uint64Var(&o.base, "base", 0, "runtime base address of the module")
	fs.Uint64Var(&o.size, "size", 0, "runtime size of the module")
	return fs
}

func (o *options) setupLogger() error {
	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		return errors.Wrap(err, "invalid --log-level")
	}
	o.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return nil
}

// config merges the store roots from the environment, the config file and
// the flags, in increasing precedence.
func (o *options) config() (sym.Config, error) {
	cfg := sym.Config{
		PDBRoot:   os.Getenv(envPDBRoot),
		DWARFRoot: os.Getenv(envDWARFRoot),
	}
	file, err := o.loadConfigFile()
	if err != nil {
		return sym.Config{}, err
	}
	cfg.PDBRoot = firstNonEmpty(o.pdbRoot, file.PDBRoot, cfg.PDBRoot)
	cfg.DWARFRoot = firstNonEmpty(o.dwarfRoot, file.DWARFRoot, cfg.DWARFRoot)
	cfg.Logger = &o.log
	return cfg, nil
}

func (o *options) loadConfigFile() (sym.Config, error) {
	if o.configPath != "" {
		return sym.LoadConfig(o.configPath)
	}
	for _, folder := range configdir.New(vendorName, appName).QueryFolders(configdir.All) {
		data, err := folder.ReadFile(configFile)
		if err != nil {
			continue
		}
		o.log.Debug().Str("path", folder.Path).Msg("using config folder")
		return sym.ParseConfig(data)
	}
	return sym.Config{}, nil
}

// openModule opens the module selected by the module flags.
func (o *options) openModule() (sym.Module, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	span := sym.Span{Addr: o.base, Size: o.size}
	if o.image != "" {
		data, err := os.ReadFile(o.image)
		if err != nil {
			return nil, errors.Wrap(err, "read image")
		}
		return sym.OpenPDBImage(cfg, span, data)
	}
	if o.module == "" || o.id == "" {
		return nil, errors.New("either --image or both --module and --id are required")
	}
	return sym.Open(cfg, span, o.module, o.id)
}

func (o *options) withModule(fn func(m sym.Module) error) error {
	m, err := o.openModule()
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func (o *options) output(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if o.pretty {
		enc.SetIndent("", "  ")
	}
	return errors.Wrap(enc.Encode(v), "encode JSON")
}

// hexAddr renders addresses as 0x-prefixed hex strings.
type hexAddr uint64

func (a hexAddr) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(a))), nil
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	return v, errors.Wrapf(err, "bad address %q", s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
