package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/jtang613/modsym/pkg/pdb"
	"github.com/jtang613/modsym/pkg/sym"
)

type symbolEntry struct {
	Name string  `json:"name"`
	Addr hexAddr `json:"addr"`
}

type addrEntry struct {
	Addr   hexAddr `json:"addr"`
	Name   string  `json:"name"`
	Offset hexAddr `json:"offset"`
}

type structEntry struct {
	Name    string            `json:"name"`
	Size    uint64            `json:"size"`
	Members map[string]uint64 `json:"members,omitempty"`
}

func newRootCommand() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:          "symdump",
		Short:        "Query symbols and structure layouts from PDB and DWARF debug files",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setupLogger()
		},
	}
	o.globalFlags(cmd.PersistentFlags())

	moduleFlags := o.moduleFlags()
	for _, sub := range []*cobra.Command{
		newSymbolCommand(o),
		newGrepCommand(o),
		newAddrCommand(o),
		newStructCommand(o),
		newListCommand(o),
	} {
		sub.Flags().AddFlagSet(moduleFlags)
		cmd.AddCommand(sub)
	}
	cmd.AddCommand(newIdentityCommand(o), newInfoCommand(o))
	return cmd
}

func newIdentityCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "identity <image>",
		Short: "Print the debug file identity recorded in a PE image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read image")
			}
			ident, err := sym.ReadIdentity(data)
			if err != nil {
				return err
			}
			return o.output(cmd.OutOrStdout(), ident)
		},
	}
}

func newSymbolCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "symbol <name>...",
		Short: "Resolve symbol names to runtime addresses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withModule(func(m sym.Module) error {
				out := make([]symbolEntry, 0, len(args))
				for _, name := range args {
					addr, ok := m.Symbol(name)
					if !ok {
						return errors.Errorf("symbol %q not found", name)
					}
					out = append(out, symbolEntry{Name: name, Addr: hexAddr(addr)})
				}
				return o.output(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newGrepCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "grep <substring>",
		Short: "List symbols whose name contains a substring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withModule(func(m sym.Module) error {
				found, ok := m.SymbolsContaining(args[0])
				if !ok {
					return errors.Errorf("no symbol contains %q", args[0])
				}
				names := maps.Keys(found)
				slices.Sort(names)
				out := make([]symbolEntry, 0, len(names))
				for _, name := range names {
					out = append(out, symbolEntry{Name: name, Addr: hexAddr(found[name])})
				}
				return o.output(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newAddrCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "addr <address>...",
		Short: "Resolve runtime addresses to symbol+offset",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]uint64, 0, len(args))
			for _, arg := range args {
				addr, err := parseAddr(arg)
				if err != nil {
					return err
				}
				addrs = append(addrs, addr)
			}
			return o.withModule(func(m sym.Module) error {
				out := make([]addrEntry, 0, len(addrs))
				for _, addr := range addrs {
					cur, ok := m.SymbolAt(addr)
					if !ok {
						return errors.Errorf("no symbol near %#x", addr)
					}
					out = append(out, addrEntry{Addr: hexAddr(addr), Name: cur.Name, Offset: hexAddr(cur.Offset)})
				}
				return o.output(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newStructCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "struct <name> [member]...",
		Short: "Print a structure size and member offsets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withModule(func(m sym.Module) error {
				name := args[0]
				size, ok := m.StructSize(name)
				if !ok {
					return errors.Errorf("struct %q not found", name)
				}
				out := structEntry{Name: name, Size: size}
				for _, member := range args[1:] {
					off, ok := m.StructOffset(name, member)
					if !ok {
						return errors.Errorf("member %q not found in %q", member, name)
					}
					if out.Members == nil {
						out.Members = make(map[string]uint64)
					}
					out.Members[member] = off
				}
				return o.output(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newListCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all symbols in address order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withModule(func(m sym.Module) error {
				var out []symbolEntry
				m.Symbols(func(s sym.Symbol) bool {
					out = append(out, symbolEntry{Name: s.Name, Addr: hexAddr(s.Addr)})
					return true
				})
				return o.output(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newInfoCommand(o *options) *cobra.Command {
	var showModules, showFunctions, showVariables, showPublics, showStructs, showAll bool
	cmd := &cobra.Command{
		Use:   "info <pdb-file>",
		Short: "Dump information from a PDB file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pdb.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open PDB")
			}
			defer p.Close()

			result := map[string]interface{}{
				"info":     p.Info(),
				"sections": p.Sections(),
			}
			if showModules || showAll {
				result["modules"] = p.Modules()
			}
			if showStructs || showAll {
				result["structs"] = p.StructNames()
			}
			if showFunctions || showAll {
				funcs, err := p.Functions()
				if err != nil {
					return errors.Wrap(err, "read functions")
				}
				result["functions"] = funcs
			}
			if showVariables || showAll {
				vars, err := p.Variables()
				if err != nil {
					return errors.Wrap(err, "read variables")
				}
				result["variables"] = vars
			}
			if showPublics || showAll {
				publics, err := p.PublicSymbols()
				if err != nil {
					return errors.Wrap(err, "read public symbols")
				}
				result["public_symbols"] = publics
			}
			return o.output(cmd.OutOrStdout(), result)
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&showModules, "modules", false, "list compiled modules")
	fs.BoolVar(&showFunctions, "functions", false, "list procedures")
	fs.BoolVar(&showVariables, "variables", false, "list global and static variables")
	fs.BoolVar(&showPublics, "publics", false, "list public symbols")
	fs.BoolVar(&showStructs, "structs", false, "list structure names")
	fs.BoolVar(&showAll, "all", false, "show everything")
	return cmd
}
