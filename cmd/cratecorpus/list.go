package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jward/cratecorpus/internal/cratelist"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Manage the crate list",
	Long:  "The crate list names the crates to compile and records the build status of each.",
}

var (
	flagListForce   bool
	flagResetFailed bool
)

func init() {
	listInitCmd.Flags().BoolVar(&flagListForce, "force", false, "overwrite an existing list")
	listResetCmd.Flags().BoolVar(&flagResetFailed, "failed", false, "reset only failed entries")

	listCmd.AddCommand(listInitCmd)
	listCmd.AddCommand(listAddCmd)
	listCmd.AddCommand(listShowCmd)
	listCmd.AddCommand(listResetCmd)
}

var listInitCmd = &cobra.Command{
	Use:   "init <file>",
	Short: "Create the crate list from name@version lines",
	Long:  "Reads one name@version per line (blank lines and # comments are ignored; - reads stdin) and writes a new crate list with every entry pending.",
	Args:  cobra.ExactArgs(1),
	RunE:  runListInit,
}

func runListInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := cfg.CrateListPath()
	if _, err := os.Stat(path); err == nil && !flagListForce {
		return outputError(out, "list init", fmt.Errorf("%s already exists (use --force to overwrite)", path))
	}

	var r io.Reader
	if args[0] == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			return outputError(out, "list init", err)
		}
		defer f.Close()
		r = f
	}
	pkgs, err := cratelist.Parse(r)
	if err != nil {
		return outputError(out, "list init", fmt.Errorf("%s: %w", args[0], err))
	}

	list := cratelist.New(pkgs)
	if err := list.Save(path); err != nil {
		return outputError(out, "list init", err)
	}
	res := listResult(path, list)
	res.Added = len(list.Crates)
	return outputResult(out, "list init", res)
}

var listAddCmd = &cobra.Command{
	Use:   "add <name@version>...",
	Short: "Append entries to the crate list",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runListAdd,
}

func runListAdd(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	pkgs := make([]cratelist.Package, 0, len(args))
	for _, arg := range args {
		p, err := cratelist.ParsePackage(arg)
		if err != nil {
			return outputError(out, "list add", err)
		}
		pkgs = append(pkgs, p)
	}

	path := cfg.CrateListPath()
	list, err := loadOrNewList(path)
	if err != nil {
		return outputError(out, "list add", err)
	}
	added := 0
	for _, p := range pkgs {
		if _, ok := list.Add(p); ok {
			added++
		}
	}
	if err := list.Save(path); err != nil {
		return outputError(out, "list add", err)
	}
	res := listResult(path, list)
	res.Added = added
	return outputResult(out, "list add", res)
}

var listShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the crate list with build status",
	Args:  cobra.NoArgs,
	RunE:  runListShow,
}

func runListShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := cfg.CrateListPath()
	list, err := cratelist.Load(path)
	if err != nil {
		return outputError(out, "list show", err)
	}
	return outputResult(out, "list show", listResult(path, list))
}

var listResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset entries to pending so the next compile rebuilds them",
	Args:  cobra.NoArgs,
	RunE:  runListReset,
}

func runListReset(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := cfg.CrateListPath()
	list, err := cratelist.Load(path)
	if err != nil {
		return outputError(out, "list reset", err)
	}
	n := list.Reset(flagResetFailed)
	if err := list.Save(path); err != nil {
		return outputError(out, "list reset", err)
	}
	res := listResult(path, list)
	res.Reset = n
	return outputResult(out, "list reset", res)
}

func loadOrNewList(path string) (*cratelist.List, error) {
	list, err := cratelist.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return cratelist.New(nil), nil
	}
	return list, err
}

func listResult(path string, list *cratelist.List) CLIList {
	return CLIList{
		Path:    path,
		RunID:   list.RunID,
		Counts:  list.Counts(),
		Entries: list.Crates,
	}
}
