package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jward/cratecorpus"
	"github.com/spf13/cobra"
)

var flagDepth int

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Query the analyzed call graph",
	Long:  "Runs a breadth-first search over a freshly analyzed call graph. Function ids are the ids in the analyze output.",
}

func init() {
	graphCmd.PersistentFlags().IntVar(&flagDepth, "depth", 5, fmt.Sprintf("maximum call depth (capped at %d)", cratecorpus.MaxDepth))
	graphCmd.AddCommand(graphCallersCmd)
	graphCmd.AddCommand(graphCalleesCmd)
}

var graphCallersCmd = &cobra.Command{
	Use:   "callers <id>",
	Short: "List every function that transitively calls <id>",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGraph(cmd, args, "graph callers", (*cratecorpus.Engine).Callers)
	},
}

var graphCalleesCmd = &cobra.Command{
	Use:   "callees <id>",
	Short: "List every function <id> transitively calls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGraph(cmd, args, "graph callees", (*cratecorpus.Engine).Callees)
	},
}

type graphQuery func(e *cratecorpus.Engine, ctx context.Context, id int64, depth int) (*cratecorpus.CallGraph, error)

func runGraph(cmd *cobra.Command, args []string, command string, query graphQuery) error {
	out := cmd.OutOrStdout()
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return outputError(out, command, fmt.Errorf("invalid function id %q: must be a positive integer", args[0]))
	}

	engine, err := openExistingEngine()
	if err != nil {
		return outputError(out, command, err)
	}
	defer engine.Close()

	cg, err := query(engine, cmd.Context(), id, flagDepth)
	if err != nil {
		return outputError(out, command, err)
	}
	if cg == nil {
		return outputError(out, command, fmt.Errorf("no function with id %d", id))
	}
	return outputResult(out, command, callGraphToCLI(cg))
}
