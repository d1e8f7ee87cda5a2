package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jward/cratecorpus"
	"github.com/jward/cratecorpus/internal/cratelist"
	"github.com/jward/cratecorpus/internal/sandbox"
)

// formatListText prints one row per crate list entry.
func formatListText(w io.Writer, l CLIList) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CRATE\tSTATUS\tATTEMPTS\tREASON")
	for _, e := range l.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Package, e.Status, e.Attempts, e.Reason)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d crates: %s\n", len(l.Entries), formatCounts(l.Counts))
}

func formatCounts(counts map[cratelist.Status]int) string {
	var parts []string
	for _, s := range []cratelist.Status{cratelist.StatusPending, cratelist.StatusBuilding, cratelist.StatusSucceeded, cratelist.StatusFailed} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// formatSummaryText prints the outcome of a compile run.
func formatSummaryText(w io.Writer, s *cratecorpus.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CRATE\tSTATUS\tDURATION\tPEAK RSS\tDETAIL")
	for _, r := range s.Results {
		detail := r.Message
		if r.LogPath != "" {
			detail = r.LogPath
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Package, r.Status, r.Duration.Round(time.Millisecond), formatBytes(r.PeakRSS), detail)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nSucceeded: %d  Failed: %d  Skipped: %d  Remaining: %d\n",
		s.Succeeded, s.Failed, s.Skipped, s.Remaining)
	if len(s.Failures) > 0 {
		reasons := make([]string, 0, len(s.Failures))
		for reason := range s.Failures {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		fmt.Fprintln(w, "Failures:")
		for _, reason := range reasons {
			fmt.Fprintf(w, "  %s: %d\n", reason, s.Failures[sandbox.Status(reason)])
		}
	}
	if s.Stopped {
		fmt.Fprintln(w, "Stopped after the first failure.")
	}
	if s.Cancelled {
		fmt.Fprintln(w, "Cancelled.")
	}
}

// formatReportText prints the outcome of a merge.
func formatReportText(w io.Writer, r *cratecorpus.Report) {
	if len(r.Merged) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "UNIT\tCRATES\tFUNCTIONS\tTYPES\tLOCATIONS\tEDGES")
		for _, u := range r.Merged {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
				u.Unit, u.NewCrates, u.NewFunctions, u.NewTypes, u.NewLocations, u.Edges)
		}
		tw.Flush()
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "skipped %s (already merged)\n", s.Unit)
	}
	for _, rej := range r.Rejected {
		fmt.Fprintf(w, "rejected %s: %s\n", rej.Path, rej.Reason)
	}
	fmt.Fprintf(w, "\nMerged: %d  Skipped: %d  Rejected: %d\n", len(r.Merged), len(r.Skipped), len(r.Rejected))
}

// formatStatusText prints the database contents.
func formatStatusText(w io.Writer, s *cratecorpus.Status) {
	fmt.Fprintf(w, "Database: %s\n\n", s.InstanceID)
	c := s.Counts
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Units:\t%d\n", c.Units)
	fmt.Fprintf(tw, "Crates:\t%d\n", c.Crates)
	fmt.Fprintf(tw, "Functions:\t%d\n", c.Functions)
	fmt.Fprintf(tw, "Types:\t%d\n", c.Types)
	fmt.Fprintf(tw, "Locations:\t%d\n", c.Locations)
	fmt.Fprintf(tw, "Trait impls:\t%d\n", c.TraitImpls)
	fmt.Fprintf(tw, "Call edges:\t%d (%d deferred)\n", c.CallEdges, c.Deferred)
	tw.Flush()

	if len(s.Units) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tFUNCTIONS\tEDGES\tEXTRACTOR\tMERGED\tDUMP")
	for _, u := range s.Units {
		fmt.Fprintf(tw, "%s@%s/%s\t%d\t%d\t%s\t%s\t%s\n",
			u.Crate, u.Version, u.Target, u.Functions, u.CallEdges, u.Extractor, u.MergedAt.Format(time.RFC3339), u.DumpPath)
	}
	tw.Flush()
}

// formatCallGraphText prints nodes indented by depth, then the edges.
func formatCallGraphText(w io.Writer, cg CLICallGraph) {
	for _, n := range cg.Nodes {
		fmt.Fprintf(w, "%s%s (#%d)\n", strings.Repeat("  ", n.Depth), n.Symbol, n.ID)
	}
	if len(cg.Edges) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CALLER\tCALLEE\tKIND\tFILE\tLINE\tCOL")
	for _, e := range cg.Edges {
		caller := fmt.Sprintf("%s (#%d)", e.CallerName, e.CallerID)
		callee := fmt.Sprintf("%s (#%d)", e.CalleeName, e.CalleeID)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", caller, callee, e.Kind, e.File, e.Line, e.Col)
	}
	tw.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n <= 0 {
		return "-"
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// outputResultText dispatches to the appropriate text formatter based on the
// result type.
func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case CLIList:
		formatListText(w, v)
	case *cratecorpus.Summary:
		formatSummaryText(w, v)
	case *cratecorpus.Report:
		formatReportText(w, v)
	case *cratecorpus.Status:
		formatStatusText(w, v)
	case CLIArtifact:
		fmt.Fprintf(w, "Wrote %d nodes and %d edges (%d unresolved) to %s\n", v.Nodes, v.Edges, v.Unresolved, v.Sink)
	case CLIExtract:
		fmt.Fprintf(w, "Extracted %s: %d functions, %d types, %d call sites -> %s\n",
			v.Unit, v.Functions, v.Types, v.CallSites, v.Out)
	case CLICallGraph:
		formatCallGraphText(w, v)
	case nil:
		// No output for nil results (e.g., a graph query on an unknown id).
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

// outputResult writes results to w in the selected format.
func outputResult(w io.Writer, command string, results any) error {
	result := CLIResult{Command: command, Results: results}
	if flagFormat == "text" {
		return outputResultText(w, result)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to w as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(w io.Writer, command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
