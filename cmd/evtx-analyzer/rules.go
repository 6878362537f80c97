package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/PhucNguyen204/evtx-analyzer/internal/rules"
)

func (a *app) rulesCmd() *cobra.Command {
	var list, asJSON bool
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Load the native and Sigma rule directories and report what compiled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listRules(cmd.OutOrStdout(), list, asJSON)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List every loaded rule")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	addRuleFlags(cmd)
	return cmd
}

type ruleLine struct {
	ID       string   `json:"id"`
	Source   string   `json:"source"`
	Severity string   `json:"severity"`
	Tags     []string `json:"tags,omitempty"`
}

func (a *app) listRules(w io.Writer, list, asJSON bool) error {
	rs, counts := loadRules(a.cfg, a.log)

	var lines []ruleLine
	for src, rl := range rules.BySource(rs) {
		for _, r := range rl {
			lines = append(lines, ruleLine{ID: r.ID, Source: src, Severity: r.Severity, Tags: r.Tags})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Source != lines[j].Source {
			return lines[i].Source < lines[j].Source
		}
		return lines[i].ID < lines[j].ID
	})

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		out := map[string]any{"counts": counts, "total": counts.Total()}
		if list {
			out["rules"] = lines
		}
		return enc.Encode(out)
	}

	headerColor.Fprintln(w, "Rules")
	fmt.Fprintf(w, "  native: %d\n", counts.Native)
	fmt.Fprintf(w, "  sigma:  %d\n", counts.Sigma)
	if counts.Total() == 0 {
		warningColor.Fprintln(w, "  no rules loaded (set --rules-dir or --sigma-dir)")
		return nil
	}
	successColor.Fprintf(w, "  total:  %d\n", counts.Total())
	if list {
		for _, l := range lines {
			fmt.Fprintf(w, "  %-6s %-50s %s\n", l.Source, l.ID, severityColor(l.Severity).Sprint(l.Severity))
		}
	}
	return nil
}

func severityColor(s string) *color.Color {
	switch s {
	case "critical", "high":
		return color.New(color.FgRed, color.Bold)
	case "medium":
		return color.New(color.FgYellow)
	case "low":
		return color.New(color.FgCyan)
	}
	return color.New(color.FgWhite)
}
