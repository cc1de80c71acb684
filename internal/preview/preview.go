// Package preview renders a catalog for humans without involving the
// daemon: what a Makefile would expose, and what stays hidden.
package preview

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mkbridge/mkbridge/internal/catalog"
	"github.com/mkbridge/mkbridge/internal/makefile"
)

const rule = "======================================================================"

// Run parses the Makefile locally and writes the preview to w.
func Run(makefilePath string, allowed []string, jsonOut bool, w io.Writer) error {
	inv, err := makefile.ParseFile(makefilePath)
	if err != nil {
		return err
	}
	cat := catalog.Build(inv, allowed)

	if jsonOut {
		return renderJSON(w, cat)
	}
	render(w, cat)
	return nil
}

// List writes exposed target names only, one per line, sorted.
func List(makefilePath string, allowed []string, w io.Writer) error {
	inv, err := makefile.ParseFile(makefilePath)
	if err != nil {
		return err
	}
	cat := catalog.Build(inv, allowed)

	names := make([]string, 0)
	for _, t := range cat.Exposed() {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return nil
}

func render(w io.Writer, cat *catalog.Catalog) {
	total, exposed := cat.Size()
	hidden := cat.Hidden()

	fmt.Fprintf(w, "Makefile: %s\n", cat.Inventory().Path)
	fmt.Fprintf(w, "Total targets: %d\n", total)
	fmt.Fprintf(w, "Exposed: %d\n", exposed)
	fmt.Fprintf(w, "Hidden: %d\n", len(hidden))

	if exposed == 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "No targets would be exposed.")
		fmt.Fprintln(w, "Add '## Description' comments to your Makefile targets.")
		return
	}

	for _, g := range cat.Groups() {
		category := g.Category
		if category == "" {
			category = "Uncategorized"
		}
		fmt.Fprintf(w, "\n%s\n  %s\n%s\n", rule, category, rule)
		for _, t := range g.Targets {
			fmt.Fprintf(w, "\n  %s\n", t.Name)
			line := t.Description
			if len(t.Dependencies) > 0 {
				line += " (depends on: " + strings.Join(t.Dependencies, ", ") + ")"
			}
			fmt.Fprintf(w, "    %s\n", strings.TrimSpace(line))
		}
	}

	if len(hidden) > 0 {
		fmt.Fprintf(w, "\n%s\n  Hidden targets (not exposed)\n%s\n", rule, rule)
		names := make([]string, 0, len(hidden))
		for _, t := range hidden {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	fmt.Fprintln(w)
}

type jsonTarget struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     string   `json:"category,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type jsonGroup struct {
	Category string       `json:"category,omitempty"`
	Targets  []jsonTarget `json:"targets"`
}

type jsonPreview struct {
	Makefile string      `json:"makefile"`
	Total    int         `json:"total"`
	Exposed  int         `json:"exposed"`
	Hidden   []string    `json:"hidden,omitempty"`
	Groups   []jsonGroup `json:"groups"`
}

func renderJSON(w io.Writer, cat *catalog.Catalog) error {
	total, exposed := cat.Size()

	out := jsonPreview{
		Makefile: cat.Inventory().Path,
		Total:    total,
		Exposed:  exposed,
	}
	for _, t := range cat.Hidden() {
		out.Hidden = append(out.Hidden, t.Name)
	}
	sort.Strings(out.Hidden)
	for _, g := range cat.Groups() {
		group := jsonGroup{Category: g.Category}
		for _, t := range g.Targets {
			group.Targets = append(group.Targets, jsonTarget{
				Name:         t.Name,
				Description:  t.Description,
				Category:     t.Category,
				Dependencies: t.Dependencies,
			})
		}
		out.Groups = append(out.Groups, group)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
