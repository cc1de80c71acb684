// Package makefile parses Makefile text into an ordered target inventory.
//
// The parser is line-oriented and deliberately forgiving: lines that match
// no known pattern are skipped, never rejected. A rule header becomes a
// documented target only when its trailing comment uses the double marker
// (`## description`); plain rule headers are still recorded so callers can
// distinguish "exists but hidden" from "does not exist".
package makefile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mkbridge/mkbridge/internal/model"
)

var (
	// target: deps ## description
	targetPattern = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_-]*)\s*:([^#]*)##\s*(.*)$`)

	// target: deps  (no trailing ## annotation)
	bareTargetPattern = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_-]*)\s*:([^#=]*)$`)

	// ## Category: Name
	categoryPattern = regexp.MustCompile(`^##\s*Category:\s*(.+)$`)

	// .PHONY: a b c
	phonyPattern = regexp.MustCompile(`^\.PHONY:\s*(.+)$`)
)

// Parse reads Makefile content and returns the ordered inventory. It never
// fails: unrecognized lines produce no targets.
func Parse(content string) model.Inventory {
	inv := model.Inventory{}
	currentCategory := ""
	seenCategory := map[string]bool{}
	index := map[string]int{}

	// First pass: collect .PHONY declarations.
	phony := map[string]bool{}
	for _, line := range strings.Split(content, "\n") {
		if m := phonyPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			for _, name := range strings.Fields(m[1]) {
				phony[name] = true
			}
		}
	}

	// Second pass: categories and rule headers.
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, " \t\r")

		if m := categoryPattern.FindStringSubmatch(line); m != nil {
			currentCategory = strings.TrimSpace(m[1])
			if currentCategory != "" && !seenCategory[currentCategory] {
				seenCategory[currentCategory] = true
				inv.Categories = append(inv.Categories, currentCategory)
			}
			continue
		}

		var target model.Target
		if m := targetPattern.FindStringSubmatch(line); m != nil {
			description, visibility := splitVisibility(strings.TrimSpace(m[3]))
			target = model.Target{
				Name:         m[1],
				Description:  description,
				Documented:   true,
				Category:     currentCategory,
				Dependencies: parseDependencies(m[2]),
				Visibility:   visibility,
				Phony:        phony[m[1]],
			}
		} else if m := bareTargetPattern.FindStringSubmatch(line); m != nil {
			// Recorded for diagnostics only; never exposed.
			target = model.Target{
				Name:         m[1],
				Category:     currentCategory,
				Dependencies: parseDependencies(m[2]),
				Visibility:   model.VisibilityPublic,
				Phony:        phony[m[1]],
			}
		} else {
			continue
		}

		// Redefinition: last occurrence wins in both position and content,
		// matching how make itself resolves duplicate rules.
		if pos, ok := index[target.Name]; ok {
			inv.Targets = append(inv.Targets[:pos], inv.Targets[pos+1:]...)
			for name, p := range index {
				if p > pos {
					index[name] = p - 1
				}
			}
		}
		index[target.Name] = len(inv.Targets)
		inv.Targets = append(inv.Targets, target)
	}

	return inv
}

// ParseFile reads and parses a Makefile from disk.
func ParseFile(path string) (model.Inventory, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Inventory{}, fmt.Errorf("makefile not found: %s: %w", path, err)
	}
	if info.IsDir() {
		return model.Inventory{}, fmt.Errorf("makefile path is a directory: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return model.Inventory{}, fmt.Errorf("read makefile %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return model.Inventory{}, fmt.Errorf("makefile %s is not valid UTF-8", path)
	}

	inv := Parse(string(data))
	inv.Path = path
	return inv, nil
}

// splitVisibility strips a leading @internal/@skip marker from a description
// and returns the remaining text plus the resulting visibility.
func splitVisibility(description string) (string, model.Visibility) {
	for _, v := range []model.Visibility{model.VisibilityInternal, model.VisibilitySkip} {
		marker := "@" + string(v)
		if description == marker {
			return "", v
		}
		if strings.HasPrefix(description, marker+" ") {
			return strings.TrimSpace(strings.TrimPrefix(description, marker)), v
		}
	}
	return description, model.VisibilityPublic
}

// parseDependencies splits the text between ':' and '##' into prerequisite
// names. Tokens that are not bare identifiers (variable assignments, $(...)
// references, file paths) are dropped.
func parseDependencies(s string) []string {
	var deps []string
	for _, tok := range strings.Fields(s) {
		if !model.ValidTargetName(tok) {
			continue
		}
		deps = append(deps, tok)
	}
	return deps
}
