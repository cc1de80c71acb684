// Package model defines the data structures for mkbridge's configuration,
// parsed Makefile targets, and execution results.
package model

import "regexp"

// Visibility controls whether a documented target is exposed for remote
// invocation. Internal and skip are equivalent for exposure decisions but
// recorded separately so diagnostics can report which marker was used.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
	VisibilitySkip     Visibility = "skip"
)

var validTargetName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// ValidTargetName reports whether name is a bare make target identifier.
func ValidTargetName(name string) bool {
	return validTargetName.MatchString(name)
}

// Target is one parsed Makefile rule header.
type Target struct {
	Name         string     `yaml:"name"`
	Description  string     `yaml:"description"`
	Documented   bool       `yaml:"documented"`
	Category     string     `yaml:"category,omitempty"`
	Dependencies []string   `yaml:"dependencies,omitempty"`
	Visibility   Visibility `yaml:"visibility"`
	Phony        bool       `yaml:"phony"`
}

// Exposable reports whether the target is eligible for the catalog before
// any allowlist is applied. Undocumented targets are never exposable, even
// when nothing marks them internal.
func (t Target) Exposable() bool {
	return t.Documented && t.Visibility == VisibilityPublic
}

// Inventory is the ordered result of one Makefile parse.
type Inventory struct {
	Path       string   `yaml:"path"`
	Targets    []Target `yaml:"targets"`
	Categories []string `yaml:"categories,omitempty"`
}

// Lookup returns the target with the given name, if present.
func (inv Inventory) Lookup(name string) (Target, bool) {
	for _, t := range inv.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}
