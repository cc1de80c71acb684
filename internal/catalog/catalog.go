// Package catalog applies the exposure policy to a parsed target inventory.
package catalog

import (
	"github.com/mkbridge/mkbridge/internal/model"
)

// Disposition classifies a lookup against the catalog's policy.
type Disposition string

const (
	// Allowed means the target is exposed and may be invoked.
	Allowed Disposition = "allowed"
	// NotFound means no target with that name exists in the inventory.
	NotFound Disposition = "not_found"
	// NotAllowed means the target exists but is excluded by its
	// documentation state, visibility, or the allowlist.
	NotAllowed Disposition = "not_allowed"
)

// Group is one category of exposed targets, in first-seen category order.
// Uncategorized targets form a final group with an empty Category.
type Group struct {
	Category string
	Targets  []model.Target
}

// Catalog is the policy-filtered view of one inventory. Immutable once
// built; rebuilding requires a fresh parse and a new Build call.
type Catalog struct {
	inventory model.Inventory
	allowed   map[string]bool
	exposed   []model.Target
	byName    map[string]model.Target
}

// Build constructs a catalog from a parsed inventory and an allowlist.
// An empty allowlist means every public documented target is allowed.
func Build(inv model.Inventory, allowlist []string) *Catalog {
	c := &Catalog{
		inventory: inv,
		byName:    make(map[string]model.Target, len(inv.Targets)),
	}
	if len(allowlist) > 0 {
		c.allowed = make(map[string]bool, len(allowlist))
		for _, name := range allowlist {
			c.allowed[name] = true
		}
	}

	for _, t := range inv.Targets {
		c.byName[t.Name] = t
		if t.Exposable() && (c.allowed == nil || c.allowed[t.Name]) {
			c.exposed = append(c.exposed, t)
		}
	}
	return c
}

// IsAllowed reports whether the named target may be invoked.
func (c *Catalog) IsAllowed(name string) bool {
	_, disp := c.Lookup(name)
	return disp == Allowed
}

// Lookup returns the target (when it exists at all) and its disposition,
// distinguishing "exists but filtered" from "does not exist".
func (c *Catalog) Lookup(name string) (model.Target, Disposition) {
	t, ok := c.byName[name]
	if !ok {
		return model.Target{}, NotFound
	}
	if !t.Exposable() || (c.allowed != nil && !c.allowed[name]) {
		return t, NotAllowed
	}
	return t, Allowed
}

// Exposed returns all exposed targets in inventory order.
func (c *Catalog) Exposed() []model.Target {
	out := make([]model.Target, len(c.exposed))
	copy(out, c.exposed)
	return out
}

// Groups returns exposed targets grouped by category in first-seen category
// order, with uncategorized targets in a final group.
func (c *Catalog) Groups() []Group {
	byCategory := make(map[string][]model.Target)
	for _, t := range c.exposed {
		byCategory[t.Category] = append(byCategory[t.Category], t)
	}

	var groups []Group
	for _, cat := range c.inventory.Categories {
		if targets, ok := byCategory[cat]; ok {
			groups = append(groups, Group{Category: cat, Targets: targets})
		}
	}
	if targets, ok := byCategory[""]; ok {
		groups = append(groups, Group{Category: "", Targets: targets})
	}
	return groups
}

// Hidden returns documented targets excluded by visibility markers, for
// diagnostics output.
func (c *Catalog) Hidden() []model.Target {
	var out []model.Target
	for _, t := range c.inventory.Targets {
		if t.Documented && t.Visibility != model.VisibilityPublic {
			out = append(out, t)
		}
	}
	return out
}

// Size returns (total parsed targets, exposed targets).
func (c *Catalog) Size() (int, int) {
	return len(c.inventory.Targets), len(c.exposed)
}

// Inventory returns the underlying parse result.
func (c *Catalog) Inventory() model.Inventory {
	return c.inventory
}
