package sdmx

import "fmt"

// Role names a semantic dimension ("reference area", "instrument") and the
// identifiers different dataflows use for it.
type Role struct {
	Name       string
	Candidates []string
	Required   bool
}

// Resolve returns the first candidate identifier declared by the catalog.
func Resolve(c *Catalog, candidates ...string) (string, bool) {
	for _, id := range candidates {
		if c.Has(id) {
			return id, true
		}
	}
	return "", false
}

// ResolveRoles resolves every role against the catalog. Optional roles that
// cannot be resolved are left out of the result; a missing required role is
// a StructureError.
func ResolveRoles(c *Catalog, roles []Role) (map[string]string, error) {
	out := make(map[string]string, len(roles))
	for _, r := range roles {
		id, ok := Resolve(c, r.Candidates...)
		if !ok {
			if r.Required {
				return nil, &StructureError{
					Flow:   c.Flow(),
					Role:   r.Name,
					Detail: fmt.Sprintf("required dimension not found among candidates %q", r.Candidates),
				}
			}
			continue
		}
		out[r.Name] = id
	}
	return out, nil
}
