// Package sdmx implements dimension resolution, key construction and
// observation decoding for SDMX-style statistical APIs.
//
// A Catalog describes one dataflow: its ordered dimensions and each
// dimension's code list. Resolve and Match map semantic requirements onto
// concrete codes, BuildKey assembles the dot-delimited query key, and
// DecodeData flattens an AllDimensions SDMX-JSON payload into Observations.
package sdmx

import (
	"sort"
	"strings"
)

// Code is one enumerated value of a dimension.
type Code struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Dimension is one coded axis of a dataflow.
type Dimension struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
	Codes    []Code `json:"codes"`
	// Time marks the time dimension. It has no enumerated codes and is not
	// part of the query key.
	Time bool `json:"time,omitempty"`
	// Codelist is the identifier of the code list the dimension references,
	// empty when it is not enumerated.
	Codelist string `json:"codelist,omitempty"`
}

// Code returns the code with the given identifier.
func (d Dimension) Code(id string) (Code, bool) {
	for _, c := range d.Codes {
		if c.ID == id {
			return c, true
		}
	}
	return Code{}, false
}

// Has reports whether id is one of the dimension's codes.
func (d Dimension) Has(id string) bool {
	_, ok := d.Code(id)
	return ok
}

// CodeIDs returns the dimension's code identifiers in declared order.
func (d Dimension) CodeIDs() []string {
	ids := make([]string, len(d.Codes))
	for i, c := range d.Codes {
		ids[i] = c.ID
	}
	return ids
}

// Catalog is the parsed structure of one dataflow. It is read-only after
// construction and safe to share between goroutines.
type Catalog struct {
	flow  string
	order []string
	dims  map[string]Dimension
	time  string
}

// NewCatalog builds a catalog from dimensions in declared order. Positions
// are honoured when every key dimension carries one; time dimensions are
// moved to the end.
func NewCatalog(flow string, dims []Dimension) *Catalog {
	sorted := make([]Dimension, len(dims))
	copy(sorted, dims)

	positioned := false
	for _, d := range sorted {
		if d.Time {
			continue
		}
		positioned = true
		if d.Position <= 0 {
			positioned = false
			break
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Time != sorted[j].Time {
			return !sorted[i].Time
		}
		if positioned {
			return sorted[i].Position < sorted[j].Position
		}
		return false
	})

	c := &Catalog{flow: flow, dims: make(map[string]Dimension, len(sorted))}
	for _, d := range sorted {
		if _, dup := c.dims[d.ID]; dup {
			continue
		}
		c.dims[d.ID] = d
		if d.Time {
			if c.time == "" {
				c.time = d.ID
			}
			continue
		}
		c.order = append(c.order, d.ID)
	}
	return c
}

// Flow returns the dataflow reference the catalog was built for.
func (c *Catalog) Flow() string { return c.flow }

// Order returns the key dimension identifiers in key order. The time
// dimension is excluded.
func (c *Catalog) Order() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of key dimensions.
func (c *Catalog) Len() int { return len(c.order) }

// TimeDimension returns the identifier of the time dimension, if any.
func (c *Catalog) TimeDimension() string { return c.time }

// Dimension returns the dimension with the given identifier.
func (c *Catalog) Dimension(id string) (Dimension, bool) {
	d, ok := c.dims[id]
	return d, ok
}

// Has reports whether the catalog declares a dimension with the given id.
func (c *Catalog) Has(id string) bool {
	_, ok := c.dims[id]
	return ok
}

// Lookup returns the declared identifier matching id, exactly or else
// ignoring case.
func (c *Catalog) Lookup(id string) (string, bool) {
	if _, ok := c.dims[id]; ok {
		return id, true
	}
	for _, d := range c.Dimensions() {
		if strings.EqualFold(d.ID, id) {
			return d.ID, true
		}
	}
	return "", false
}

// Dimensions returns all dimensions, key dimensions first in key order and
// the time dimension last.
func (c *Catalog) Dimensions() []Dimension {
	out := make([]Dimension, 0, len(c.dims))
	for _, id := range c.order {
		out = append(out, c.dims[id])
	}
	if c.time != "" {
		out = append(out, c.dims[c.time])
	}
	return out
}
