// Package pull runs a dataflow query plan: it resolves the dataflow's
// structure, turns semantic requirements into codes, iterates the requested
// entities and flattens every response into one table.
package pull

import (
	"net/url"
	"time"

	"github.com/seenimoa/macropanel/internal/sdmx"
)

// StructureFormat selects the structure document parser.
type StructureFormat string

const (
	StructureXML  StructureFormat = "xml"
	StructureJSON StructureFormat = "json"
)

// Requirement fixes the code queried for one role. Codes wins over Match;
// a requirement whose role did not resolve is ignored.
type Requirement struct {
	Role  string
	Codes []string
	Match *sdmx.MatchRule
}

// Axis is a role iterated over. Each value of the axis (or each batch of
// values, joined as a union) yields its own request.
type Axis struct {
	Role string
	// Codes are the requested codes; empty iterates every code of the
	// dimension.
	Codes []string
	// Aliases maps a requested code to a replacement tried when the code is
	// absent from the catalog.
	Aliases map[string]string
	// Strict makes an absent code fatal; otherwise it is dropped with a
	// warning.
	Strict bool
	// BatchSize groups codes into unions of at most this many codes.
	BatchSize int
}

// Spec is a complete query plan for one dataflow.
type Spec struct {
	ID string
	// Reference is a data query URL (ROOT/data/FLOW/KEY?params) whose key
	// provides the default token of every dimension.
	Reference string

	Roles        []sdmx.Role
	Requirements []Requirement
	// Axes are iterated as a cartesian product, first axis outermost.
	Axes []Axis

	Start  string
	End    string
	Params url.Values
	// Accept is sent with data requests.
	Accept string

	// StructureURLs replaces the derived structure URL ladder.
	StructureURLs   []string
	StructureFormat StructureFormat
	// StructureAccept is sent with structure requests.
	StructureAccept string
	// FallbackAgencies are tried after the flow's own agency when looking
	// up the data structure.
	FallbackAgencies []string
	// StructureCacheFile pins the side file of the structure document.
	StructureCacheFile string
	// Codelists resolves code lists referenced but not embedded in a JSON
	// structure document.
	Codelists sdmx.CodelistLookup

	// Rename maps dimension ids to output column names; unnamed dimensions
	// use their lower-cased id.
	Rename map[string]string
	// Columns is the header of a result without observations.
	Columns []string

	// Pause is the minimum spacing between data requests of this pull.
	Pause           time.Duration
	ContinueOnError bool
	Concurrency     int
}

// Failure records an entity whose request failed while ContinueOnError was
// set.
type Failure struct {
	Key string
	URL string
	Err error
}

func (f Failure) Error() string { return f.Key + ": " + f.Err.Error() }

func (f Failure) Unwrap() error { return f.Err }
