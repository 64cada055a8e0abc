package sdmx

import "strings"

// FlowRef identifies a dataflow as "AGENCY,DSD@DATAFLOW,VERSION". The DSD
// part is only present for agencies (OECD) that encode it in the flow id.
type FlowRef struct {
	Agency   string
	DSD      string
	Dataflow string
	Version  string
}

// ParseFlowRef splits a comma-separated flow reference. Missing parts are
// left empty.
func ParseFlowRef(s string) FlowRef {
	parts := strings.Split(strings.TrimSpace(s), ",")
	var ref FlowRef
	switch len(parts) {
	case 1:
		ref.Dataflow = parts[0]
	case 2:
		ref.Agency, ref.Dataflow = parts[0], parts[1]
	default:
		ref.Agency, ref.Dataflow, ref.Version = parts[0], parts[1], parts[2]
	}
	if dsd, df, ok := strings.Cut(ref.Dataflow, "@"); ok {
		ref.DSD, ref.Dataflow = dsd, df
	}
	return ref
}

// String renders the reference in its comma form.
func (r FlowRef) String() string {
	middle := r.Dataflow
	if r.DSD != "" {
		middle = r.DSD + "@" + r.Dataflow
	}
	parts := []string{}
	if r.Agency != "" {
		parts = append(parts, r.Agency)
	}
	parts = append(parts, middle)
	if r.Version != "" {
		parts = append(parts, r.Version)
	}
	return strings.Join(parts, ",")
}

// StructureRef points at a data structure definition.
type StructureRef struct {
	Agency  string
	ID      string
	Version string
}

// Complete reports whether every part of the reference is set.
func (r StructureRef) Complete() bool {
	return r.Agency != "" && r.ID != "" && r.Version != ""
}
