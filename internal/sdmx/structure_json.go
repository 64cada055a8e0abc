package sdmx

import (
	"encoding/json"
	"strings"
)

// CodelistRef identifies a code list, usually taken from an SDMX URN such as
// "urn:sdmx:org.sdmx.infomodel.codelist.Codelist=BIS:CL_FREQ(1.0)".
type CodelistRef struct {
	Agency  string
	ID      string
	Version string
}

// String renders the reference as AGENCY:ID(VERSION).
func (r CodelistRef) String() string {
	return r.Agency + ":" + r.ID + "(" + r.Version + ")"
}

// ParseCodelistURN extracts the code list reference from an SDMX URN.
func ParseCodelistURN(urn string) (CodelistRef, bool) {
	_, payload, ok := strings.Cut(urn, "Codelist=")
	if !ok {
		return CodelistRef{}, false
	}
	left, right, ok := strings.Cut(payload, "(")
	if !ok {
		return CodelistRef{}, false
	}
	agency, id, ok := strings.Cut(left, ":")
	if !ok {
		return CodelistRef{}, false
	}
	version, _, _ := strings.Cut(right, ")")
	return CodelistRef{Agency: agency, ID: id, Version: version}, true
}

// CodelistLookup resolves a code list that is referenced but not embedded
// in a structure document. Returning nil codes with a nil error leaves the
// dimension without codes.
type CodelistLookup func(ref CodelistRef) ([]Code, error)

type jsonStructureMessage struct {
	Data struct {
		DataStructures []jsonDataStructure `json:"dataStructures"`
		Codelists      []JSONCodelist      `json:"codelists"`
	} `json:"data"`
}

type jsonDataStructure struct {
	ID         string `json:"id"`
	Components struct {
		DimensionList struct {
			Dimensions     []jsonDimension `json:"dimensions"`
			TimeDimensions []jsonDimension `json:"timeDimensions"`
		} `json:"dimensionList"`
	} `json:"dataStructureComponents"`
}

type jsonDimension struct {
	ID             string `json:"id"`
	Position       int    `json:"position"`
	Representation struct {
		Enumeration string `json:"enumeration"`
	} `json:"localRepresentation"`
}

// JSONCodelist is a code list in an SDMX-JSON structure message.
type JSONCodelist struct {
	ID      string     `json:"id"`
	Agency  string     `json:"agencyID"`
	Version string     `json:"version"`
	Codes   []jsonCode `json:"codes"`
}

type jsonCode struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Names map[string]string `json:"names"`
}

// CodeList converts the list into Codes, preferring English names.
func (cl JSONCodelist) CodeList() []Code {
	codes := make([]Code, 0, len(cl.Codes))
	for _, c := range cl.Codes {
		label := c.Name
		if en, ok := c.Names["en"]; ok && en != "" {
			label = en
		}
		codes = append(codes, Code{ID: c.ID, Label: label})
	}
	return codes
}

// ParseCodelistsJSON returns the code lists of an SDMX-JSON structure
// message, as served by codelist endpoints.
func ParseCodelistsJSON(doc []byte) ([]JSONCodelist, error) {
	var msg jsonStructureMessage
	if err := json.Unmarshal(doc, &msg); err != nil {
		return nil, &FormatError{Detail: "codelist document is not valid JSON", Err: err}
	}
	return msg.Data.Codelists, nil
}

// ParseStructureJSON builds a Catalog from an SDMX-JSON structure message.
// Code lists embedded in the message are used directly; others are resolved
// through lookup when it is non-nil, otherwise the dimension has no codes.
func ParseStructureJSON(flow string, doc []byte, lookup CodelistLookup) (*Catalog, error) {
	var msg jsonStructureMessage
	if err := json.Unmarshal(doc, &msg); err != nil {
		return nil, &FormatError{Detail: "structure document is not valid JSON", Err: err}
	}
	structures := msg.Data.DataStructures
	if len(structures) == 0 {
		return nil, &FormatError{Detail: "structure document has no dataStructures"}
	}

	ref := ParseFlowRef(flow)
	want := ref.DSD
	if want == "" {
		want = ref.Dataflow
	}
	dsd, found := structures[0], len(structures) == 1
	for _, s := range structures {
		if s.ID == want {
			dsd, found = s, true
			break
		}
	}
	if !found {
		return nil, &StructureError{Flow: flow, Detail: "data structure " + want + " not found in response"}
	}

	embedded := make(map[string][]Code, len(msg.Data.Codelists))
	for _, cl := range msg.Data.Codelists {
		embedded[cl.ID] = cl.CodeList()
	}

	list := dsd.Components.DimensionList
	dims := make([]Dimension, 0, len(list.Dimensions)+len(list.TimeDimensions))
	for _, d := range list.Dimensions {
		dim := Dimension{ID: d.ID, Position: d.Position}
		if cl, ok := ParseCodelistURN(d.Representation.Enumeration); ok {
			dim.Codelist = cl.ID
			if codes, ok := embedded[cl.ID]; ok {
				dim.Codes = codes
			} else if lookup != nil {
				codes, err := lookup(cl)
				if err != nil {
					return nil, err
				}
				dim.Codes = codes
			}
		}
		dims = append(dims, dim)
	}
	oneBased(dims)
	for _, d := range list.TimeDimensions {
		dims = append(dims, Dimension{ID: d.ID, Time: true})
	}
	return NewCatalog(flow, dims), nil
}

// oneBased shifts zero-based positions to the one-based numbering of
// SDMX-ML. Positions are shifted only when they are distinct and start at
// zero, so absent positions keep the declared order.
func oneBased(dims []Dimension) {
	seen := make(map[int]struct{}, len(dims))
	zero := false
	for _, d := range dims {
		if _, dup := seen[d.Position]; dup || d.Position < 0 {
			return
		}
		seen[d.Position] = struct{}{}
		zero = zero || d.Position == 0
	}
	if !zero {
		return
	}
	for i := range dims {
		dims[i].Position++
	}
}
