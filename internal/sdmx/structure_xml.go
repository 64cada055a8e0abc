package sdmx

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SDMX-ML 2.1 structure message. Tags match local names only so the parser
// does not depend on the prefixes an agency chooses.
type xmlStructureMessage struct {
	Codelists      []xmlCodelist      `xml:"Structures>Codelists>Codelist"`
	DataStructures []xmlDataStructure `xml:"Structures>DataStructures>DataStructure"`
	Dataflows      []xmlDataflow      `xml:"Structures>Dataflows>Dataflow"`
}

type xmlCodelist struct {
	ID      string    `xml:"id,attr"`
	Agency  string    `xml:"agencyID,attr"`
	Version string    `xml:"version,attr"`
	Codes   []xmlCode `xml:"Code"`
}

type xmlCode struct {
	ID    string    `xml:"id,attr"`
	Names []xmlName `xml:"Name"`
}

type xmlName struct {
	Lang string `xml:"lang,attr"`
	Text string `xml:",chardata"`
}

type xmlDataStructure struct {
	ID             string         `xml:"id,attr"`
	Agency         string         `xml:"agencyID,attr"`
	Version        string         `xml:"version,attr"`
	Dimensions     []xmlDimension `xml:"DataStructureComponents>DimensionList>Dimension"`
	TimeDimensions []xmlDimension `xml:"DataStructureComponents>DimensionList>TimeDimension"`
}

type xmlDimension struct {
	ID       string `xml:"id,attr"`
	Position string `xml:"position,attr"`
	Ref      xmlRef `xml:"LocalRepresentation>Enumeration>Ref"`
}

type xmlRef struct {
	ID      string `xml:"id,attr"`
	Agency  string `xml:"agencyID,attr"`
	Version string `xml:"version,attr"`
}

type xmlDataflow struct {
	ID        string `xml:"id,attr"`
	Structure xmlRef `xml:"Structure>Ref"`
}

func decodeStructureXML(doc []byte) (*xmlStructureMessage, error) {
	var msg xmlStructureMessage
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.Strict = false
	if err := dec.Decode(&msg); err != nil {
		return nil, &FormatError{Detail: "structure document is not valid XML", Err: err}
	}
	return &msg, nil
}

// ParseStructureXML builds a Catalog from an SDMX-ML 2.1 structure message.
// When the message holds several data structures the one named by flow's DSD
// (or dataflow) id is used, else the first. Dimensions whose code list is
// not in the message are kept with no codes.
func ParseStructureXML(flow string, doc []byte) (*Catalog, error) {
	msg, err := decodeStructureXML(doc)
	if err != nil {
		return nil, err
	}
	if len(msg.DataStructures) == 0 {
		return nil, &FormatError{Detail: "structure document has no DataStructure"}
	}

	codelists := make(map[string][]Code, len(msg.Codelists))
	for _, cl := range msg.Codelists {
		codes := make([]Code, 0, len(cl.Codes))
		for _, c := range cl.Codes {
			codes = append(codes, Code{ID: c.ID, Label: englishName(c.Names)})
		}
		codelists[cl.ID] = codes
	}

	dsd := pickDataStructure(msg, ParseFlowRef(flow))
	dims := make([]Dimension, 0, len(dsd.Dimensions)+len(dsd.TimeDimensions))
	for _, d := range dsd.Dimensions {
		pos, _ := strconv.Atoi(d.Position)
		dims = append(dims, Dimension{
			ID:       d.ID,
			Position: pos,
			Codes:    codelists[d.Ref.ID],
			Codelist: d.Ref.ID,
		})
	}
	for _, d := range dsd.TimeDimensions {
		id := d.ID
		if id == "" {
			id = "TIME_PERIOD"
		}
		dims = append(dims, Dimension{ID: id, Time: true})
	}
	return NewCatalog(flow, dims), nil
}

func pickDataStructure(msg *xmlStructureMessage, ref FlowRef) xmlDataStructure {
	want := ref.DSD
	if want == "" {
		for _, df := range msg.Dataflows {
			if df.ID == ref.Dataflow && df.Structure.ID != "" {
				want = df.Structure.ID
				break
			}
		}
	}
	for _, ds := range msg.DataStructures {
		if want != "" && ds.ID == want {
			return ds
		}
	}
	return msg.DataStructures[0]
}

// ExtractStructureRef finds the data structure referenced by the dataflow
// with the given id in a dataflow listing. With an empty id the first
// dataflow's reference is returned.
func ExtractStructureRef(doc []byte, dataflowID string) (StructureRef, error) {
	msg, err := decodeStructureXML(doc)
	if err != nil {
		return StructureRef{}, err
	}
	for _, df := range msg.Dataflows {
		if dataflowID != "" && df.ID != dataflowID {
			continue
		}
		ref := StructureRef{Agency: df.Structure.Agency, ID: df.Structure.ID, Version: df.Structure.Version}
		if !ref.Complete() {
			break
		}
		return ref, nil
	}
	return StructureRef{}, errors.Errorf("no data structure reference for dataflow %q", dataflowID)
}

func englishName(names []xmlName) string {
	for _, n := range names {
		if strings.EqualFold(n.Lang, "en") {
			return strings.TrimSpace(n.Text)
		}
	}
	if len(names) > 0 {
		return strings.TrimSpace(names[0].Text)
	}
	return ""
}
