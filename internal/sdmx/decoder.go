package sdmx

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// DimensionValue is the decoded code and label of one dimension (or
// attribute) for one observation. Code and Label are empty when the index
// could not be decoded.
type DimensionValue struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Label string `json:"label"`
}

// Observation is one decoded data point.
type Observation struct {
	Dimensions []DimensionValue `json:"dimensions"`
	Attributes []DimensionValue `json:"attributes,omitempty"`
	Value      any              `json:"value"`
}

// Dimension returns the decoded value of dimension id.
func (o Observation) Dimension(id string) (DimensionValue, bool) {
	for _, d := range o.Dimensions {
		if d.ID == id {
			return d, true
		}
	}
	return DimensionValue{}, false
}

// Attribute returns the decoded value of attribute id.
func (o Observation) Attribute(id string) (DimensionValue, bool) {
	for _, a := range o.Attributes {
		if a.ID == id {
			return a, true
		}
	}
	return DimensionValue{}, false
}

type jsonDataMessage struct {
	DataSets  []jsonDataSet  `json:"dataSets"`
	Structure *jsonStructure `json:"structure"`
	Data      *struct {
		DataSets   []jsonDataSet   `json:"dataSets"`
		Structure  *jsonStructure  `json:"structure"`
		Structures []jsonStructure `json:"structures"`
	} `json:"data"`
}

type jsonDataSet struct {
	Observations map[string]any  `json:"observations"`
	Series       json.RawMessage `json:"series"`
}

type jsonStructure struct {
	Dimensions struct {
		Observation []jsonComponent `json:"observation"`
	} `json:"dimensions"`
	Attributes struct {
		Observation []jsonComponent `json:"observation"`
	} `json:"attributes"`
}

type jsonComponent struct {
	ID     string      `json:"id"`
	Values []jsonValue `json:"values"`
}

type jsonValue struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Names map[string]string `json:"names"`
}

func (v jsonValue) label() string {
	if en, ok := v.Names["en"]; ok && en != "" {
		return en
	}
	return v.Name
}

// DecodeData flattens an SDMX-JSON data message queried with
// dimensionAtObservation=AllDimensions. Both the 1.0 layout (top-level
// dataSets/structure) and the 2.0 layout (under "data") are accepted.
//
// Every entry of the sparse observation map yields exactly one Observation;
// an index that is out of range or not a number leaves that dimension's code
// and label empty. An empty body or a message without data sets yields no
// observations and no error.
func DecodeData(payload []byte) ([]Observation, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var msg jsonDataMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, &FormatError{Detail: "data payload is not valid SDMX-JSON", Err: err}
	}

	dataSets, structure := msg.DataSets, msg.Structure
	if msg.Data != nil {
		if len(dataSets) == 0 {
			dataSets = msg.Data.DataSets
		}
		if structure == nil {
			structure = msg.Data.Structure
		}
		if structure == nil && len(msg.Data.Structures) > 0 {
			structure = &msg.Data.Structures[0]
		}
	}
	if len(dataSets) == 0 {
		return nil, nil
	}
	ds := dataSets[0]
	if len(ds.Observations) == 0 {
		if len(ds.Series) > 0 && string(ds.Series) != "null" && string(ds.Series) != "{}" {
			return nil, &FormatError{Detail: "series-level payload; query with dimensionAtObservation=AllDimensions"}
		}
		return nil, nil
	}
	if structure == nil {
		structure = &jsonStructure{}
	}
	dims := structure.Dimensions.Observation
	attrs := structure.Attributes.Observation

	keys := make([]string, 0, len(ds.Observations))
	for k := range ds.Observations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessIndexKey(keys[i], keys[j]) })

	out := make([]Observation, 0, len(keys))
	for _, k := range keys {
		indices := parseIndexKey(k)
		obs := Observation{Dimensions: make([]DimensionValue, len(dims))}
		for i, d := range dims {
			obs.Dimensions[i] = decodeIndex(d, indices, i)
		}

		raw := ds.Observations[k]
		if list, ok := raw.([]any); ok {
			if len(list) > 0 {
				obs.Value = scalar(list[0])
			}
			if len(attrs) > 0 {
				obs.Attributes = decodeAttributes(attrs, list)
			}
		} else {
			obs.Value = scalar(raw)
		}
		out = append(out, obs)
	}
	return out, nil
}

func decodeIndex(d jsonComponent, indices []int, pos int) DimensionValue {
	v := DimensionValue{ID: d.ID}
	if pos >= len(indices) {
		return v
	}
	idx := indices[pos]
	if idx < 0 || idx >= len(d.Values) {
		return v
	}
	v.Code = d.Values[idx].ID
	v.Label = d.Values[idx].label()
	return v
}

func decodeAttributes(attrs []jsonComponent, list []any) []DimensionValue {
	out := make([]DimensionValue, len(attrs))
	for i, a := range attrs {
		out[i] = DimensionValue{ID: a.ID}
		if i+1 >= len(list) {
			continue
		}
		idx, ok := asIndex(list[i+1])
		if !ok || idx < 0 || idx >= len(a.Values) {
			continue
		}
		out[i].Code = a.Values[idx].ID
		out[i].Label = a.Values[idx].label()
	}
	return out
}

// parseIndexKey splits "0:3:1" into integers; unparsable parts become -1.
func parseIndexKey(k string) []int {
	parts := strings.Split(k, ":")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			n = -1
		}
		out[i] = n
	}
	return out
}

func lessIndexKey(a, b string) bool {
	ia, ib := parseIndexKey(a), parseIndexKey(b)
	for i := 0; i < len(ia) && i < len(ib); i++ {
		if ia[i] != ib[i] {
			return ia[i] < ib[i]
		}
	}
	if len(ia) != len(ib) {
		return len(ia) < len(ib)
	}
	return a < b
}

func asIndex(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case float64:
		return int(n), true
	}
	return 0, false
}

// scalar converts decoded JSON numbers to float64 and leaves other values
// untouched.
func scalar(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

// FloatValue extracts a float64 from an observation value.
func FloatValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" || s == "NaN" || s == "NA" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}
