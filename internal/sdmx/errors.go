package sdmx

import (
	"fmt"
	"strings"
)

// StructureError is returned when a dataflow's structure cannot serve a pull:
// a required dimension role is absent, or the key template and the catalog
// disagree on the number of dimensions.
type StructureError struct {
	Flow   string
	Role   string
	Detail string
}

func (e *StructureError) Error() string {
	var b strings.Builder
	b.WriteString("structure")
	if e.Flow != "" {
		fmt.Fprintf(&b, " %s", e.Flow)
	}
	if e.Role != "" {
		fmt.Fprintf(&b, " (role %s)", e.Role)
	}
	b.WriteString(": ")
	b.WriteString(e.Detail)
	return b.String()
}

// CodeResolutionError is returned when no code of a dimension satisfies the
// preferred codes or label patterns and missing codes are not allowed.
type CodeResolutionError struct {
	Dimension string
	Patterns  []string
	Preferred []string
	Sample    []Code
}

func (e *CodeResolutionError) Error() string {
	sample := make([]string, len(e.Sample))
	for i, c := range e.Sample {
		sample[i] = c.ID + ":" + c.Label
	}
	return fmt.Sprintf("no matching code for dimension %q (patterns %q, preferred %q); available: %s",
		e.Dimension, e.Patterns, e.Preferred, strings.Join(sample, ", "))
}

// TransportError is returned when a request exhausts its retry budget or
// fails with a status that is not retried. Err holds the last underlying error.
type TransportError struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: HTTP %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("GET %s: failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFound reports whether the final response was a 404. SDMX services use
// 404 for queries that match no observations.
func (e *TransportError) NotFound() bool { return e.StatusCode == 404 }

// FormatError is returned when a response body is not in the expected
// structured format. It is never retried.
type FormatError struct {
	URL         string
	ContentType string
	Detail      string
	Err         error
}

func (e *FormatError) Error() string {
	msg := "unexpected response format"
	if e.URL != "" {
		msg += " from " + e.URL
	}
	if e.ContentType != "" {
		msg += " (" + e.ContentType + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }
