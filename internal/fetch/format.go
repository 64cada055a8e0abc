package fetch

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/seenimoa/macropanel/internal/sdmx"
)

// Kind is the body format a caller expects.
type Kind int

const (
	KindAny Kind = iota
	KindJSON
	KindXML
	KindCSV
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "JSON"
	case KindXML:
		return "XML"
	case KindCSV:
		return "CSV"
	}
	return "any"
}

func (k Kind) accept() string {
	switch k {
	case KindJSON:
		return "application/json"
	case KindXML:
		return "application/xml"
	case KindCSV:
		return "text/csv"
	}
	return "*/*"
}

// checkFormat rejects bodies that cannot be the expected kind. An empty body
// is accepted; callers treat it as an empty result.
func checkFormat(kind Kind, contentType string, body []byte) *sdmx.FormatError {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if isHTML(contentType, trimmed) {
		detail := "HTML page instead of " + kind.String()
		if title := htmlTitle(trimmed); title != "" {
			detail += ": " + title
		}
		return &sdmx.FormatError{ContentType: contentType, Detail: detail}
	}

	first := trimmed[0]
	switch kind {
	case KindJSON:
		if first != '{' && first != '[' {
			return &sdmx.FormatError{ContentType: contentType, Detail: "body is not JSON: " + preview(trimmed)}
		}
	case KindXML:
		if first != '<' {
			return &sdmx.FormatError{ContentType: contentType, Detail: "body is not XML: " + preview(trimmed)}
		}
	case KindCSV:
		if first == '<' || first == '{' || first == '[' {
			return &sdmx.FormatError{ContentType: contentType, Detail: "body is not CSV: " + preview(trimmed)}
		}
		line, rest, _ := bytes.Cut(trimmed, []byte("\n"))
		if !bytes.ContainsRune(line, ',') && !isCSVType(contentType) && !singleColumn(rest) {
			return &sdmx.FormatError{ContentType: contentType, Detail: "CSV header has no delimiter: " + preview(line)}
		}
	}
	return nil
}

func isCSVType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/csv") || strings.Contains(ct, "+csv")
}

// singleColumn reports whether the rows after a delimiter-less header form
// a one-column table: at least one row and no delimiter in any of them.
func singleColumn(rows []byte) bool {
	rows = bytes.TrimSpace(rows)
	return len(rows) > 0 && !bytes.ContainsRune(rows, ',')
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.Contains(lower, []byte("<html"))
}

// htmlTitle returns the page title (or first heading) of an HTML body.
func htmlTitle(body []byte) string {
	if !bytes.Contains(bytes.ToLower(body), []byte("<html")) && !bytes.Contains(bytes.ToLower(body), []byte("<title")) {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func preview(b []byte) string {
	s := string(b)
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return strings.Join(strings.Fields(s), " ")
}
