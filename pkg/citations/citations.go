// Package citations extracts document references from tool results
// and renders them as links to page previews.
package citations

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// DefaultBaseURL is the default location of the page previews
const DefaultBaseURL = "http://127.0.0.1:8008/"

var (
	docKeys  = []string{"document_name", "source"}
	pageKeys = []string{"page_label", "page_number", "page"}

	digits = regexp.MustCompile(`\d+`)
	pdfExt = regexp.MustCompile(`(?i)\.pdf$`)
)

// Citation is a reference to a document page
type Citation struct {
	DocumentName string `json:"document_name" yaml:"document_name"`
	PageNumber   int    `json:"page_number" yaml:"page_number"`
	URL          string `json:"url" yaml:"url"`
}

// Builder extracts citations and builds the preview URLs
type Builder struct {
	baseURL string
}

// New returns a Builder for the base URL,
// empty baseURL uses DefaultBaseURL.
func New(baseURL string) *Builder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Builder{baseURL: baseURL}
}

// URL returns the preview URL of the document page
func (b *Builder) URL(documentName string, page int) string {
	if documentName == "" {
		return ""
	}
	doc := pdfExt.ReplaceAllString(documentName, "")
	return fmt.Sprintf("%s%s/page%04d.png", b.baseURL, url.PathEscape(doc), page)
}

// Extract returns the unique citations found in the tool results,
// in the order they are found.
func (b *Builder) Extract(results ...any) []Citation {
	type key struct {
		doc  string
		page int
	}
	seen := map[key]bool{}
	var list []Citation

	for _, res := range results {
		if res == nil {
			continue
		}
		walk(normalize(res), func(doc string, page int) {
			k := key{doc: doc, page: page}
			if seen[k] {
				return
			}
			seen[k] = true
			list = append(list, Citation{
				DocumentName: doc,
				PageNumber:   page,
				URL:          b.URL(doc, page),
			})
		})
	}
	return list
}

// FromMetadata returns the citations found in metadata["tool_results"][].result
func (b *Builder) FromMetadata(metadata map[string]any) []Citation {
	trs, ok := normalize(metadata["tool_results"]).([]any)
	if !ok {
		return nil
	}
	var results []any
	for _, tr := range trs {
		if m, ok := tr.(map[string]any); ok && m["result"] != nil {
			results = append(results, m["result"])
		}
	}
	return b.Extract(results...)
}

// Markdown renders the citations as a markdown section
func Markdown(list []Citation) string {
	if len(list) == 0 {
		return ""
	}
	lines := []string{"## Citations"}
	for _, c := range list {
		lines = append(lines, fmt.Sprintf("- [%s - page %d](%s)", c.DocumentName, c.PageNumber, c.URL))
	}
	return strings.Join(lines, "\n")
}

func walk(node any, found func(doc string, page int)) {
	switch v := node.(type) {
	case map[string]any:
		meta, _ := v["metadata"].(map[string]any)

		doc := pickFirst(meta, docKeys)
		if doc == nil {
			doc = pickFirst(v, docKeys)
		}
		pageRaw := pickFirst(meta, pageKeys)
		if pageRaw == nil {
			pageRaw = pickFirst(v, pageKeys)
		}

		if name, ok := doc.(string); ok && strings.TrimSpace(name) != "" {
			if page, ok := parsePage(pageRaw); ok {
				found(strings.TrimSpace(name), page)
			}
		}

		for _, k := range slices.Sorted(maps.Keys(v)) {
			walk(v[k], found)
		}
	case []any:
		for _, item := range v {
			walk(item, found)
		}
	}
}

func pickFirst(m map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func parsePage(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, v >= 0
	case int64:
		return int(v), v >= 0
	case float64:
		return int(v), v >= 0
	case json.Number:
		f, err := v.Float64()
		return int(f), err == nil && f >= 0
	case string:
		m := digits.FindString(v)
		if m == "" {
			return 0, false
		}
		var n int
		_, err := fmt.Sscanf(m, "%d", &n)
		return n, err == nil
	}
	return 0, false
}

// normalize converts typed values into the generic JSON shape
func normalize(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any, string, bool, float64, int, int64:
		return v
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err = json.Unmarshal(bs, &out); err != nil {
		return nil
	}
	return out
}
