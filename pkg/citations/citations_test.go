package citations_test

import (
	"testing"

	"github.com/effective-security/mcpagent/pkg/citations"
	"github.com/stretchr/testify/assert"
)

func TestURL(t *testing.T) {
	t.Parallel()

	b := citations.New("")
	assert.Equal(t, "http://127.0.0.1:8008/Annual%20Report%202024/page0007.png", b.URL("Annual Report 2024.PDF", 7))
	assert.Equal(t, "", b.URL("", 1))

	b = citations.New("https://docs.example.com/previews")
	assert.Equal(t, "https://docs.example.com/previews/a%2Fb/page0012.png", b.URL("a/b.pdf", 12))
}

func TestExtract(t *testing.T) {
	t.Parallel()

	type chunk struct {
		Source string `json:"source"`
		Page   int    `json:"page"`
	}

	b := citations.New("")
	tcases := []struct {
		name    string
		results []any
		exp     []citations.Citation
	}{
		{
			name: "nested_metadata",
			results: []any{
				map[string]any{
					"chunks": []any{
						map[string]any{
							"text":     "...",
							"metadata": map[string]any{"document_name": "guide.pdf", "page_label": "p. 3"},
						},
						map[string]any{
							"text":     "...",
							"metadata": map[string]any{"source": "guide.pdf", "page_number": float64(3)},
						},
					},
				},
			},
			exp: []citations.Citation{
				{DocumentName: "guide.pdf", PageNumber: 3, URL: "http://127.0.0.1:8008/guide/page0003.png"},
			},
		},
		{
			name: "node_keys",
			results: []any{
				[]any{
					map[string]any{"source": " manual.pdf ", "page": 10},
					map[string]any{"source": "manual.pdf", "page": "n/a"},
				},
			},
			exp: []citations.Citation{
				{DocumentName: "manual.pdf", PageNumber: 10, URL: "http://127.0.0.1:8008/manual/page0010.png"},
			},
		},
		{
			name:    "typed",
			results: []any{[]chunk{{Source: "x.pdf", Page: 1}}},
			exp: []citations.Citation{
				{DocumentName: "x.pdf", PageNumber: 1, URL: "http://127.0.0.1:8008/x/page0001.png"},
			},
		},
		{
			name:    "none",
			results: []any{"plain text", nil, map[string]any{"page": 1}},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.exp, b.Extract(tc.results...))
		})
	}
}

func TestFromMetadata(t *testing.T) {
	t.Parallel()

	md := map[string]any{
		"tool_results": []any{
			map[string]any{"tool": "search", "result": map[string]any{"source": "a.pdf", "page": 2}},
			map[string]any{"tool": "failed", "error": "boom"},
			"garbage",
		},
	}
	list := citations.New("").FromMetadata(md)
	assert.Equal(t, []citations.Citation{
		{DocumentName: "a.pdf", PageNumber: 2, URL: "http://127.0.0.1:8008/a/page0002.png"},
	}, list)

	assert.Empty(t, citations.New("").FromMetadata(map[string]any{}))

	assert.Equal(t, "## Citations\n- [a.pdf - page 2](http://127.0.0.1:8008/a/page0002.png)", citations.Markdown(list))
	assert.Equal(t, "", citations.Markdown(nil))
}
