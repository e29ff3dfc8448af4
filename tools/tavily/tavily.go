package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"reflect"

	"github.com/cockroachdb/errors"
	tavilygo "github.com/diverged/tavily-go"
	tavilyModels "github.com/diverged/tavily-go/models"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/x/values"
	"github.com/invopop/jsonschema"
)

// ToolName is the name of the web search tool
const ToolName = "web_search"

// SearchRequest represents the tool input.
type SearchRequest struct {
	Query string `json:"query" yaml:"query" jsonschema:"title=Search Query,description=The query to search web."`
}

// SearchResult represents the structure for a search response
type SearchResult struct {
	Results []tavilyModels.SearchResult `json:"results" yaml:"results"`
	Answer  string                      `json:"answer,omitempty" yaml:"answer,omitempty"`
}

// Tool is a tool that provides a web search functionality
type Tool struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	params     *jsonschema.Schema
}

// ensure Tool implements the tools.Tool interface
var _ tools.Tool[SearchRequest, SearchResult] = (*Tool)(nil)

// New returns the web search tool,
// empty apiKey is read from TAVILY_API_KEY environment variable.
func New(apiKey string) (*Tool, error) {
	apiKey = values.StringsCoalesce(apiKey, os.Getenv("TAVILY_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("TAVILY_API_KEY is not set")
	}

	sc, err := schema.New(reflect.TypeOf(SearchRequest{}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create schema")
	}
	return &Tool{
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		params:     sc.Parameters,
	}, nil
}

// WithBaseURL sets the base URL of the search API
func (t *Tool) WithBaseURL(baseURL string) *Tool {
	t.baseURL = baseURL
	return t
}

// WithHTTPClient sets the HTTP client
func (t *Tool) WithHTTPClient(client *http.Client) *Tool {
	t.httpClient = client
	return t
}

func (t *Tool) Name() string {
	return ToolName
}

func (t *Tool) Description() string {
	return "Searches the web and returns the most relevant results with a short answer."
}

func (t *Tool) Parameters() *jsonschema.Schema {
	return t.params
}

func (t *Tool) Run(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req.Query == "" {
		return nil, errors.New("invalid request: empty query")
	}

	client := tavilygo.NewClient(t.apiKey)
	if t.baseURL != "" {
		client.BaseURL = t.baseURL
	}
	if t.httpClient != nil {
		client.HTTPClient = t.httpClient
	}

	searchResp, err := tavilygo.Search(client, tavilyModels.SearchRequest{
		Query:         req.Query,
		SearchDepth:   "basic",
		IncludeAnswer: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to perform search")
	}

	return &SearchResult{
		Results: searchResp.Results,
		Answer:  searchResp.Answer,
	}, nil
}

func (t *Tool) Call(ctx context.Context, input string) (string, error) {
	var req SearchRequest
	if err := json.Unmarshal(llmutils.CleanJSON([]byte(input)), &req); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal input")
	}
	out, err := t.Run(ctx, &req)
	if err != nil {
		return "", err
	}
	bs, err := json.Marshal(out)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal output")
	}
	return string(bs), nil
}

func (r *SearchResult) String() string {
	var buf bytes.Buffer
	if r.Answer != "" {
		fmt.Fprintf(&buf, "ANSWER: %s\n", r.Answer)
	}

	for _, result := range r.Results {
		fmt.Fprintf(&buf, "- URL: %s\n", result.URL)
		fmt.Fprintf(&buf, "  TITLE: %s\n", result.Title)
		fmt.Fprintf(&buf, "  SCORE: %f\n", result.Score)
		fmt.Fprintf(&buf, "  CONTENT: %s\n", result.Content)
	}

	return buf.String()
}
