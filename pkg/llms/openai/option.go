package openai

import (
	"github.com/openai/openai-go/v3/option"
)

const (
	tokenEnvVarName        = "OPENAI_API_KEY"      //nolint:gosec
	modelEnvVarName        = "OPENAI_MODEL"        //nolint:gosec
	baseURLEnvVarName      = "OPENAI_BASE_URL"     //nolint:gosec
	baseAPIBaseEnvVarName  = "OPENAI_API_BASE"     //nolint:gosec
	organizationEnvVarName = "OPENAI_ORGANIZATION" //nolint:gosec
)

// DefaultModel is used when neither WithModel nor OPENAI_MODEL is set.
const DefaultModel = "gpt-4.1-mini"

type options struct {
	token        string
	model        string
	baseURL      string
	organization string
	httpClient   option.HTTPClient
	maxRetries   int
}

// Option is a functional option for the OpenAI client.
type Option func(*options)

// WithToken passes the OpenAI API token to the client. If not set, the token
// is read from the OPENAI_API_KEY environment variable.
func WithToken(token string) Option {
	return func(opts *options) {
		opts.token = token
	}
}

// WithModel passes the OpenAI model to the client. If not set, the model
// is read from the OPENAI_MODEL environment variable.
func WithModel(model string) Option {
	return func(opts *options) {
		opts.model = model
	}
}

// WithBaseURL passes the OpenAI base url to the client. If not set, the base url
// is read from the OPENAI_BASE_URL or OPENAI_API_BASE environment variables.
// Any OpenAI compatible server, such as vLLM or Ollama, can be used.
func WithBaseURL(baseURL string) Option {
	return func(opts *options) {
		opts.baseURL = baseURL
	}
}

// WithOrganization passes the OpenAI organization to the client. If not set, the
// organization is read from the OPENAI_ORGANIZATION.
func WithOrganization(organization string) Option {
	return func(opts *options) {
		opts.organization = organization
	}
}

// WithHTTPClient allows setting a custom HTTP client.
func WithHTTPClient(client option.HTTPClient) Option {
	return func(opts *options) {
		opts.httpClient = client
	}
}

// WithMaxRetries sets the number of retries of the SDK client, default is 2.
func WithMaxRetries(n int) Option {
	return func(opts *options) {
		opts.maxRetries = n
	}
}
