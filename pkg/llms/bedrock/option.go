package bedrock

import "github.com/effective-security/mcpagent/pkg/llms/bedrock/internal/bedrockclient"

const (
	ModelEnvVarName = "BEDROCK_MODEL_ID"

	// ModelAnthropicClaude35Sonnet is the default model.
	ModelAnthropicClaude35Sonnet = "anthropic.claude-3-5-sonnet-20241022-v2:0"
)

type options struct {
	modelID string
	client  bedrockclient.InvokeModelAPI

	region          string
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
}

// Option is an option for the Bedrock LLM.
type Option func(*options)

// WithModel allows setting a custom model ID.
// Inference profiles, like "us.anthropic.claude-3-5-sonnet-20241022-v2:0", are supported.
func WithModel(modelID string) Option {
	return func(o *options) {
		o.modelID = modelID
	}
}

// WithClient allows setting a custom bedrockruntime client.
// If not set, the client is created from the default AWS config.
func WithClient(client bedrockclient.InvokeModelAPI) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithRegion sets the AWS region of the default client.
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// WithStaticCredentials sets the credentials of the default client,
// the default AWS credential chain is used if not set.
func WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken string) Option {
	return func(o *options) {
		o.accessKeyID = accessKeyID
		o.secretAccessKey = secretAccessKey
		o.sessionToken = sessionToken
	}
}
