package bedrockclient

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
)

// InvokeModelAPI is the subset of the bedrockruntime client used by the provider.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client is a Bedrock client.
type Client struct {
	client InvokeModelAPI
}

func getProvider(modelID string) string {
	// Handle Inference Profiles (e.g., "us.anthropic.claude-3-5-sonnet-20241022-v2:0")
	// and direct model IDs (e.g., "anthropic.claude-3-sonnet-20240229-v1:0")
	parts := strings.Split(modelID, ".")
	if len(parts) >= 2 {
		// region prefix, use the second part as provider
		if len(parts[0]) == 2 && strings.ToLower(parts[0]) == parts[0] {
			return parts[1]
		}
		return parts[0]
	}
	return parts[0]
}

// NewClient creates a new Bedrock client.
func NewClient(client InvokeModelAPI) *Client {
	return &Client{
		client: client,
	}
}

// CreateCompletion creates a new completion response from the provider
// after sending the messages to the provider.
// Only Anthropic models support tool calling on Bedrock.
func (c *Client) CreateCompletion(ctx context.Context,
	modelID string,
	messages []llms.Message,
	options *llms.CallOptions,
) (*llms.ContentResponse, error) {
	provider := getProvider(modelID)
	switch provider {
	case "anthropic":
		return createAnthropicCompletion(ctx, c.client, modelID, messages, options)
	default:
		return nil, errors.Errorf("bedrock: unsupported provider: %s", provider)
	}
}
