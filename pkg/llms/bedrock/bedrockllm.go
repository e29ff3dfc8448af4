package bedrock

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llms/bedrock/internal/bedrockclient"
	"github.com/effective-security/x/values"
)

// LLM is a Bedrock LLM implementation.
type LLM struct {
	modelID string
	client  *bedrockclient.Client
}

var _ llms.Model = (*LLM)(nil)

// New creates a new Bedrock LLM implementation.
func New(ctx context.Context, opts ...Option) (*LLM, error) {
	o, c, err := newClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &LLM{
		client:  c,
		modelID: o.modelID,
	}, nil
}

func newClient(ctx context.Context, opts ...Option) (*options, *bedrockclient.Client, error) {
	options := &options{}
	for _, opt := range opts {
		opt(options)
	}
	options.modelID = values.StringsCoalesce(options.modelID, os.Getenv(ModelEnvVarName), ModelAnthropicClaude35Sonnet)

	if options.client == nil {
		var loadOpts []func(*config.LoadOptions) error
		if options.region != "" {
			loadOpts = append(loadOpts, config.WithRegion(options.region))
		}
		if options.accessKeyID != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(options.accessKeyID, options.secretAccessKey, options.sessionToken)))
		}

		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return options, nil, errors.Wrap(err, "bedrock: failed to load AWS config")
		}
		options.client = bedrockruntime.NewFromConfig(cfg)
	}

	return options, bedrockclient.NewClient(options.client), nil
}

// GetName implements the Model interface.
func (l *LLM) GetName() string {
	return l.modelID
}

// GetProviderType implements the Model interface.
func (l *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderBedrock
}

// GenerateContent implements llms.Model.
func (l *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.NewCallOptions(options...)
	opts.Model = values.StringsCoalesce(opts.Model, l.modelID)

	return l.client.CreateCompletion(ctx, opts.Model, messages, opts)
}
