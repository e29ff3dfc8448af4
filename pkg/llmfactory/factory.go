package llmfactory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llms/anthropic"
	"github.com/effective-security/mcpagent/pkg/llms/bedrock"
	"github.com/effective-security/mcpagent/pkg/llms/googleai"
	"github.com/effective-security/mcpagent/pkg/llms/openai"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "llmfactory")

// NewLLM is a wrapper for CreateLLM to allow for overriding the default implementation.
var NewLLM = CreateLLM

// Factory is the interface for creating and managing LLM models.
type Factory interface {
	// DefaultModel returns the default LLM model.
	DefaultModel() (llms.Model, error)
	// ModelByType returns an LLM model by its type, e.g.
	// OPENAI, ANTHROPIC, GOOGLEAI, BEDROCK
	ModelByType(providerType string) (llms.Model, error)
	// ModelByName returns an LLM model by its name,
	// if the model is not found, it will return the default model.
	ModelByName(preferredModels ...string) (llms.Model, error)
}

// Load returns the factory from the config file
func Load(location string) (Factory, error) {
	cfg, err := LoadConfig(location)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

type factory struct {
	cfg *Config

	defaultProvider *ProviderConfig
	defaultModel    llms.Model
	byType          map[string]llms.Model
	byName          map[string]llms.Model
	lock            sync.Mutex
}

// New creates a new LLM factory
func New(cfg *Config) Factory {
	f := &factory{
		cfg:    cfg,
		byType: make(map[string]llms.Model),
		byName: make(map[string]llms.Model),
	}

	if cfg.DefaultProvider != "" {
		for _, provider := range cfg.Providers {
			if provider.Name == cfg.DefaultProvider {
				f.defaultProvider = provider
				break
			}
		}
	}

	if f.defaultProvider == nil && len(f.cfg.Providers) > 0 {
		f.defaultProvider = f.cfg.Providers[0]
	}

	return f
}

// CreateLLM creates the model of the provider,
// the first of preferredModels available with the provider is used.
func CreateLLM(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	provType := strings.ToUpper(cfg.OpenAI.APIType)
	switch llms.ProviderType(provType) {
	case llms.ProviderOpenAI, "OPEN_AI":
		return newOpenAI(cfg, preferredModels...)
	case llms.ProviderAnthropic:
		return newAnthropic(cfg, preferredModels...)
	case llms.ProviderGoogleAI:
		return newGoogleAI(cfg, preferredModels...)
	case llms.ProviderBedrock:
		return newBedrock(cfg, preferredModels...)
	}
	return nil, errors.Errorf("unsupported provider type: %s", provType)
}

func newOpenAI(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.FindModel(preferredModels...)),
	}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if cfg.OpenAI.OrgID != "" {
		opts = append(opts, openai.WithOrganization(cfg.OpenAI.OrgID))
	}
	return openai.New(opts...)
}

func newAnthropic(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithModel(cfg.FindModel(preferredModels...)),
	}
	if cfg.Token != "" {
		opts = append(opts, anthropic.WithToken(cfg.Token))
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	return anthropic.New(opts...)
}

func newGoogleAI(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	var opts []googleai.Option
	if model := cfg.FindModel(preferredModels...); model != "" {
		opts = append(opts, googleai.WithDefaultModel(model))
	}
	if cfg.Token != "" {
		opts = append(opts, googleai.WithAPIKey(cfg.Token))
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, googleai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	return googleai.New(context.Background(), opts...)
}

func newBedrock(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	opts := []bedrock.Option{
		bedrock.WithModel(cfg.FindModel(preferredModels...)),
	}
	if cfg.Bedrock.Region != "" {
		opts = append(opts, bedrock.WithRegion(cfg.Bedrock.Region))
	}
	if cfg.Bedrock.AccessKeyID != "" {
		opts = append(opts, bedrock.WithStaticCredentials(cfg.Bedrock.AccessKeyID, cfg.Bedrock.SecretAccessKey, ""))
	}
	return bedrock.New(context.Background(), opts...)
}

// DefaultModel returns the default model of the default provider
func (f *factory) DefaultModel() (llms.Model, error) {
	if f.defaultProvider == nil {
		return nil, errors.New("no providers configured")
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	if f.defaultModel != nil {
		return f.defaultModel, nil
	}

	model, err := NewLLM(f.defaultProvider, f.defaultProvider.DefaultModel)
	if err != nil {
		return nil, err
	}
	f.defaultModel = model
	return model, nil
}

func (f *factory) ModelByType(providerType string) (llms.Model, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if client, ok := f.byType[providerType]; ok {
		return client, nil
	}

	for _, cfg := range f.cfg.Providers {
		if strings.EqualFold(cfg.OpenAI.APIType, providerType) {
			model, err := NewLLM(cfg)
			if err != nil {
				return nil, err
			}

			logger.KV(xlog.DEBUG,
				"status", "created_llm",
				"type", cfg.OpenAI.APIType,
				"name", cfg.Name)

			f.byType[providerType] = model
			return model, nil
		}
	}
	return nil, errors.Errorf("provider not found for type: %s", providerType)
}

func (f *factory) ModelByName(modelNames ...string) (llms.Model, error) {
	model := f.findByName(modelNames...)
	if model != nil {
		return model, nil
	}
	return f.DefaultModel()
}

func (f *factory) findByName(modelNames ...string) llms.Model {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, modelName := range modelNames {
		if client, ok := f.byName[modelName]; ok {
			return client
		}

		for _, cfg := range f.cfg.Providers {
			if slices.Contains(cfg.AvailableModels, modelName) {
				model, err := NewLLM(cfg, modelName)
				if err != nil {
					logger.KV(xlog.ERROR,
						"reason", "NewLLM",
						"type", cfg.OpenAI.APIType,
						"model", modelName,
						"err", err.Error(),
					)
					continue
				}

				logger.KV(xlog.DEBUG,
					"status", "created_llm",
					"type", cfg.OpenAI.APIType,
					"name", cfg.Name,
					"model", modelName)

				f.byName[modelName] = model
				return model
			}
		}
	}
	return nil
}
