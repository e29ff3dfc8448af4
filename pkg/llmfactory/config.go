package llmfactory

import (
	"slices"

	"github.com/effective-security/x/configloader"
)

type Config struct {
	// Providers specifies the list of providers to use
	Providers []*ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`
	// DefaultProvider specifies the default provider to use
	DefaultProvider string `json:"default_provider" yaml:"default_provider"`
}

// ProviderConfig for a model provider
type ProviderConfig struct {
	Name            string       `json:"name" yaml:"name" validate:"required"`
	Token           string       `json:"token,omitempty" yaml:"token,omitempty"`
	DefaultModel    string       `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	AvailableModels []string     `json:"available_models,omitempty" yaml:"available_models,omitempty"`
	OpenAI          OpenAIConfig `json:"open_ai" yaml:"open_ai"`
	// Bedrock specifies AWS options, the default AWS config is used if empty
	Bedrock BedrockConfig `json:"bedrock,omitempty" yaml:"bedrock,omitempty"`
}

// BedrockConfig specifies AWS options
type BedrockConfig struct {
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// OpenAIConfig specifies options config
type OpenAIConfig struct {
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// APIType specifies the type of API to use:
	// OPENAI|ANTHROPIC|GOOGLEAI|BEDROCK
	APIType string `json:"api_type,omitempty" yaml:"api_type,omitempty" validate:"required"`
	// OrgID specifies which organization's quota and billing should be used when making API requests.
	OrgID string `json:"org_id,omitempty" yaml:"org_id,omitempty"`
}

// FindModel returns the first of the models available with the provider,
// or the default model.
func (c *ProviderConfig) FindModel(models ...string) string {
	for _, model := range models {
		if slices.Contains(c.AvailableModels, model) {
			return model
		}
	}
	return c.DefaultModel
}

// LoadConfig from file
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if file == "" {
		return cfg, nil
	}

	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
