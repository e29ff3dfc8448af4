// Package llmfactory creates LLM models from configuration,
// supporting OpenAI, Anthropic, Google AI and Bedrock providers.
package llmfactory
