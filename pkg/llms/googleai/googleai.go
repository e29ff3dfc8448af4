package googleai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llms/googleai/internal/genaiutils"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"
)

var (
	ErrNoContentInResponse = errors.New("no content in generation response")
)

const (
	CITATIONS = "citations"
	SAFETY    = "safety"
	RoleModel = "model"
	RoleUser  = "user"
)

// GetName implements the Model interface.
func (g *GoogleAI) GetName() string {
	return g.opts.DefaultModel
}

// GetProviderType implements the Model interface.
func (g *GoogleAI) GetProviderType() llms.ProviderType {
	return llms.ProviderGoogleAI
}

// GenerateContent implements the [llms.Model] interface.
func (g *GoogleAI) GenerateContent(
	ctx context.Context,
	messages []llms.Message,
	options ...llms.CallOption,
) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{
		Model:       g.opts.DefaultModel,
		MaxTokens:   g.opts.DefaultMaxTokens,
		Temperature: g.opts.DefaultTemperature,
		TopP:        g.opts.DefaultTopP,
	}
	for _, opt := range options {
		opt(&opts)
	}

	callCfg := &genai.GenerateContentConfig{
		StopSequences:   opts.StopWords,
		CandidateCount:  int32(g.opts.DefaultCandidateCount),
		MaxOutputTokens: int32(opts.MaxTokens),
		Temperature:     genaiutils.Float32Ptr(float32(opts.Temperature)),
		TopP:            genaiutils.Float32Ptr(float32(opts.TopP)),
		TopK:            genaiutils.Float32Ptr(float32(g.opts.DefaultTopK)),
		Seed:            genaiutils.Int32Ptr(int32(opts.Seed)),
	}

	callCfg.SafetySettings = []*genai.SafetySetting{
		{
			Category:  genai.HarmCategoryDangerousContent,
			Threshold: g.opts.HarmThreshold,
		},
		{
			Category:  genai.HarmCategoryHarassment,
			Threshold: g.opts.HarmThreshold,
		},
		{
			Category:  genai.HarmCategoryHateSpeech,
			Threshold: g.opts.HarmThreshold,
		},
		{
			Category:  genai.HarmCategorySexuallyExplicit,
			Threshold: g.opts.HarmThreshold,
		},
	}
	var err error
	if callCfg.Tools, err = genaiutils.ConvertTools(opts.Tools); err != nil {
		return nil, err
	}

	return g.generateFromMessages(ctx, opts.Model, messages, callCfg)
}

// convertCandidates converts a sequence of genai.Candidate to a response.
// Gemini does not always issue call identifiers, so ID may be empty.
func convertCandidates(candidates []*genai.Candidate, usage *genai.GenerateContentResponseUsageMetadata) (*llms.ContentResponse, error) {
	var contentResponse llms.ContentResponse

	for _, candidate := range candidates {
		buf := strings.Builder{}
		var toolCalls []llms.ToolCall

		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				switch {
				case part.Thought:
					continue
				case part.FunctionCall != nil:
					args := part.FunctionCall.Args
					if args == nil {
						args = map[string]any{}
					}
					b, err := json.Marshal(args)
					if err != nil {
						return nil, errors.WithStack(err)
					}
					toolCalls = append(toolCalls, llms.ToolCall{
						ID:   part.FunctionCall.ID,
						Type: "function",
						FunctionCall: &llms.FunctionCall{
							Name:      part.FunctionCall.Name,
							Arguments: string(b),
						},
					})
				case part.Text != "":
					buf.WriteString(part.Text)
				}
			}
		}

		metadata := make(map[string]any)
		metadata[CITATIONS] = candidate.CitationMetadata
		metadata[SAFETY] = candidate.SafetyRatings

		if usage != nil {
			metadata["InputTokens"] = int64(usage.PromptTokenCount)
			metadata["CacheReadTokens"] = int64(usage.CachedContentTokenCount)
			metadata["OutputTokens"] = int64(usage.CandidatesTokenCount + usage.ToolUsePromptTokenCount + usage.ThoughtsTokenCount)
			metadata["TotalTokens"] = int64(usage.TotalTokenCount)
		}

		contentResponse.Choices = append(contentResponse.Choices,
			&llms.ContentChoice{
				Content:        buf.String(),
				StopReason:     string(candidate.FinishReason),
				GenerationInfo: metadata,
				ToolCalls:      toolCalls,
			})
	}
	return &contentResponse, nil
}

// convertParts converts between a sequence of llms parts and genai parts.
func convertParts(parts []llms.ContentPart) ([]*genai.Part, error) {
	convertedParts := make([]*genai.Part, 0, len(parts))
	for _, part := range parts {
		out := new(genai.Part)

		switch p := part.(type) {
		case llms.TextContent:
			if p.Text == "" {
				continue
			}
			out.Text = p.Text
		case llms.ToolCall:
			argsMap, err := llmutils.ParseArguments(p.Arguments())
			if err != nil {
				return nil, err
			}
			out.FunctionCall = &genai.FunctionCall{
				Name: p.Name(),
				Args: argsMap,
			}
		case llms.ToolCallResponse:
			out.FunctionResponse = &genai.FunctionResponse{
				Name:     p.Name,
				Response: functionResponse(p.Content),
			}
		default:
			return nil, errors.Errorf("unsupported part type: %T", part)
		}

		convertedParts = append(convertedParts, out)
	}
	return convertedParts, nil
}

// functionResponse returns the tool output as the response object,
// values that are not objects are wrapped in "response".
func functionResponse(content string) map[string]any {
	if gjson.Valid(content) {
		res := gjson.Parse(content)
		if m, ok := res.Value().(map[string]any); ok {
			return m
		}
		return map[string]any{"response": res.Value()}
	}
	return map[string]any{"response": content}
}

// convertContent converts between a llms.Message and genai content.
// Tool responses are sent with the user role.
func convertContent(content llms.Message) (*genai.Content, error) {
	parts, err := convertParts(content.Parts)
	if err != nil {
		return nil, err
	}

	c := &genai.Content{
		Parts: parts,
	}

	switch content.Role {
	case llms.RoleSystem, llms.RoleUser, llms.RoleTool:
		c.Role = RoleUser
	case llms.RoleAssistant:
		c.Role = RoleModel
	default:
		return nil, errors.WithMessagef(llms.ErrUnexpectedRole, "role %v not supported", content.Role)
	}

	return c, nil
}

func (g *GoogleAI) generateFromMessages(
	ctx context.Context,
	model string,
	messages []llms.Message,
	config *genai.GenerateContentConfig,
) (*llms.ContentResponse, error) {
	history := make([]*genai.Content, 0, len(messages))
	for _, mc := range messages {
		content, err := convertContent(mc)
		if err != nil {
			return nil, err
		}
		if len(content.Parts) == 0 {
			continue
		}
		if mc.Role == llms.RoleSystem {
			config.SystemInstruction = content
			continue
		}
		// function responses of one turn must be sent in a single content
		if n := len(history); n > 0 && history[n-1].Role == content.Role {
			history[n-1].Parts = append(history[n-1].Parts, content.Parts...)
			continue
		}
		history = append(history, content)
	}

	model = values.StringsCoalesce(model, g.opts.DefaultModel)
	logger.ContextKV(ctx, xlog.DEBUG,
		"model", model,
		"messages", len(history),
		"tools", len(config.Tools),
	)

	resp, err := g.client.Models.GenerateContent(ctx, model, history, config)
	if err != nil {
		return nil, errors.Wrap(err, "googleai: failed to generate content")
	}

	if len(resp.Candidates) == 0 {
		return nil, errors.WithStack(ErrNoContentInResponse)
	}
	return convertCandidates(resp.Candidates, resp.UsageMetadata)
}
