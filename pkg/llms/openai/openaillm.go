package openai

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "openai")

// LLM is a chat completions model served by OpenAI
// or any OpenAI compatible endpoint.
type LLM struct {
	client openai.Client
	model  string
}

var _ llms.Model = (*LLM)(nil)

// New returns a new OpenAI LLM.
func New(opts ...Option) (*LLM, error) {
	o := &options{
		maxRetries: -1,
	}
	for _, opt := range opts {
		opt(o)
	}

	token := values.StringsCoalesce(o.token, os.Getenv(tokenEnvVarName))
	if token == "" {
		return nil, errors.Errorf("%s is not set", tokenEnvVarName)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(token),
	}
	if baseURL := values.StringsCoalesce(o.baseURL, os.Getenv(baseURLEnvVarName), os.Getenv(baseAPIBaseEnvVarName)); baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if org := values.StringsCoalesce(o.organization, os.Getenv(organizationEnvVarName)); org != "" {
		reqOpts = append(reqOpts, option.WithOrganization(org))
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}
	if o.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(o.maxRetries))
	}

	return &LLM{
		client: openai.NewClient(reqOpts...),
		model:  values.StringsCoalesce(o.model, os.Getenv(modelEnvVarName), DefaultModel),
	}, nil
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenAI
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.NewCallOptions(options...)

	params := openai.ChatCompletionNewParams{
		Model: values.StringsCoalesce(opts.Model, o.model),
	}

	for _, mc := range messages {
		msgs, err := messagesFromMessage(mc)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, msgs...)
	}

	for _, tool := range opts.Tools {
		t, err := toolFromTool(tool)
		if err != nil {
			return nil, errors.Wrap(err, "failed to convert llms tool to openai tool")
		}
		params.Tools = append(params.Tools, t)
	}
	if opts.ToolChoice != "" && len(params.Tools) > 0 {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(opts.ToolChoice),
		}
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = openai.Float(opts.TopP)
	}
	if opts.Seed != 0 {
		params.Seed = openai.Int(int64(opts.Seed))
	}
	if len(opts.StopWords) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: opts.StopWords,
		}
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"model", params.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	result, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "openai chat completion failed")
	}
	if len(result.Choices) == 0 {
		return nil, errors.WithStack(llms.ErrEmptyResponse)
	}

	choices := make([]*llms.ContentChoice, len(result.Choices))
	for i, c := range result.Choices {
		choices[i] = &llms.ContentChoice{
			Content:    c.Message.Content,
			StopReason: c.FinishReason,
			GenerationInfo: map[string]any{
				"InputTokens":     result.Usage.PromptTokens,
				"OutputTokens":    result.Usage.CompletionTokens,
				"TotalTokens":     result.Usage.TotalTokens,
				"ReasoningTokens": result.Usage.CompletionTokensDetails.ReasoningTokens,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			if tc.Type != "" && tc.Type != "function" {
				logger.ContextKV(ctx, xlog.WARNING, "reason", "unsupported_tool_call", "type", tc.Type)
				continue
			}
			choices[i].ToolCalls = append(choices[i].ToolCalls, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}
	return &llms.ContentResponse{Choices: choices}, nil
}

func messagesFromMessage(mc llms.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	switch mc.Role {
	case llms.RoleSystem:
		return []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(mc.Text())}, nil
	case llms.RoleUser:
		return []openai.ChatCompletionMessageParamUnion{openai.UserMessage(mc.Text())}, nil
	case llms.RoleAssistant:
		msg := &openai.ChatCompletionAssistantMessageParam{}
		if text := mc.Text(); text != "" {
			msg.Content.OfString = openai.String(text)
		}
		for _, tc := range mc.ToolCalls() {
			msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name(),
						Arguments: tc.Arguments(),
					},
				},
			})
		}
		return []openai.ChatCompletionMessageParamUnion{{OfAssistant: msg}}, nil
	case llms.RoleTool:
		var res []openai.ChatCompletionMessageParamUnion
		for _, p := range mc.Parts {
			tr, ok := p.(llms.ToolCallResponse)
			if !ok {
				return nil, errors.Errorf("expected part of type ToolCallResponse for role %v, got %T", mc.Role, p)
			}
			res = append(res, openai.ToolMessage(tr.Content, tr.ToolCallID))
		}
		return res, nil
	default:
		return nil, errors.WithMessagef(llms.ErrUnexpectedRole, "role %v not supported", mc.Role)
	}
}

// toolFromTool converts an llms.Tool to an OpenAI tool.
func toolFromTool(t llms.Tool) (openai.ChatCompletionToolUnionParam, error) {
	if t.Type != "function" || t.Function == nil {
		return openai.ChatCompletionToolUnionParam{}, errors.Errorf("tool type %v not supported", t.Type)
	}
	params, err := schema.ToMap(t.Function.Parameters)
	if err != nil {
		return openai.ChatCompletionToolUnionParam{}, err
	}

	fn := openai.FunctionDefinitionParam{
		Name:       t.Function.Name,
		Parameters: openai.FunctionParameters(params),
	}
	if t.Function.Description != "" {
		fn.Description = openai.String(t.Function.Description)
	}
	if t.Function.Strict {
		fn.Strict = openai.Bool(true)
	}
	return openai.ChatCompletionToolUnionParam{
		OfFunction: &openai.ChatCompletionFunctionToolParam{Function: fn},
	}, nil
}
