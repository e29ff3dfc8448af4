package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "anthropic")

var (
	ErrMissingToken           = errors.New("anthropic: missing API key, set it in the ANTHROPIC_API_KEY environment variable")
	ErrInvalidContentType     = errors.New("anthropic: invalid content type")
	ErrUnsupportedMessageType = errors.New("anthropic: unsupported message type")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultMaxTokens = 4096
)

type LLM struct {
	Client  *anthropic.Client
	Options *Options
}

var _ llms.Model = (*LLM)(nil)

// New creates a new Anthropic LLM client using the official Anthropic SDK.
//
// If no token is provided via options, it will attempt to read the API key
// from the ANTHROPIC_API_KEY environment variable.
//
// Example usage:
//
//	llm, err := anthropic.New(
//	    anthropic.WithToken("your-api-key"),
//	    anthropic.WithModel("claude-3-5-sonnet-20241022"),
//	)
func New(opts ...Option) (*LLM, error) {
	options := &Options{
		Token:      os.Getenv(TokenEnvVarName),
		Model:      os.Getenv(ModelEnvVarName),
		BaseURL:    "https://api.anthropic.com",
		HttpClient: http.DefaultClient,
		MaxRetries: 2,
	}

	for _, opt := range opts {
		opt(options)
	}

	if len(options.Token) == 0 {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	return &LLM{
		Client:  newClient(options),
		Options: options,
	}, nil
}

func newClient(options *Options) *anthropic.Client {
	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithMaxRetries(options.MaxRetries),
		option.WithRequestTimeout(5 * time.Minute),
	}

	if options.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.BaseURL))
	}
	if options.HttpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HttpClient))
	}
	if options.AnthropicBetaHeader != "" {
		sdkOpts = append(sdkOpts, option.WithHeader("anthropic-beta", options.AnthropicBetaHeader))
	}

	client := anthropic.NewClient(sdkOpts...)
	return &client
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.Options.Model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderAnthropic
}

// GenerateContent implements the Model interface.
//
// Example usage:
//
//	messages := []llms.Message{
//	    llms.MessageFromTextParts(llms.RoleUser, "Hello, how are you?"),
//	}
//
//	resp, err := llm.GenerateContent(ctx, messages,
//	    llms.WithTemperature(0.7),
//	    llms.WithMaxTokens(1000),
//	)
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.NewCallOptions(options...)
	opts.Model = values.StringsCoalesce(opts.Model, o.Options.Model)

	params, err := NewMessageParams(messages, opts)
	if err != nil {
		return nil, err
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"model", opts.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	if opts.StreamingFunc != nil {
		return GenerateStreamingContent(ctx, o, params, opts.StreamingFunc)
	}

	result, err := o.Client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic: failed to create message")
	}

	genInfo := map[string]any{
		"InputTokens":     result.Usage.InputTokens,
		"OutputTokens":    result.Usage.OutputTokens,
		"TotalTokens":     result.Usage.InputTokens + result.Usage.OutputTokens,
		"CacheReadTokens": result.Usage.CacheReadInputTokens,
		"ID":              result.ID,
	}

	choices := make([]*llms.ContentChoice, 0, len(result.Content))
	for i, contentBlock := range result.Content {
		switch content := contentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			choices = append(choices, &llms.ContentChoice{
				Content:        content.Text,
				StopReason:     string(result.StopReason),
				GenerationInfo: genInfo,
			})
		case anthropic.ToolUseBlock:
			choices = append(choices, &llms.ContentChoice{
				ToolCalls: []llms.ToolCall{
					{
						ID:   content.ID,
						Type: "function",
						FunctionCall: &llms.FunctionCall{
							Name:      content.Name,
							Arguments: toolArguments(content.Input),
						},
					},
				},
				StopReason:     string(result.StopReason),
				GenerationInfo: genInfo,
			})
		default:
			logger.ContextKV(ctx, xlog.DEBUG,
				"reason", "skip_block",
				"index", i,
				"type", contentBlock.Type,
			)
		}
	}

	return &llms.ContentResponse{
		Choices: choices,
	}, nil
}

// NewMessageParams builds the request of the Messages API.
// It is shared with the Bedrock provider that serves Anthropic models.
func NewMessageParams(messages []llms.Message, opts *llms.CallOptions) (anthropic.MessageNewParams, error) {
	sdkMessages, systemPrompt, err := ProcessMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, errors.WithMessage(err, "anthropic: failed to process messages")
	}

	tools, err := ToTools(opts.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  sdkMessages,
		MaxTokens: values.NumbersCoalesce(int64(opts.MaxTokens), DefaultMaxTokens),
		Tools:     tools,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Text: systemPrompt,
			},
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = anthropic.Float(opts.TopP)
	}
	if len(opts.StopWords) > 0 {
		params.StopSequences = opts.StopWords
	}
	return params, nil
}

// GenerateStreamingContent handles streaming responses from the Anthropic API.
//
// The streaming function is called for each text chunk received, tool calls
// are assembled from the partial JSON deltas.
func GenerateStreamingContent(ctx context.Context, o *LLM, params anthropic.MessageNewParams, streamingFunc func(context.Context, []byte) error) (*llms.ContentResponse, error) {
	stream := o.Client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	var toolCalls []llms.ToolCall
	var currentToolCall *llms.ToolCall
	var stopReason string
	var inputTokens, outputTokens int64

	for stream.Next() {
		event := stream.Current()

		switch evt := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			inputTokens = evt.Message.Usage.InputTokens
		case anthropic.ContentBlockStartEvent:
			if block, ok := evt.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				currentToolCall = &llms.ToolCall{
					ID:   block.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name: block.Name,
					},
				}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				content.WriteString(delta.Text)
				if err := streamingFunc(ctx, []byte(delta.Text)); err != nil {
					return nil, errors.Wrap(err, "anthropic: streaming function error")
				}
			case anthropic.InputJSONDelta:
				if currentToolCall != nil {
					currentToolCall.FunctionCall.Arguments += delta.PartialJSON
				}
			}
		case anthropic.ContentBlockStopEvent:
			if currentToolCall != nil {
				if currentToolCall.FunctionCall.Arguments == "" {
					currentToolCall.FunctionCall.Arguments = "{}"
				}
				toolCalls = append(toolCalls, *currentToolCall)
				currentToolCall = nil
			}
		case anthropic.MessageDeltaEvent:
			stopReason = string(evt.Delta.StopReason)
			outputTokens = evt.Usage.OutputTokens
		}
	}

	if err := stream.Err(); err != nil {
		return nil, errors.Wrap(err, "anthropic: streaming error")
	}

	genInfo := map[string]any{
		"InputTokens":  inputTokens,
		"OutputTokens": outputTokens,
		"TotalTokens":  inputTokens + outputTokens,
	}

	var choices []*llms.ContentChoice
	if content.Len() > 0 {
		choices = append(choices, &llms.ContentChoice{
			Content:        content.String(),
			StopReason:     stopReason,
			GenerationInfo: genInfo,
		})
	}
	if len(toolCalls) > 0 {
		choices = append(choices, &llms.ContentChoice{
			ToolCalls:      toolCalls,
			StopReason:     stopReason,
			GenerationInfo: genInfo,
		})
	}

	return &llms.ContentResponse{
		Choices: choices,
	}, nil
}

// ToTools converts LLM tool definitions to Anthropic SDK tool parameters.
//
// Returns nil if no tools are provided, which is handled gracefully by the API.
func ToTools(tools []llms.Tool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	sdkTools := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		if tool.Function == nil {
			return nil, errors.Errorf("anthropic: tool type %v not supported", tool.Type)
		}
		inputSchema, err := ToInputSchema(tool.Function)
		if err != nil {
			return nil, err
		}

		sdkTools[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Function.Name,
				Description: anthropic.String(tool.Function.Description),
				InputSchema: inputSchema,
			},
		}
	}
	return sdkTools, nil
}

// ToInputSchema converts the function parameters to the input schema of a tool.
func ToInputSchema(fn *llms.FunctionDefinition) (anthropic.ToolInputSchemaParam, error) {
	m, err := schema.ToMap(fn.Parameters)
	if err != nil {
		return anthropic.ToolInputSchemaParam{}, errors.WithMessagef(err, "anthropic: invalid schema for %s", fn.Name)
	}

	inputSchema := anthropic.ToolInputSchemaParam{
		Properties: m["properties"],
	}
	if fn.Parameters != nil && len(fn.Parameters.Required) > 0 {
		inputSchema.Required = fn.Parameters.Required
	}
	return inputSchema, nil
}

// ProcessMessages converts messages to Anthropic SDK message parameters.
//
// System messages are returned as a separate system prompt.
// Consecutive messages of the same Anthropic role are merged into one message,
// so all tool results of a turn are sent in a single user message.
func ProcessMessages(messages []llms.Message) ([]anthropic.MessageParam, string, error) {
	chatMessages := make([]anthropic.MessageParam, 0, len(messages))
	var systemPrompt []string
	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			continue
		}

		var chatMessage anthropic.MessageParam
		var err error

		switch msg.Role {
		case llms.RoleSystem:
			content, err := HandleSystemMessage(msg)
			if err != nil {
				return nil, "", errors.WithMessage(err, "anthropic: failed to handle system message")
			}
			systemPrompt = append(systemPrompt, content)
			continue
		case llms.RoleUser:
			chatMessage, err = HandleHumanMessage(msg)
			if err != nil {
				return nil, "", errors.WithMessage(err, "anthropic: failed to handle human message")
			}
		case llms.RoleAssistant:
			chatMessage, err = HandleAIMessage(msg)
			if err != nil {
				return nil, "", errors.WithMessage(err, "anthropic: failed to handle AI message")
			}
		case llms.RoleTool:
			chatMessage, err = HandleToolMessage(msg)
			if err != nil {
				return nil, "", errors.WithMessage(err, "anthropic: failed to handle tool message")
			}
		default:
			return nil, "", errors.WithMessagef(ErrUnsupportedMessageType, "anthropic: %v", msg.Role)
		}

		if n := len(chatMessages); n > 0 && chatMessages[n-1].Role == chatMessage.Role {
			chatMessages[n-1].Content = append(chatMessages[n-1].Content, chatMessage.Content...)
			continue
		}
		chatMessages = append(chatMessages, chatMessage)
	}
	return chatMessages, strings.Join(systemPrompt, "\n"), nil
}

// HandleSystemMessage extracts text content from system messages.
func HandleSystemMessage(msg llms.Message) (string, error) {
	if textContent, ok := msg.Parts[0].(llms.TextContent); ok {
		return textContent.Text, nil
	}
	return "", errors.WithMessagef(ErrInvalidContentType, "anthropic: for system message")
}

// HandleHumanMessage converts human messages to Anthropic user message format.
func HandleHumanMessage(msg llms.Message) (anthropic.MessageParam, error) {
	var contents []anthropic.ContentBlockParamUnion

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			contents = append(contents, anthropic.NewTextBlock(p.Text))
		default:
			return anthropic.MessageParam{}, errors.Errorf("anthropic: unsupported human message part type: %T", part)
		}
	}

	if len(contents) == 0 {
		return anthropic.MessageParam{}, errors.New("anthropic: no valid content in human message")
	}

	return anthropic.NewUserMessage(contents...), nil
}

// HandleAIMessage converts AI assistant messages to Anthropic assistant message format.
//
// Tool call arguments are validated as proper JSON before conversion.
func HandleAIMessage(msg llms.Message) (anthropic.MessageParam, error) {
	var contents []anthropic.ContentBlockParamUnion

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.ToolCall:
			args := values.StringsCoalesce(strings.TrimSpace(p.Arguments()), "{}")
			if !json.Valid([]byte(args)) {
				return anthropic.MessageParam{}, errors.Errorf("anthropic: invalid tool call arguments for %s", p.Name())
			}
			contents = append(contents, anthropic.NewToolUseBlock(
				p.ID,
				json.RawMessage(args),
				p.Name(),
			))
		case llms.TextContent:
			if p.Text == "" {
				continue
			}
			contents = append(contents, anthropic.NewTextBlock(p.Text))
		default:
			return anthropic.MessageParam{}, errors.Errorf("anthropic: unsupported AI message part type: %T", part)
		}
	}

	if len(contents) == 0 {
		return anthropic.MessageParam{}, errors.New("anthropic: no valid content in AI message")
	}

	return anthropic.NewAssistantMessage(contents...), nil
}

// HandleToolMessage converts tool response messages to Anthropic user message format.
// Tool responses in Anthropic are sent as user messages containing tool result blocks.
func HandleToolMessage(msg llms.Message) (anthropic.MessageParam, error) {
	var contents []anthropic.ContentBlockParamUnion

	for _, part := range msg.Parts {
		if toolCallResponse, ok := part.(llms.ToolCallResponse); ok {
			contents = append(contents, anthropic.NewToolResultBlock(
				toolCallResponse.ToolCallID,
				toolCallResponse.Content,
				false,
			))
		} else {
			return anthropic.MessageParam{}, errors.WithMessagef(ErrInvalidContentType, "anthropic: for tool message part type: %T", part)
		}
	}

	if len(contents) == 0 {
		return anthropic.MessageParam{}, errors.New("anthropic: no valid content in tool message")
	}

	return anthropic.NewUserMessage(contents...), nil
}

func toolArguments(input json.RawMessage) string {
	if len(input) == 0 || string(input) == "null" {
		return "{}"
	}
	return string(input)
}
