package bedrockclient

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llms/anthropic"
	"github.com/tidwall/sjson"
)

// Ref: https://docs.aws.amazon.com/bedrock/latest/userguide/model-parameters-anthropic-claude-messages.html

// anthropicTextGenerationOutputContent represents a content block in the output
type anthropicTextGenerationOutputContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// anthropicTextGenerationOutput is the generated output.
type anthropicTextGenerationOutput struct {
	Type string `json:"type"`
	Role string `json:"role"`
	// Can be "text" or "tool_use".
	Content []anthropicTextGenerationOutputContent `json:"content"`
	// One of: ["end_turn", "max_tokens", "stop_sequence", "tool_use"]
	StopReason   string `json:"stop_reason"`
	StopSequence string `json:"stop_sequence"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Finish reason for the completion of the generation.
const (
	AnthropicCompletionReasonEndTurn      = "end_turn"
	AnthropicCompletionReasonMaxTokens    = "max_tokens"
	AnthropicCompletionReasonStopSequence = "stop_sequence"
	AnthropicCompletionReasonToolUse      = "tool_use"
)

// AnthropicLatestVersion is the version of the Messages API on Bedrock.
const AnthropicLatestVersion = "bedrock-2023-05-31"

// Type attribute for the anthropic message.
const (
	AnthropicMessageTypeText    = "text"
	AnthropicMessageTypeToolUse = "tool_use"
)

// anthropicRequestBody converts the Messages API request to the InvokeModel body,
// where the model is the path parameter and the API version is in the body.
func anthropicRequestBody(messages []llms.Message, options *llms.CallOptions) ([]byte, error) {
	params, err := anthropic.NewMessageParams(messages, options)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "bedrock: failed to marshal request")
	}
	body, err = sjson.DeleteBytes(body, "model")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	body, err = sjson.SetBytes(body, "anthropic_version", AnthropicLatestVersion)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return body, nil
}

func createAnthropicCompletion(ctx context.Context,
	client InvokeModelAPI,
	modelID string,
	messages []llms.Message,
	options *llms.CallOptions,
) (*llms.ContentResponse, error) {
	body, err := anthropicRequestBody(messages, options)
	if err != nil {
		return nil, err
	}

	resp, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Accept:      aws.String("*/*"),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.Wrap(err, "bedrock: failed to invoke model")
	}

	var output anthropicTextGenerationOutput
	if err = json.Unmarshal(resp.Body, &output); err != nil {
		return nil, errors.Wrap(err, "bedrock: failed to decode response")
	}

	if len(output.Content) == 0 {
		return nil, errors.WithStack(llms.ErrEmptyResponse)
	} else if stopReason := output.StopReason; stopReason != AnthropicCompletionReasonEndTurn &&
		stopReason != AnthropicCompletionReasonStopSequence &&
		stopReason != AnthropicCompletionReasonToolUse {
		return nil, errors.Errorf("bedrock: completed due to %s. Maybe try increasing max tokens", stopReason)
	}

	var textContent string
	var toolCalls []llms.ToolCall

	for _, c := range output.Content {
		switch c.Type {
		case AnthropicMessageTypeText:
			textContent += c.Text
		case AnthropicMessageTypeToolUse:
			args := string(c.Input)
			if len(c.Input) == 0 || args == "null" {
				args = "{}"
			}
			toolCalls = append(toolCalls, llms.ToolCall{
				ID:   c.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      c.Name,
					Arguments: args,
				},
			})
		}
	}

	genInfo := map[string]any{
		"InputTokens":  output.Usage.InputTokens,
		"OutputTokens": output.Usage.OutputTokens,
		"TotalTokens":  output.Usage.InputTokens + output.Usage.OutputTokens,
	}

	var choices []*llms.ContentChoice
	if textContent != "" {
		choices = append(choices, &llms.ContentChoice{
			Content:        textContent,
			StopReason:     output.StopReason,
			GenerationInfo: genInfo,
		})
	}
	if len(toolCalls) > 0 {
		choices = append(choices, &llms.ContentChoice{
			ToolCalls:      toolCalls,
			StopReason:     output.StopReason,
			GenerationInfo: genInfo,
		})
	}
	if len(choices) == 0 {
		choices = append(choices, &llms.ContentChoice{
			StopReason:     output.StopReason,
			GenerationInfo: genInfo,
		})
	}

	return &llms.ContentResponse{
		Choices: choices,
	}, nil
}
