package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/loomhq/loom/internal/log"
)

// Options configures the OpenAI-compatible client.
type Options struct {
	APIKey  string
	BaseURL string // empty for the default endpoint
	Model   string
}

// openaiClient is a Client backed by an OpenAI-compatible chat endpoint.
type openaiClient struct {
	client openai.Client
	model  string
}

// NewOpenAI builds a Client for an OpenAI-compatible provider.
func NewOpenAI(opts Options) Client {
	var reqOpts []openaiopt.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, openaiopt.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, openaiopt.WithBaseURL(opts.BaseURL))
	}
	return &openaiClient{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
	}
}

// Complete implements Client. When a schema is supplied the response format
// is constrained server-side via JSON-schema structured output.
func (c *openaiClient) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	chatReq := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(req.System),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(req.User),
					},
				},
			},
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = openai.Int(req.MaxTokens)
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		chatReq.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, chatReq)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 413 {
			return nil, fmt.Errorf("%w: %v", ErrContextLimit, err)
		}
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}

	content := resp.Choices[0].Message.Content
	log.Debugf("completion: model=%s tokens=%d", c.model, resp.Usage.TotalTokens)

	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("completion is not valid JSON: %.120s", content)
	}
	return json.RawMessage(content), nil
}
