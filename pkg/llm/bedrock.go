package llm

import (
	"bytes"
	"context"
	"encoding/json"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// BedrockConfig configures the Bedrock runtime provider, typically wired to
// the low-cost profile for the classifier and reporter stages (spec.md §6).
type BedrockConfig struct {
	Region    string
	ModelID   string
	MaxTokens int
}

// bedrockInvokeBody is the Anthropic-on-Bedrock request shape
// (anthropic_version + messages), the same envelope Bedrock expects for
// every Claude model id.
type bedrockInvokeBody struct {
	AnthropicVersion string              `json:"anthropic_version"`
	MaxTokens        int                 `json:"max_tokens"`
	System           string              `json:"system,omitempty"`
	Messages         []bedrockMessage    `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockInvokeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// BedrockProvider invokes a Bedrock-hosted model via InvokeModel.
type BedrockProvider struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
}

// NewBedrockProvider builds a provider against cfg, loading AWS credentials
// from the standard chain (env, shared config, instance profile).
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.ModelID == "" {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "bedrock model id is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "load aws config failed")
	}
	return &BedrockProvider{
		client:    bedrockruntime.NewFromConfig(awsCfg),
		modelID:   cfg.ModelID,
		maxTokens: maxTokens,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Invoke(ctx context.Context, messages []Message) (Response, error) {
	body := bedrockInvokeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        p.maxTokens,
	}
	for _, m := range messages {
		if m.Role == "system" {
			body.System = m.Content
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		body.Messages = append(body.Messages, bedrockMessage{Role: role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal bedrock request failed")
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &p.modelID,
		Body:        payload,
		ContentType: strPtr("application/json"),
	})
	if err != nil {
		return Response{}, apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "bedrock invoke model failed")
	}

	var parsed bedrockInvokeResponse
	if err := json.NewDecoder(bytes.NewReader(out.Body)).Decode(&parsed); err != nil {
		return Response{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode bedrock response failed")
	}

	var content string
	for _, block := range parsed.Content {
		content += block.Text
	}

	return Response{
		Content: content,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

func strPtr(s string) *string { return &s }
