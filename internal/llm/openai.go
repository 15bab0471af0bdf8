package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

type openAIProvider struct {
	name   string
	model  string
	client openai.Client
}

func newOpenAI(name string, cfg Config) *openAIProvider {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(cfg.BaseURL)))
	}
	return &openAIProvider{
		name:   name,
		model:  strings.TrimSpace(cfg.Model),
		client: openai.NewClient(opts...),
	}
}

func (p *openAIProvider) Model() string { return p.model }

func (p *openAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(p.model),
		MaxOutputTokens: openai.Int(defaultMaxTokens),
		Temperature:     openai.Float(req.Temperature),
		Input:           oresponses.ResponseNewParamsInputUnion{OfString: openai.String(req.User)},
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if s := strings.TrimSpace(req.System); s != "" {
		params.Instructions = openai.String(s)
	}
	if req.JSON {
		obj := oshared.NewResponseFormatJSONObjectParam()
		params.Text = oresponses.ResponseTextConfigParam{
			Format: oresponses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
		}
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, p.wrap(err)
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{
		Content: text,
		Model:   resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func (p *openAIProvider) wrap(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	pe := &ProviderError{Provider: p.name, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}
