// Package openai streams replies from the OpenAI chat completions API, or
// from any server that speaks it, through the official openai-go client.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/types"
)

const providerName = "openai"

// errCutOff is reported when a stream ends without a finish reason, which
// leaves the caller with half a sentence.
var errCutOff = errors.New("stream ended without a finish reason")

// Provider implements [llm.Provider].
type Provider struct {
	client oai.Client
	model  string
}

type settings struct {
	baseURL          string
	organization     string
	firstByteTimeout time.Duration
	maxRetries       int
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at another OpenAI compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sends an OpenAI organization ID with every request.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithFirstByteTimeout bounds how long a request may wait for response
// headers. The stream itself is not limited; the turn context is.
func WithFirstByteTimeout(d time.Duration) Option {
	return func(s *settings) { s.firstByteTimeout = d }
}

// WithMaxRetries lets the SDK retry a request that failed before streaming
// began. The default is 0, leaving failover to the fallback group.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// New returns a provider that uses model unless a request overrides it.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if model == "" {
		return nil, errors.New("openai: model is required")
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	if s.firstByteTimeout > 0 {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = s.firstByteTimeout
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Transport: transport}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion opens a chat completion stream. Failures before the first
// chunk are returned directly; later ones end the channel with a
// [llm.FinishError] chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, provider.Rejected(providerName, err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, classify(err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		finished := false
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			finished = finished || choice.FinishReason != ""
			if !send(llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		switch err := stream.Err(); {
		case err != nil:
			send(llm.Chunk{FinishReason: llm.FinishError, Err: classify(err)})
		case !finished:
			send(llm.Chunk{FinishReason: llm.FinishError, Err: provider.Unavailable(providerName, errCutOff)})
		}
	}()
	return ch, nil
}

// classify maps client errors onto the provider error kinds.
func classify(err error) error {
	var apiErr *oai.Error
	switch {
	case errors.As(err, &apiErr):
		return &provider.StatusError{Provider: providerName, StatusCode: apiErr.StatusCode, Body: apiErr.Message}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return provider.Unavailable(providerName, err)
	}
}

// Capabilities describes the default model.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities knows the context sizes of the models that are fast
// enough to hold a phone conversation.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsStreaming: true,
		ContextWindow:     128_000,
		MaxOutputTokens:   16_384,
	}
	switch m := strings.ToLower(model); {
	case strings.HasPrefix(m, "gpt-4.1"):
		caps.ContextWindow = 1_047_576
		caps.MaxOutputTokens = 32_768
	case strings.HasPrefix(m, "gpt-4o"):
	case strings.HasPrefix(m, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
		caps.MaxOutputTokens = 4_096
	default:
		caps.MaxOutputTokens = 4_096
	}
	return caps
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// userParts returns the text of m followed by one image_url part per image.
func userParts(m types.Message) []oai.ChatCompletionContentPartUnionParam {
	parts := make([]oai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, oai.ChatCompletionContentPartUnionParam{
			OfText: &oai.ChatCompletionContentPartTextParam{Text: m.Content},
		})
	}
	for _, img := range m.Images {
		parts = append(parts, oai.ChatCompletionContentPartUnionParam{
			OfImageURL: &oai.ChatCompletionContentPartImageParam{
				ImageURL: oai.ChatCompletionContentPartImageImageURLParam{URL: llm.ImageDataURL(img)},
			},
		})
	}
	return parts
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case types.RoleUser:
		user := oai.ChatCompletionUserMessageParam{
			Content: oai.ChatCompletionUserMessageParamContentUnion{OfString: oai.String(m.Content)},
		}
		if len(m.Images) > 0 {
			user.Content = oai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: userParts(m)}
		}
		if m.Name != "" {
			user.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfUser: &user}, nil
	case types.RoleAssistant:
		var asst oai.ChatCompletionAssistantMessageParam
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
