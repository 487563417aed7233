// Package anyllm streams replies from the hosted and local model servers
// that github.com/mozilla-ai/any-llm-go speaks to. Groq is the usual choice
// for calls because its time to first token is short.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Backends lists the backend names [New] accepts.
var Backends = []string{
	"anthropic", "deepseek", "gemini", "groq", "llamacpp",
	"llamafile", "mistral", "ollama", "openai",
}

var errCutOff = errors.New("stream ended without a finish reason")

// Provider implements [llm.Provider].
type Provider struct {
	backend      anyllmlib.Provider
	name         string
	model        string
	systemAsUser bool
}

// New connects to backend, one of [Backends], with model as the default.
// Without an API key option the backend reads its usual environment
// variable, such as GROQ_API_KEY.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	name := strings.ToLower(backend)
	b, err := createBackend(name, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch providerName {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q, want one of %s", providerName, strings.Join(Backends, ", "))
	}
}

// WithSystemAsUser returns a copy of p that sends system entries (including
// the system prompt) with the user role and joins consecutive entries of the
// same role. Some hosted open models ignore or reject mid-conversation system
// messages.
func (p *Provider) WithSystemAsUser() *Provider {
	cp := *p
	cp.systemAsUser = true
	return &cp
}

// StreamCompletion opens a stream. any-llm reports every failure after the
// call returns, so they all arrive as a [llm.FinishError] chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		finished := false
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			finished = finished || c.FinishReason != ""
			if !send(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return
			}
		}

		err := <-errs
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			send(llm.Chunk{FinishReason: llm.FinishError, Err: classify(p.name, err)})
		case !finished:
			send(llm.Chunk{FinishReason: llm.FinishError, Err: provider.Unavailable(p.name, errCutOff)})
		}
	}()
	return ch, nil
}

// rejectionHints are substrings of backend errors that retrying cannot fix.
var rejectionHints = []string{
	"unauthorized",
	"authentication",
	"invalid api key",
	"invalid_api_key",
	"invalid_request",
	"invalid request",
	"content_filter",
	"content filter",
	"context_length",
	"context length",
	"model_not_found",
	"does not exist",
}

// classify maps any-llm errors onto the provider taxonomy. The library
// normalises errors per backend, so the message is the only common surface.
func classify(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provider.Unavailable(name, err)
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range rejectionHints {
		if strings.Contains(msg, hint) {
			return provider.Rejected(name, err)
		}
	}
	return provider.Unavailable(name, err)
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// buildParams converts our CompletionRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	history := req.Messages
	if req.SystemPrompt != "" {
		history = append([]types.Message{{Role: types.RoleSystem, Content: req.SystemPrompt}}, history...)
	}
	if p.systemAsUser {
		history = systemAsUser(history)
	}

	messages := make([]anyllmlib.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, convertMessage(m))
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// systemAsUser rewrites system entries as user entries and joins runs of the
// same role so roles keep alternating.
func systemAsUser(history []types.Message) []types.Message {
	out := make([]types.Message, 0, len(history))
	for _, m := range history {
		m = m.Clone()
		if m.Role == types.RoleSystem {
			m.Role = types.RoleUser
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			prev := &out[n-1]
			switch {
			case prev.Content == "":
				prev.Content = m.Content
			case m.Content != "":
				prev.Content += "\n" + m.Content
			}
			prev.Images = append(prev.Images, m.Images...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// convertMessage sends images as image_url parts carrying a data URL.
func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	if len(m.Images) == 0 {
		return msg
	}
	parts := make([]anyllmlib.ContentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, anyllmlib.ContentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, anyllmlib.ContentPart{
			Type:     "image_url",
			ImageURL: &anyllmlib.ImageURL{URL: llm.ImageDataURL(img)},
		})
	}
	msg.Content = parts
	return msg
}

// capabilityRules are matched in order against the lower-cased model name.
var capabilityRules = []struct {
	match        func(model string) bool
	context, out int
}{
	{contains("llama-3.3", "llama-3.1"), 131_072, 32_768},
	{contains("llama-4"), 131_072, 8_192},
	{prefix("llama3-", "gemma"), 8_192, 4_096},
	{prefix("mixtral"), 32_768, 4_096},
	{prefix("gpt-4o", "gpt-4.1"), 128_000, 16_384},
	{prefix("claude"), 200_000, 8_192},
	{prefix("gemini"), 1_048_576, 8_192},
}

func contains(subs ...string) func(string) bool {
	return func(m string) bool {
		for _, s := range subs {
			if strings.Contains(m, s) {
				return true
			}
		}
		return false
	}
}

func prefix(prefixes ...string) func(string) bool {
	return func(m string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(m, p) {
				return true
			}
		}
		return false
	}
}

// modelCapabilities assumes an 8k context for models it does not know.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{SupportsStreaming: true, ContextWindow: 8_192, MaxOutputTokens: 4_096}
	m := strings.ToLower(model)
	for _, r := range capabilityRules {
		if r.match(m) {
			caps.ContextWindow, caps.MaxOutputTokens = r.context, r.out
			break
		}
	}
	return caps
}
