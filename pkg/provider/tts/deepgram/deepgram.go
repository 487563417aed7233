// Package deepgram provides a Deepgram Aura TTS provider using the Speak REST
// API. It implements the tts.Provider interface.
//
// Each text fragment is one POST to /v1/speak; the response body is streamed
// raw (container=none) so the first bytes reach the phone line before the
// whole sentence has been synthesised.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/types"
)

const (
	providerName      = "deepgram"
	defaultBaseURL    = "https://api.deepgram.com"
	defaultModel      = "aura-helios-en"
	defaultSampleRate = 8000
	readChunkSize     = 1600 // 200 ms of 8 kHz μ-law
	maxErrorBody      = 4096
)

// unutterableMarker appears in the error body when Deepgram has nothing it
// can speak, for example text made only of punctuation.
const unutterableMarker = "unutterable"

// Option is a functional option for configuring the Deepgram TTS Provider.
type Option func(*Provider)

// WithModel sets the default Aura voice model. A non-empty VoiceProfile.ID
// passed to SynthesizeStream takes precedence.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEncoding sets the output encoding. Only mulaw and linear16 are
// supported because the output is streamed without a container.
func WithEncoding(enc audio.Encoding) Option {
	return func(p *Provider) {
		p.encoding = enc
	}
}

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by Deepgram Speak.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	encoding   audio.Encoding
	sampleRate int
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a Deepgram TTS provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		encoding:   audio.EncodingMulaw,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if !p.encoding.IsValid() {
		return nil, fmt.Errorf("deepgram: unsupported encoding %q", p.encoding)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("deepgram: sample rate must be positive, got %d", p.sampleRate)
	}
	return p, nil
}

// Format returns the audio format of synthesised chunks.
func (p *Provider) Format() audio.Format {
	return audio.Format{Encoding: p.encoding, SampleRate: p.sampleRate, Channels: 1}
}

// speakURL builds the /v1/speak URL for a model.
func (p *Provider) speakURL(model string) string {
	q := url.Values{}
	q.Set("model", model)
	q.Set("encoding", string(p.encoding))
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("container", "none")
	return p.baseURL + "/v1/speak?" + q.Encode()
}

// SynthesizeStream requests speech for every fragment read from text, in
// order, and streams the raw audio on the returned Stream.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	model := p.model
	if voice.ID != "" {
		model = voice.ID
	}
	stream, audioCh := tts.NewStream(p.Format(), 64)

	go func() {
		defer close(audioCh)
		for {
			var fragment string
			select {
			case <-ctx.Done():
				return
			case s, ok := <-text:
				if !ok {
					return
				}
				fragment = s
			}
			if strings.TrimSpace(fragment) == "" {
				continue
			}
			if err := p.speak(ctx, model, fragment, audioCh); err != nil {
				if ctx.Err() == nil {
					stream.Fail(err)
				}
				// Drain so the producer never blocks on an abandoned stream.
				go func() {
					for range text {
					}
				}()
				return
			}
		}
	}()

	return stream, nil
}

// speak performs one Speak request and forwards the body in chunks.
func (p *Provider) speak(ctx context.Context, model, text string, out chan<- []byte) error {
	body, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.speakURL(model), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return provider.Unavailable(providerName, fmt.Errorf("speak: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if strings.Contains(strings.ToLower(string(msg)), unutterableMarker) {
			slog.Debug("deepgram: text is unutterable, skipping", "text", text, "status", resp.StatusCode)
			return nil
		}
		return &provider.StatusError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(msg)}
	}

	for {
		buf := make([]byte, readChunkSize)
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return provider.Unavailable(providerName, fmt.Errorf("speak: read body: %w", err))
		}
	}
}

// modelsResponse is the subset of GET /v1/models used for voice listing.
type modelsResponse struct {
	TTS []struct {
		Name          string   `json:"name"`
		CanonicalName string   `json:"canonical_name"`
		Architecture  string   `json:"architecture"`
		Languages     []string `json:"languages"`
		Metadata      struct {
			Accent string   `json:"accent"`
			Tags   []string `json:"tags"`
		} `json:"metadata"`
	} `json:"tts"`
}

// ListVoices returns the Aura voices available to the API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("deepgram: list voices: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Unavailable(providerName, fmt.Errorf("list voices: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, provider.Unavailable(providerName, fmt.Errorf("list voices: read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.StatusError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return parseModelsResponse(data)
}

func parseModelsResponse(data []byte) ([]types.VoiceProfile, error) {
	var mr modelsResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return nil, provider.Protocol(providerName, err)
	}
	voices := make([]types.VoiceProfile, 0, len(mr.TTS))
	for _, m := range mr.TTS {
		if m.CanonicalName == "" {
			continue
		}
		meta := map[string]string{}
		if m.Metadata.Accent != "" {
			meta["accent"] = m.Metadata.Accent
		}
		if len(m.Languages) > 0 {
			meta["languages"] = strings.Join(m.Languages, ",")
		}
		if len(m.Metadata.Tags) > 0 {
			meta["tags"] = strings.Join(m.Metadata.Tags, ",")
		}
		voices = append(voices, types.VoiceProfile{
			ID:       m.CanonicalName,
			Name:     m.Name,
			Provider: providerName,
			Metadata: meta,
		})
	}
	return voices, nil
}
