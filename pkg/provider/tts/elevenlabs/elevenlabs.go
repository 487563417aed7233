// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// For phone calls the provider requests ulaw_8000 output, which is written to
// the call leg without conversion.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/types"
)

const (
	providerName     = "elevenlabs"
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "ulaw_8000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "ulaw_8000", "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the API base URL. The websocket URL is derived from it.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	httpClient   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := parseOutputFormat(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// parseOutputFormat maps an ElevenLabs output_format such as "ulaw_8000" or
// "pcm_16000" to an audio.Format.
func parseOutputFormat(s string) (audio.Format, error) {
	codec, rate, ok := strings.Cut(s, "_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q", s)
	}
	sr, err := strconv.Atoi(rate)
	if err != nil {
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q", s)
	}
	switch codec {
	case "ulaw":
		return audio.Format{Encoding: audio.EncodingMulaw, SampleRate: sr, Channels: 1}, nil
	case "pcm":
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: sr, Channels: 1}, nil
	default:
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q (only ulaw_* and pcm_* stream raw samples)", s)
	}
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio in the output format
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// streamURL constructs the stream-input websocket URL for a voice.
func (p *Provider) streamURL(voiceID string) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a Stream of audio chunks in the configured
// output format.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, provider.Rejected(providerName, errors.New("voice.ID must not be empty"))
	}
	format, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}

	wsURL, err := p.streamURL(voice.ID)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &provider.StatusError{Provider: providerName, StatusCode: resp.StatusCode}
		}
		return nil, provider.Unavailable(providerName, fmt.Errorf("dial: %w", err))
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	boiBytes, _ := json.Marshal(boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
	})
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, provider.Unavailable(providerName, fmt.Errorf("send BOI: %w", err))
	}

	stream, audioCh := tts.NewStream(format, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			p.readAudio(ctx, conn, stream, audioCh)
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// Empty text is the end-of-input marker.
					flushBytes, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					<-readDone
					return
				}
				if strings.TrimSpace(sentence) == "" {
					continue
				}
				// ElevenLabs expects every chunk to end with a space.
				msgBytes, _ := json.Marshal(textMessage{Text: sentence + " ", TryTriggerGeneration: true})
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					if ctx.Err() == nil {
						stream.Fail(provider.Unavailable(providerName, fmt.Errorf("write: %w", err)))
					}
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream, nil
}

// readAudio forwards decoded audio until the final message, a server error or
// the end of the connection.
func (p *Provider) readAudio(ctx context.Context, conn *websocket.Conn, stream *tts.Stream, audioCh chan<- []byte) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				stream.Fail(classifyClose(err))
			}
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			stream.Fail(provider.Protocol(providerName, err))
			return
		}
		if resp.Error != "" || (resp.Message != "" && resp.Audio == "") {
			stream.Fail(serverError(resp))
			return
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				stream.Fail(provider.Protocol(providerName, err))
				return
			}
			select {
			case audioCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

// serverError turns an in-band error message into a classified error. Quota
// and auth problems cannot be fixed by retrying.
func serverError(resp audioResponse) error {
	msg := resp.Message
	if resp.Error != "" {
		msg = resp.Error + ": " + msg
	}
	code := resp.Code
	if code == 0 {
		code = http.StatusBadRequest
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "rate") || strings.Contains(lower, "busy") || strings.Contains(lower, "timeout") {
			code = http.StatusTooManyRequests
		}
	}
	if code < 400 || code > 599 {
		// Websocket close codes such as 1008 are reported in-band too.
		return provider.Rejected(providerName, errors.New(msg))
	}
	return &provider.StatusError{Provider: providerName, StatusCode: code, Body: msg}
}

func classifyClose(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return provider.Rejected(providerName, err)
	default:
		return provider.Unavailable(providerName, err)
	}
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Unavailable(providerName, fmt.Errorf("list voices: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, provider.Unavailable(providerName, fmt.Errorf("list voices: read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.StatusError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return parseVoicesResponse(body)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, provider.Protocol(providerName, err)
	}
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		maps.Copy(meta, v.Labels)
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerName,
			Metadata: meta,
		})
	}
	return profiles, nil
}
