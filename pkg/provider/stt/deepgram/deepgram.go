// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Phone audio is streamed as-is (encoding=mulaw, 8 kHz). Utterance ends are
// reported through speech_final, from_finalize and UtteranceEnd messages, all
// of which surface as a final Transcript with SpeechFinal set.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/types"
)

const (
	providerName       = "deepgram"
	deepgramEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-2-phonecall"
	defaultLanguage    = "en"
	defaultSampleRate  = 8000
	defaultEndpointMs  = 300
	defaultUtteranceMs = 1000
	keepAliveInterval  = 5 * time.Second
	closeTimeout       = 2 * time.Second
)

var (
	msgFinalize    = []byte(`{"type":"Finalize"}`)
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2-phonecall", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpointing sets how many milliseconds of trailing silence Deepgram waits
// before marking a result speech_final.
func WithEndpointing(ms int) Option {
	return func(p *Provider) {
		p.endpointingMs = ms
	}
}

// WithUtteranceEnd sets the utterance_end_ms gap after which Deepgram sends an
// UtteranceEnd message. Zero disables it.
func WithUtteranceEnd(ms int) Option {
	return func(p *Provider) {
		p.utteranceEndMs = ms
	}
}

// WithEndpoint overrides the websocket URL. Used by tests and self-hosted
// deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithMetrics sets where malformed server messages are counted. The process
// default is used otherwise.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) {
		p.metrics = m
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey         string
	endpoint       string
	model          string
	language       string
	sampleRate     int
	endpointingMs  int
	utteranceEndMs int
	metrics        *observe.Metrics
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		endpoint:       deepgramEndpoint,
		model:          defaultModel,
		language:       defaultLanguage,
		sampleRate:     defaultSampleRate,
		endpointingMs:  defaultEndpointMs,
		utteranceEndMs: defaultUtteranceMs,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.Encoding, cfg.Language, and cfg.Keywords.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("deepgram: dial: %w", &provider.StatusError{
				Provider:   providerName,
				StatusCode: resp.StatusCode,
				Body:       resp.Header.Get("dg-error"),
			})
		}
		return nil, provider.Unavailable(providerName, fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(1 << 20)

	sess := &session{
		conn:     conn,
		metrics:  p.metrics,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		control:  make(chan []byte, 8),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	sess.writeWG.Add(1)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = audio.EncodingMulaw
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", string(enc))
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	if p.endpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(p.endpointingMs))
	}
	if p.utteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(p.utteranceEndMs))
		q.Set("vad_events", "true")
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Switchboard:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for Results,
// UtteranceEnd, SpeechStarted and Metadata events.
type deepgramResponse struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	metrics  *observe.Metrics
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte
	control  chan []byte

	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	writeWG  sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
}

// SendAudio queues an audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Finalize asks Deepgram to flush its buffer. Deepgram replies with a final
// result flagged from_finalize.
func (s *session) Finalize() error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case s.control <- msgFinalize:
		return nil
	}
}

// SetKeywords is not supported; Deepgram reads keywords from the URL only.
func (s *session) SetKeywords([]types.KeywordBoost) error {
	return fmt.Errorf("deepgram: mid-session keyword updates: %w", stt.ErrNotSupported)
}

// Err returns the failure that ended the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.writeWG.Wait()
		// Deepgram closes the socket after CloseStream; do not wait forever.
		select {
		case <-s.readDone:
		case <-time.After(closeTimeout):
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.readDone
	})
	return nil
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.err = err
}

// writeLoop sends audio and control messages in order and keeps the
// connection alive while the caller is silent.
func (s *session) writeLoop(ctx context.Context) {
	defer s.writeWG.Done()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	write := func(typ websocket.MessageType, data []byte) bool {
		if err := s.conn.Write(ctx, typ, data); err != nil {
			s.fail(provider.Unavailable(providerName, fmt.Errorf("write: %w", err)))
			return false
		}
		return true
	}

	for {
		select {
		case chunk := <-s.audio:
			if !write(websocket.MessageBinary, chunk) {
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case msg := <-s.control:
			// Audio queued before the control message goes first.
			for drained := false; !drained; {
				select {
				case chunk := <-s.audio:
					if !write(websocket.MessageBinary, chunk) {
						return
					}
				default:
					drained = true
				}
			}
			if !write(websocket.MessageText, msg) {
				return
			}
		case <-keepAlive.C:
			if !write(websocket.MessageText, msgKeepAlive) {
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && ctx.Err() == nil {
				s.fail(classifyReadError(err))
				slog.Debug("deepgram: stream ended", "err", err)
			}
			return
		}

		t, ok, err := parseDeepgramResponse(msg)
		if err != nil {
			err = provider.Protocol(providerName, err)
			slog.Warn("deepgram: dropped malformed message", "err", err)
			s.metrics.RecordProviderError(ctx, providerName, provider.Classify(err).String())
			continue
		}
		if !ok {
			continue
		}

		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// classifyReadError maps a websocket close status onto the provider error
// taxonomy. Deepgram closes with 1008 for undecodable audio and auth issues.
func classifyReadError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return provider.Unavailable(providerName, fmt.Errorf("stream closed by server: %w", err))
	case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData, websocket.StatusInvalidFramePayloadData:
		return provider.Rejected(providerName, err)
	case websocket.StatusProtocolError:
		return provider.Protocol(providerName, err)
	default:
		return provider.Unavailable(providerName, fmt.Errorf("read: %w", err))
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// It reports false for messages that carry no transcript, and an error for
// messages that are not valid JSON.
func parseDeepgramResponse(data []byte) (types.Transcript, bool, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false, fmt.Errorf("decode message: %w", err)
	}

	switch resp.Type {
	case "UtteranceEnd":
		return types.Transcript{IsFinal: true, SpeechFinal: true}, true, nil
	case "Results":
	default:
		return types.Transcript{}, false, nil
	}
	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false, nil
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:        alt.Transcript,
		IsFinal:     resp.IsFinal,
		SpeechFinal: resp.IsFinal && (resp.SpeechFinal || resp.FromFinalize),
		Confidence:  alt.Confidence,
		Words:       words,
		Start:       seconds(resp.Start),
		Duration:    seconds(resp.Duration),
	}, true, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
