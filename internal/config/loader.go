package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"deepgram"},
	"llm":       {"openai", "groq", "anthropic", "gemini", "ollama", "deepseek", "mistral", "llamacpp", "llamafile"},
	"tts":       {"deepgram", "elevenlabs"},
	"telephony": {"twilio"},
}

// envRef matches ${NAME} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references, decodes a YAML config from
// r, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(raw, os.LookupEnv)
}

// parse is LoadFromReader with an injectable environment.
func parse(raw []byte, lookup func(string) (string, bool)) (*Config, error) {
	expanded := ExpandEnv(string(raw), lookup)

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in s with the value lookup returns for
// NAME. Unset variables expand to the empty string and are logged.
func ExpandEnv(s string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := lookup(name)
		if !ok {
			slog.Warn("config references unset environment variable", "name", name)
		}
		return v
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL == "" {
		errs = append(errs, errors.New("server.public_url is required"))
	} else if _, err := cfg.StreamURL(); err != nil {
		errs = append(errs, err)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs both cert_file and key_file"))
	}

	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"stt", cfg.Providers.STT},
		{"llm", cfg.Providers.LLM},
		{"tts", cfg.Providers.TTS},
	} {
		if p.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
			continue
		}
		validateProviderName(p.kind, p.entry.Name)
	}
	for i, e := range cfg.Providers.STTFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", e.Name)
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", e.Name)
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", e.Name)
	}

	t := cfg.Telephony
	validateProviderName("telephony", t.Provider)
	if t.Encoding != "" && t.Encoding != "mulaw" {
		errs = append(errs, fmt.Errorf("telephony.encoding %q is not supported; only mulaw", t.Encoding))
	}
	if t.SampleRate != 0 && t.SampleRate != 8000 {
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d is not supported; only 8000", t.SampleRate))
	}
	for _, p := range []struct {
		field, path string
	}{
		{"stream_path", t.StreamPath},
		{"answer_path", t.AnswerPath},
	} {
		if p.path != "" && !strings.HasPrefix(p.path, "/") {
			errs = append(errs, fmt.Errorf("telephony.%s %q must start with /", p.field, p.path))
		}
	}
	if t.StreamPath != "" && t.StreamPath == t.AnswerPath {
		errs = append(errs, errors.New("telephony.stream_path and telephony.answer_path must differ"))
	}

	p := cfg.Pipeline
	if p.SystemPrompt == "" {
		slog.Warn("pipeline.system_prompt is empty; the assistant has no instructions")
	}
	if p.VoiceID == "" {
		slog.Warn("pipeline.voice_id is empty; using the TTS provider's default voice")
	}
	if p.KeywordCorrection && len(p.Keywords) == 0 {
		slog.Warn("pipeline.keyword_correction has no effect without pipeline.keywords")
	}
	if p.STTReconnectAttempts != nil && *p.STTReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("pipeline.stt_reconnect_attempts %d must not be negative", *p.STTReconnectAttempts))
	}
	if p.MaxTurnFailures < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_turn_failures %d must not be negative", p.MaxTurnFailures))
	}
	if p.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must not be negative", p.MaxTokens))
	}
	if p.ContextTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.context_tokens %d must not be negative", p.ContextTokens))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", p.Temperature))
	}
	errs = append(errs, validateVAD(p.VAD)...)

	return errors.Join(errs...)
}

func validateVAD(v VADConfig) []error {
	var errs []error
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"speech_threshold", v.SpeechThreshold},
		{"silence_threshold", v.SilenceThreshold},
	} {
		if th.v < 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("pipeline.vad.%s %.2f is out of range [0, 1]", th.name, th.v))
		}
	}
	if v.SpeechThreshold != 0 && v.SilenceThreshold != 0 && v.SilenceThreshold >= v.SpeechThreshold {
		errs = append(errs, fmt.Errorf("pipeline.vad.silence_threshold %.2f must be below speech_threshold %.2f", v.SilenceThreshold, v.SpeechThreshold))
	}
	switch v.FrameMs {
	case 0, 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("pipeline.vad.frame_ms %d is invalid; valid values: 10, 20, 30", v.FrameMs))
	}
	if v.ContinuationWindow < 0 || v.FinalizeTimeout < 0 {
		errs = append(errs, errors.New("pipeline.vad durations must not be negative"))
	}
	return errs
}

// StreamURL returns the websocket URL the telephony provider connects its
// media stream to: server.public_url with a ws or wss scheme and
// telephony.stream_path appended.
func (c *Config) StreamURL() (string, error) {
	u, err := url.Parse(c.Server.PublicURL)
	if err != nil {
		return "", fmt.Errorf("server.public_url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("server.public_url %q needs an http(s) or ws(s) scheme", c.Server.PublicURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server.public_url %q has no host", c.Server.PublicURL)
	}
	path := c.Telephony.StreamPath
	if path == "" {
		path = "/media"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
