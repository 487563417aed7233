package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/switchboard/internal/config"
)

const minimalYAML = `
server:
  public_url: https://calls.example.com
providers:
  stt: {name: deepgram}
  llm: {name: groq}
  tts: {name: deepgram}
`

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		extra string
		want  []string
	}{
		{
			name:  "invalid log level",
			extra: "server:\n  public_url: https://calls.example.com\n  log_level: loud\n",
			want:  []string{"log_level"},
		},
		{
			name:  "unsupported encoding",
			extra: "telephony:\n  encoding: opus\n  sample_rate: 48000\n",
			want:  []string{"telephony.encoding", "telephony.sample_rate"},
		},
		{
			name:  "relative stream path",
			extra: "telephony:\n  stream_path: media\n",
			want:  []string{"stream_path"},
		},
		{
			name:  "thresholds inverted",
			extra: "pipeline:\n  vad:\n    speech_threshold: 0.3\n    silence_threshold: 0.6\n",
			want:  []string{"silence_threshold"},
		},
		{
			name:  "bad frame size",
			extra: "pipeline:\n  vad:\n    frame_ms: 25\n",
			want:  []string{"frame_ms"},
		},
		{
			name:  "negative reconnects and temperature",
			extra: "pipeline:\n  stt_reconnect_attempts: -1\n  temperature: 3\n",
			want:  []string{"stt_reconnect_attempts", "temperature"},
		},
		{
			name:  "tls half configured",
			extra: "server:\n  public_url: https://calls.example.com\n  tls:\n    cert_file: cert.pem\n",
			want:  []string{"key_file"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := minimalYAML
			if strings.HasPrefix(tt.extra, "server:") {
				doc = strings.Replace(doc, "server:\n  public_url: https://calls.example.com\n", "", 1)
			}
			_, err := config.LoadFromReader(strings.NewReader(doc + tt.extra))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, w := range []string{"public_url", "providers.stt.name", "providers.llm.name", "providers.tts.name"} {
		if !strings.Contains(err.Error(), w) {
			t.Errorf("error should mention %q, got: %v", w, err)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "npcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{"DEEPGRAM_API_KEY": "dg-secret", "EMPTY": ""}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	tests := []struct {
		in, want string
	}{
		{in: "api_key: ${DEEPGRAM_API_KEY}", want: "api_key: dg-secret"},
		{in: "a: ${EMPTY}b", want: "a: b"},
		{in: "a: ${UNSET}", want: "a: "},
		{in: "price: $5 and $HOME stay", want: "price: $5 and $HOME stay"},
		{in: "${DEEPGRAM_API_KEY}-${DEEPGRAM_API_KEY}", want: "dg-secret-dg-secret"},
	}
	for _, tt := range tests {
		if got := config.ExpandEnv(tt.in, lookup); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadFromReader_ExpandsEnvironment(t *testing.T) {
	t.Setenv("SWITCHBOARD_TEST_LLM_KEY", "gsk-from-env")
	doc := strings.Replace(minimalYAML, "llm: {name: groq}", "llm: {name: groq, api_key: \"${SWITCHBOARD_TEST_LLM_KEY}\"}", 1)

	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "gsk-from-env" {
		t.Errorf("api_key: got %q, want value from environment", cfg.Providers.LLM.APIKey)
	}
}
