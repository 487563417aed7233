package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider"
	"github.com/MrWong99/switchboard/pkg/types"
)

// ---- Output format ----

func TestParseOutputFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    audio.Format
		wantErr bool
	}{
		{in: "ulaw_8000", want: audio.TelephonyFormat},
		{in: "pcm_16000", want: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000, Channels: 1}},
		{in: "pcm_24000", want: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 24000, Channels: 1}},
		{in: "mp3_44100_128", wantErr: true},
		{in: "ulaw", wantErr: true},
		{in: "opus_48000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseOutputFormat(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOutputFormat: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// ---- URL construction ----

func TestStreamURL(t *testing.T) {
	t.Parallel()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, err := p.streamURL("voice-abc123")
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	if !strings.HasPrefix(u, "wss://api.elevenlabs.io/v1/text-to-speech/voice-abc123/stream-input?") {
		t.Errorf("unexpected URL: %s", u)
	}
	for _, want := range []string{"model_id=eleven_flash_v2_5", "output_format=ulaw_8000"} {
		if !strings.Contains(u, want) {
			t.Errorf("URL %s should contain %s", u, want)
		}
	}

	p.baseURL = "http://127.0.0.1:9999"
	u, _ = p.streamURL("v")
	if !strings.HasPrefix(u, "ws://127.0.0.1:9999/") {
		t.Errorf("http base should map to ws, got %s", u)
	}
}

// ---- Server errors ----

func TestServerError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp audioResponse
		want error
	}{
		{name: "quota", resp: audioResponse{Message: "quota exceeded", Code: 401}, want: provider.ErrRejected},
		{name: "rate limited", resp: audioResponse{Message: "rate limit reached"}, want: provider.ErrUnavailable},
		{name: "server", resp: audioResponse{Error: "internal", Message: "boom", Code: 503}, want: provider.ErrUnavailable},
		{name: "policy close code", resp: audioResponse{Message: "invalid voice", Code: 1008}, want: provider.ErrRejected},
		{name: "plain message", resp: audioResponse{Message: "invalid text"}, want: provider.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := serverError(tt.resp); !errors.Is(err, tt.want) {
				t.Errorf("serverError(%+v) = %v, want %v", tt.resp, err, tt.want)
			}
		})
	}
}

// ---- Streaming against a fake server ----

type fakeServer struct {
	mu    sync.Mutex
	texts []string
	path  string
	query string
	// reply is called for every text message after the BOI.
	reply func(ctx context.Context, c *websocket.Conn, msg textMessage)
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.path = r.URL.Path
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		first := true
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if first {
				first = false
				var boi boiMessage
				if err := json.Unmarshal(data, &boi); err != nil || boi.XiAPIKey != "secret" {
					t.Errorf("bad BOI %s", data)
				}
				continue
			}
			var msg textMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("bad text message %s", data)
				return
			}
			f.mu.Lock()
			f.texts = append(f.texts, msg.Text)
			f.mu.Unlock()
			if f.reply != nil {
				f.reply(ctx, c, msg)
			}
		}
	})
}

func (f *fakeServer) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func writeJSON(ctx context.Context, c *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = c.Write(ctx, websocket.MessageText, data)
}

func TestSynthesizeStream_RoundTrip(t *testing.T) {
	t.Parallel()

	f := &fakeServer{
		reply: func(ctx context.Context, c *websocket.Conn, msg textMessage) {
			if msg.Text == "" {
				writeJSON(ctx, c, audioResponse{IsFinal: true})
				return
			}
			writeJSON(ctx, c, audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte(strings.TrimSpace(msg.Text)))})
		},
	}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	p, err := New("secret", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 3)
	text <- "Hello there."
	text <- "   "
	text <- "How can I help?"
	close(text)

	stream, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if stream.Format != audio.TelephonyFormat {
		t.Errorf("format = %v, want telephony", stream.Format)
	}

	var got []string
	for chunk := range stream.Audio {
		got = append(got, string(chunk))
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	want := []string{"Hello there.", "How can I help?"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("audio = %q, want %q", got, want)
	}

	texts := f.Texts()
	if len(texts) != 3 || texts[0] != "Hello there. " || texts[2] != "" {
		t.Errorf("server texts = %q", texts)
	}
	if f.path != "/v1/text-to-speech/v1/stream-input" {
		t.Errorf("path = %q", f.path)
	}
}

func TestSynthesizeStream_ServerErrorFailsStream(t *testing.T) {
	t.Parallel()

	f := &fakeServer{
		reply: func(ctx context.Context, c *websocket.Conn, msg textMessage) {
			writeJSON(ctx, c, audioResponse{Message: "voice not found", Code: 404})
		},
	}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	p, _ := New("secret", WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 1)
	text <- "Hi."
	stream, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{ID: "missing"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	for range stream.Audio {
	}
	if err := stream.Err(); !errors.Is(err, provider.ErrRejected) {
		t.Errorf("stream.Err() = %v, want ErrRejected", err)
	}
}

func TestSynthesizeStream_DialRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("secret", WithBaseURL(srv.URL))
	_, err := p.SynthesizeStream(context.Background(), make(chan string), types.VoiceProfile{ID: "v"})
	var se *provider.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want StatusError 401", err)
	}
	if !errors.Is(err, provider.ErrRejected) {
		t.Errorf("401 should classify as rejected")
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	t.Parallel()

	p, _ := New("secret")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), types.VoiceProfile{}); !errors.Is(err, provider.ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"abc123","name":"Rachel","category":"premade","labels":{"accent":"american"}}]}`))
	}))
	defer srv.Close()

	p, _ := New("secret", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "abc123" || voices[0].Provider != "elevenlabs" {
		t.Errorf("voices = %+v", voices)
	}

	bad, _ := New("wrong", WithBaseURL(srv.URL))
	if _, err := bad.ListVoices(context.Background()); !errors.Is(err, provider.ErrRejected) {
		t.Errorf("ListVoices with bad key = %v, want ErrRejected", err)
	}
}

func TestParseVoicesResponse_NoLabels(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"voices":[{"voice_id":"x1","name":"Ghost","category":"","labels":null}]}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	if _, ok := profiles[0].Metadata["category"]; ok {
		t.Error("expected no 'category' key in metadata when category is empty")
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := parseVoicesResponse([]byte(`{invalid`)); !errors.Is(err, provider.ErrProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

// ---- Constructor ----

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for compressed output format")
	}
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_16000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" || p.outputFormat != "pcm_16000" {
		t.Errorf("options not applied: %+v", p)
	}
}
