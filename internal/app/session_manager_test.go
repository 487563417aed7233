package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/internal/app"
	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/pkg/audio"
	audiomock "github.com/MrWong99/switchboard/pkg/audio/mock"
	"github.com/MrWong99/switchboard/pkg/callstore"
	callstoremock "github.com/MrWong99/switchboard/pkg/callstore/mock"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	llmmock "github.com/MrWong99/switchboard/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/switchboard/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/switchboard/pkg/provider/tts/mock"
	"github.com/MrWong99/switchboard/pkg/types"
)

// testConfig returns a complete config for a bakery front desk.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{PublicURL: "https://calls.example.com"},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram", Model: "nova-2-phonecall"},
			LLM: config.ProviderEntry{Name: "groq", Model: "llama-3.1-8b-instant"},
			TTS: config.ProviderEntry{Name: "deepgram"},
		},
		Pipeline: config.PipelineConfig{
			SystemPrompt: "You are the front desk of a bakery.",
			ApologyText:  "Sorry, please call again later.",
			VoiceID:      "aura-asteria-en",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

type testCall struct {
	conn *audiomock.Connection
	stt  *sttmock.Session
	done chan struct{}
}

// testProviders answers the bakery's questions. The introduction is
// "Hello."; anything unknown gets "Okay."
func testProviders() (*app.Providers, *llmmock.Provider, *sttmock.Provider) {
	l := &llmmock.Provider{Respond: func(req llm.CompletionRequest) []llm.Chunk {
		last := req.Messages[len(req.Messages)-1]
		text := "Okay."
		switch {
		case last.Role == types.RoleSystem:
			text = "Hello."
		case last.Content == "What are your hours?":
			text = "We're open nine to five."
		}
		return []llm.Chunk{{Text: text, FinishReason: llm.FinishStop}}
	}}
	s := &sttmock.Provider{Session: sttmock.NewSession()}
	return &app.Providers{
		STT:       s,
		LLM:       l,
		TTS:       &ttsmock.Provider{},
		Telephony: &audiomock.Platform{},
		Names:     pipeline.ProviderNames{STT: "deepgram", LLM: "groq", TTS: "deepgram"},
	}, l, s
}

// startCall runs HandleCall in the background.
func startCall(t *testing.T, sm *app.SessionManager, sp *sttmock.Provider, callID string) *testCall {
	t.Helper()
	c := &testCall{
		conn: audiomock.NewConnection(audio.CallInfo{CallID: callID, StreamID: "MZ" + callID, From: "+15550001"}, audio.TelephonyFormat),
		stt:  sp.Session.(*sttmock.Session),
		done: make(chan struct{}),
	}
	go func() {
		sm.HandleCall(context.Background(), c.conn)
		close(c.done)
	}()
	t.Cleanup(func() {
		c.conn.Hangup(nil)
		<-c.done
	})
	return c
}

func (c *testCall) played() string {
	var b strings.Builder
	for _, f := range c.conn.Sent() {
		b.Write(f.Data)
	}
	return b.String()
}

func (c *testCall) hangup(t *testing.T) {
	t.Helper()
	c.conn.Hangup(nil)
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleCall did not return after hang-up")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionManager_HandleCallPersistsRecord(t *testing.T) {
	t.Parallel()

	providers, l, sp := testProviders()
	store := &callstoremock.Store{}
	saved := store.Saved()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    testConfig(),
		Providers: providers,
		Store:     store,
	})

	call := startCall(t, sm, sp, "CA1")
	eventually(t, "call registered", func() bool { return sm.ActiveCount() == 1 })

	call.stt.EmitFinal(types.Transcript{Text: "What are your hours?", SpeechFinal: true})
	eventually(t, "answer played", func() bool {
		return strings.Contains(call.played(), "We're open nine to five.")
	})

	calls := sm.Calls()
	if len(calls) != 1 || calls[0].CallID != "CA1" || calls[0].From != "+15550001" {
		t.Fatalf("Calls() = %+v", calls)
	}

	call.hangup(t)
	if n := sm.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount after hang-up = %d, want 0", n)
	}

	var rec callstore.Record
	select {
	case rec = <-saved:
	case <-time.After(3 * time.Second):
		t.Fatal("no call record saved")
	}
	if rec.CallID != "CA1" || rec.StreamID != "MZCA1" || rec.From != "+15550001" {
		t.Errorf("identifiers = %+v", rec)
	}
	if rec.Outcome != callstore.OutcomeCompleted || rec.Error != "" {
		t.Errorf("outcome = %s %q, want completed", rec.Outcome, rec.Error)
	}
	if rec.Model != "llama-3.1-8b-instant" || rec.Voice != "aura-asteria-en" {
		t.Errorf("settings = %q %q", rec.Model, rec.Voice)
	}
	if rec.EndedAt.Before(rec.StartedAt) {
		t.Errorf("ended %s before start %s", rec.EndedAt, rec.StartedAt)
	}

	var spoken []string
	for _, m := range rec.Transcript {
		if m.Role == types.RoleAssistant {
			spoken = append(spoken, m.Content)
		}
	}
	if len(spoken) != 2 || spoken[1] != "We're open nine to five." {
		t.Errorf("assistant entries = %q", spoken)
	}
	if got := len(l.Calls()); got != 2 {
		t.Errorf("llm calls = %d, want 2", got)
	}
}

func TestSessionManager_RecordsFailedCall(t *testing.T) {
	t.Parallel()

	providers, _, sp := testProviders()
	store := &callstoremock.Store{}
	saved := store.Saved()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    testConfig(),
		Providers: providers,
		Store:     store,
	})

	call := startCall(t, sm, sp, "CA2")
	eventually(t, "call registered", func() bool { return sm.ActiveCount() == 1 })
	call.conn.Hangup(errors.Join(audio.ErrTransport, errors.New("socket reset")))

	select {
	case rec := <-saved:
		if rec.Outcome != callstore.OutcomeFailed || rec.Error == "" {
			t.Errorf("record = %s %q, want failed with a reason", rec.Outcome, rec.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no call record saved")
	}
}

func TestSessionManager_SaveErrorDoesNotBlock(t *testing.T) {
	t.Parallel()

	providers, _, sp := testProviders()
	store := &callstoremock.Store{SaveErr: errors.New("database is down")}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    testConfig(),
		Providers: providers,
		Store:     store,
	})

	call := startCall(t, sm, sp, "CA3")
	eventually(t, "call registered", func() bool { return sm.ActiveCount() == 1 })
	call.hangup(t)

	if len(store.Records()) != 0 {
		t.Error("record stored despite SaveErr")
	}
}

func TestSessionManager_RejectsWhileDraining(t *testing.T) {
	t.Parallel()

	providers, _, sp := testProviders()
	store := &callstoremock.Store{}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    testConfig(),
		Providers: providers,
		Store:     store,
	})
	if err := sm.Drain(context.Background()); err != nil {
		t.Fatalf("Drain with no calls: %v", err)
	}

	conn := audiomock.NewConnection(audio.CallInfo{CallID: "CA4"}, audio.TelephonyFormat)
	done := make(chan struct{})
	go func() {
		sm.HandleCall(context.Background(), conn)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleCall did not reject the call")
	}
	if n := sp.StartStreamCallCount(); n != 0 {
		t.Errorf("stt streams opened = %d, want 0", n)
	}
	if store.SaveCallCount != 0 {
		t.Errorf("Save calls = %d, want 0", store.SaveCallCount)
	}
}

func TestSessionManager_RejectsAtCapacity(t *testing.T) {
	t.Parallel()

	providers, _, sp := testProviders()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    testConfig(),
		Providers: providers,
		MaxCalls:  1,
	})

	startCall(t, sm, sp, "CA5")
	eventually(t, "first call registered", func() bool { return sm.ActiveCount() == 1 })

	second := audiomock.NewConnection(audio.CallInfo{CallID: "CA6"}, audio.TelephonyFormat)
	done := make(chan struct{})
	go func() {
		sm.HandleCall(context.Background(), second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second call was not rejected")
	}
	if n := sm.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d, want 1", n)
	}
}

func TestSessionManager_DrainWaitsForCalls(t *testing.T) {
	t.Parallel()

	providers, _, sp := testProviders()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    testConfig(),
		Providers: providers,
	})
	call := startCall(t, sm, sp, "CA7")
	eventually(t, "call registered", func() bool { return sm.ActiveCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sm.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain with a live call = %v, want deadline exceeded", err)
	}

	drained := make(chan error, 1)
	go func() { drained <- sm.Drain(context.Background()) }()
	call.hangup(t)
	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Drain did not return after the last call ended")
	}
}

func TestSessionManager_ApplyReloadSwitchesLiveModel(t *testing.T) {
	t.Parallel()

	providers, l, sp := testProviders()
	old := testConfig()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    old,
		Providers: providers,
	})
	call := startCall(t, sm, sp, "CA8")
	eventually(t, "introduction requested", func() bool { return len(l.Calls()) == 1 })

	updated := testConfig()
	updated.Providers.LLM.Model = "llama-3.3-70b-versatile"
	updated.Pipeline.VoiceID = "aura-orion-en"
	sm.ApplyReload(config.Reload{Old: old, New: updated, Diff: config.Diff(old, updated)})

	call.stt.EmitFinal(types.Transcript{Text: "Do you deliver?", SpeechFinal: true})
	eventually(t, "second request", func() bool { return len(l.Calls()) == 2 })

	if got := l.Calls()[0].Req.Model; got != "llama-3.1-8b-instant" {
		t.Errorf("intro model = %q", got)
	}
	if got := l.Calls()[1].Req.Model; got != "llama-3.3-70b-versatile" {
		t.Errorf("model after reload = %q", got)
	}
	eventually(t, "answer synthesised", func() bool {
		return strings.Contains(call.played(), "Okay.")
	})
	tp := providers.TTS.(*ttsmock.Provider)
	eventually(t, "new voice used", func() bool {
		calls := tp.Calls()
		return len(calls) > 0 && calls[len(calls)-1].Voice.ID == "aura-orion-en"
	})
}

func TestSessionManager_ApplyReloadUpdatesKeywords(t *testing.T) {
	t.Parallel()

	providers, l, sp := testProviders()
	old := testConfig()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    old,
		Providers: providers,
	})
	call := startCall(t, sm, sp, "CA9")
	eventually(t, "introduction requested", func() bool { return len(l.Calls()) == 1 })
	eventually(t, "call registered", func() bool { return len(sm.Calls()) == 1 })

	updated := testConfig()
	updated.Pipeline.Keywords = []string{"brioche"}
	sm.ApplyReload(config.Reload{Old: old, New: updated, Diff: config.Diff(old, updated)})

	calls := call.stt.KeywordCalls()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0].Keyword != "brioche" {
		t.Fatalf("keyword updates = %+v, want one with brioche", calls)
	}
}

func TestPipelineConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	off := false
	cfg.Pipeline.AllowInterruptions = &off
	cfg.Pipeline.Keywords = []string{"croissant", "sourdough"}
	cfg.Pipeline.VAD.SpeechThreshold = 0.6
	cfg.Pipeline.VAD.SilenceThreshold = 0.4
	cfg.Pipeline.VAD.ContinuationWindow = 700 * time.Millisecond
	cfg.Pipeline.MaxTurnFailures = 3

	p := app.PipelineConfig(cfg)
	if p.SystemPrompt != "You are the front desk of a bakery." || p.Model != "llama-3.1-8b-instant" {
		t.Errorf("prompt/model = %q %q", p.SystemPrompt, p.Model)
	}
	if p.Voice.ID != "aura-asteria-en" || p.Voice.Provider != "deepgram" {
		t.Errorf("voice = %+v", p.Voice)
	}
	if p.AllowInterruptions {
		t.Error("AllowInterruptions = true, want false")
	}
	if len(p.Keywords) != 2 || p.Keywords[0].Keyword != "croissant" {
		t.Errorf("keywords = %+v", p.Keywords)
	}
	if p.Segmenter.VAD.SpeechThreshold != 0.6 || p.Segmenter.VAD.SilenceThreshold != 0.4 {
		t.Errorf("vad = %+v", p.Segmenter.VAD)
	}
	if p.Segmenter.ContinuationWindow != 700*time.Millisecond {
		t.Errorf("continuation window = %s", p.Segmenter.ContinuationWindow)
	}
	if p.STTReconnectAttempts != 1 || p.MaxTurnFailures != 3 {
		t.Errorf("reconnects/failures = %d/%d", p.STTReconnectAttempts, p.MaxTurnFailures)
	}
	if p.Retry.Attempts == 0 {
		t.Error("retry not configured")
	}
	if p.Corrector != nil {
		t.Error("keyword correction enabled by default")
	}

	cfg.Pipeline.KeywordCorrection = true
	if got, _ := app.PipelineConfig(cfg).Corrector.Correct("a sour dough loaf"); got != "a sourdough loaf" {
		t.Errorf("corrected = %q", got)
	}
}
