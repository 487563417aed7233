// Command switchboard answers phone calls with a streaming voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/switchboard/internal/app"
	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/audio/twilio"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/switchboard/pkg/provider/llm/openai"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/stt/deepgram"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	dgtts "github.com/MrWong99/switchboard/pkg/provider/tts/deepgram"
	"github.com/MrWong99/switchboard/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/switchboard/pkg/types"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	maxCalls := flag.Int("max-calls", 0, "maximum number of concurrent calls (0 = unlimited)")
	drainTimeout := flag.Duration("drain-timeout", 2*time.Minute, "how long shutdown waits for live calls")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "switchboard: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("switchboard starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceName:    "switchboard",
		ServiceVersion: version,
		DisableMetrics: !cfg.Pipeline.MetricsEnabled(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := telemetry.Metrics

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Telephony, metrics)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMaxCalls(*maxCalls),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(r config.Reload) {
		if r.Diff.LogLevelChanged {
			level.Set(slogLevel(r.Diff.NewLogLevel))
		}
		application.Sessions().ApplyReload(r)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, draining calls…", "timeout", *drainTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// TTS providers synthesise straight into the call's audio format.
func registerBuiltinProviders(reg *config.Registry, tel config.TelephonyConfig, metrics *observe.Metrics) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// "openai" is registered below on the native client.
	for _, providerName := range anyllm.Backends {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			if optBool(entry.Options, "system_as_user") {
				p = p.WithSystemAsUser()
			}
			return p, nil
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, oaillm.WithMaxRetries(n))
		}
		if ms, ok := optInt(entry.Options, "first_byte_timeout_ms"); ok {
			opts = append(opts, oaillm.WithFirstByteTimeout(time.Duration(ms)*time.Millisecond))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithSampleRate(tel.SampleRate),
			deepgram.WithMetrics(metrics),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms, ok := optInt(entry.Options, "endpointing_ms"); ok {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		if ms, ok := optInt(entry.Options, "utterance_end_ms"); ok {
			opts = append(opts, deepgram.WithUtteranceEnd(ms))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("deepgram", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []dgtts.Option{
			dgtts.WithEncoding(audio.Encoding(tel.Encoding)),
			dgtts.WithSampleRate(tel.SampleRate),
		}
		if entry.Model != "" {
			opts = append(opts, dgtts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, dgtts.WithBaseURL(entry.BaseURL))
		}
		return dgtts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Telephony ─────────────────────────────────────────────────────────────

	reg.RegisterTelephony("twilio", func(tc config.TelephonyConfig) (audio.Platform, error) {
		return twilio.New(
			twilio.WithGreeting(tc.Greeting, ""),
			twilio.WithLogger(slog.Default().With("platform", "twilio")),
		), nil
	})
}

// buildProviders instantiates every provider named in cfg, wrapping
// primaries that have fallbacks configured in a resilience group.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	p := cfg.Providers
	ps := &app.Providers{
		Names: pipeline.ProviderNames{STT: p.STT.Name, LLM: p.LLM.Name, TTS: p.TTS.Name},
	}

	sttPrimary, err := reg.CreateSTT(p.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", p.STT.Name, err)
	}
	ps.STT = sttPrimary
	if len(p.STTFallbacks) > 0 {
		group := resilience.NewSTTFallback(sttPrimary, p.STT.Name, fallbackConfig("stt", metrics))
		for _, e := range p.STTFallbacks {
			fb, err := reg.CreateSTT(e)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, fb)
		}
		ps.STT = group
	}
	slog.Info("provider created", "kind", "stt", "name", p.STT.Name, "fallbacks", len(p.STTFallbacks))

	llmPrimary, err := reg.CreateLLM(p.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", p.LLM.Name, err)
	}
	ps.LLM = llmPrimary
	if len(p.LLMFallbacks) > 0 {
		group := resilience.NewLLMFallback(llmPrimary, p.LLM.Name, fallbackConfig("llm", metrics))
		for _, e := range p.LLMFallbacks {
			fb, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, fb)
		}
		ps.LLM = group
	}
	slog.Info("provider created", "kind", "llm", "name", p.LLM.Name, "model", p.LLM.Model, "fallbacks", len(p.LLMFallbacks))

	ttsPrimary, err := reg.CreateTTS(p.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", p.TTS.Name, err)
	}
	ps.TTS = ttsPrimary
	if len(p.TTSFallbacks) > 0 {
		group := resilience.NewTTSFallback(ttsPrimary, p.TTS.Name, fallbackConfig("tts", metrics))
		for _, e := range p.TTSFallbacks {
			fb, err := reg.CreateTTS(e)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
			}
			// Voice IDs are provider specific; each fallback names its own.
			group.AddFallback(e.Name, fb, types.VoiceProfile{
				ID:       optString(e.Options, "voice_id"),
				Provider: e.Name,
			})
		}
		ps.TTS = group
	}
	slog.Info("provider created", "kind", "tts", "name", p.TTS.Name, "fallbacks", len(p.TTSFallbacks))

	platform, err := reg.CreateTelephony(cfg.Telephony)
	if err != nil {
		return nil, fmt.Errorf("create telephony platform %q: %w", cfg.Telephony.Provider, err)
	}
	ps.Telephony = platform
	return ps, nil
}

// fallbackConfig returns the breaker settings of a provider group. Breaker
// transitions are counted per backend.
func fallbackConfig(kind string, metrics *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:         kind,
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			OnStateChange: func(name string, _, to resilience.State) {
				metrics.RecordCircuitTransition(context.Background(), name, kind, to.String())
			},
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      Switchboard: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printRow("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printRow("TTS", cfg.Providers.TTS.Name, cfg.Pipeline.VoiceID)
	printRow("Telephony", cfg.Telephony.Provider, "")
	if cfg.Storage.PostgresDSN != "" {
		printRow("Call store", "postgres", "")
	} else {
		printRow("Call store", "", "")
	}
	printRow("Public URL", cfg.Server.PublicURL, "")
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optBool reports whether key is set to true.
func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optInt extracts an integer from a provider Options map. YAML decodes
// plain numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
