package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when a config names a provider that
// no factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories maps provider names of one kind to constructors.
type factories[In, Out any] struct {
	kind string
	m    map[string]func(In) (Out, error)
}

func newFactories[In, Out any](kind string) factories[In, Out] {
	return factories[In, Out]{kind: kind, m: make(map[string]func(In) (Out, error))}
}

func (f factories[In, Out]) create(name string, in In) (Out, error) {
	build, ok := f.m[name]
	if !ok {
		var zero Out
		return zero, fmt.Errorf("%w: %s/%q (have %s)", ErrProviderNotRegistered, f.kind, name, f.list())
	}
	out, err := build(in)
	if err != nil {
		var zero Out
		return zero, fmt.Errorf("%s/%s: %w", f.kind, name, err)
	}
	return out, nil
}

func (f factories[In, Out]) list() string {
	if len(f.m) == 0 {
		return "none"
	}
	return strings.Join(slices.Sorted(maps.Keys(f.m)), ", ")
}

// Registry resolves the provider names used in the config file to
// constructors. main registers the built-in backends; a later registration
// under the same name replaces the earlier one. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	llm       factories[ProviderEntry, llm.Provider]
	stt       factories[ProviderEntry, stt.Provider]
	tts       factories[ProviderEntry, tts.Provider]
	telephony factories[TelephonyConfig, audio.Platform]
}

// NewRegistry returns a registry without any providers.
func NewRegistry() *Registry {
	return &Registry{
		llm:       newFactories[ProviderEntry, llm.Provider]("llm"),
		stt:       newFactories[ProviderEntry, stt.Provider]("stt"),
		tts:       newFactories[ProviderEntry, tts.Provider]("tts"),
		telephony: newFactories[TelephonyConfig, audio.Platform]("telephony"),
	}
}

func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

func (r *Registry) RegisterTelephony(name string, factory func(TelephonyConfig) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telephony.m[name] = factory
}

// CreateLLM builds the language model named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry.Name, entry)
}

// CreateSTT builds the speech recognizer named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry.Name, entry)
}

// CreateTTS builds the speech synthesizer named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create(entry.Name, entry)
}

// CreateTelephony builds the platform selected by cfg.Provider.
func (r *Registry) CreateTelephony(cfg TelephonyConfig) (audio.Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.telephony.create(cfg.Provider, cfg)
}
