package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to live calls are tracked individually;
// everything else is summarised in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModelChanged is set when providers.llm.model differs.
	ModelChanged bool
	NewModel     string

	// VoiceChanged is set when pipeline.voice_id differs.
	VoiceChanged bool
	NewVoiceID   string

	// KeywordsChanged is set when pipeline.keywords differs.
	KeywordsChanged bool
	NewKeywords     []string

	// PipelineChanged is set when other pipeline settings differ. They
	// apply to calls that start after the reload.
	PipelineChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart (e.g. "providers.stt", "server.listen_addr").
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ModelChanged && !d.VoiceChanged && !d.KeywordsChanged &&
		!d.PipelineChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Providers.LLM.Model != new.Providers.LLM.Model {
		d.ModelChanged = true
		d.NewModel = new.Providers.LLM.Model
	}
	if old.Pipeline.VoiceID != new.Pipeline.VoiceID {
		d.VoiceChanged = true
		d.NewVoiceID = new.Pipeline.VoiceID
	}
	if !slices.Equal(old.Pipeline.Keywords, new.Pipeline.Keywords) {
		d.KeywordsChanged = true
		d.NewKeywords = slices.Clone(new.Pipeline.Keywords)
	}

	oldLLM, newLLM := old.Providers.LLM, new.Providers.LLM
	oldLLM.Model, newLLM.Model = "", ""

	for _, c := range []struct {
		section  string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"server.public_url", old.Server.PublicURL, new.Server.PublicURL},
		{"server.tls", old.Server.TLS, new.Server.TLS},
		{"providers.stt", old.Providers.STT, new.Providers.STT},
		{"providers.llm", oldLLM, newLLM},
		{"providers.tts", old.Providers.TTS, new.Providers.TTS},
		{"providers.stt_fallbacks", old.Providers.STTFallbacks, new.Providers.STTFallbacks},
		{"providers.llm_fallbacks", old.Providers.LLMFallbacks, new.Providers.LLMFallbacks},
		{"providers.tts_fallbacks", old.Providers.TTSFallbacks, new.Providers.TTSFallbacks},
		{"telephony", old.Telephony, new.Telephony},
		{"storage", old.Storage, new.Storage},
	} {
		if !reflect.DeepEqual(c.old, c.new) {
			d.RestartRequired = append(d.RestartRequired, c.section)
		}
	}

	oldP, newP := old.Pipeline, new.Pipeline
	oldP.VoiceID, newP.VoiceID = "", ""
	oldP.Keywords, newP.Keywords = nil, nil
	d.PipelineChanged = !reflect.DeepEqual(oldP, newP)

	return d
}
