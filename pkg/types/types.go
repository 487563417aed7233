// Package types defines the shared types used across Switchboard packages.
//
// These types are the lingua franca between providers, the call pipeline, and
// the call store. Each package keeps its own domain types; only data that
// crosses package boundaries lives here to avoid circular imports.
package types

import "time"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single entry in a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// Images are attached to the entry and sent inline with Content.
	Images []Image
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if len(m.Images) == 0 {
		m.Images = nil
		return m
	}
	imgs := make([]Image, len(m.Images))
	for i, img := range m.Images {
		imgs[i] = Image{MIMEType: img.MIMEType, Data: append([]byte(nil), img.Data...)}
	}
	m.Images = imgs
	return m
}

// Image is an encoded image attached to a message.
type Image struct {
	// MIMEType is the media type of Data (e.g., "image/jpeg"). Empty means
	// JPEG.
	MIMEType string

	Data []byte
}

// Transcript represents a speech-to-text result from an STT provider.
// Both interim and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal reports whether the provider has committed to this segment.
	IsFinal bool

	// SpeechFinal reports that the provider detected the end of the utterance
	// after this segment. Only meaningful when IsFinal is true.
	SpeechFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Start is the offset of the segment relative to stream start.
	Start time.Duration

	// Duration is the length of the segment.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint for speech recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., a business or product name).
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// VoiceProfile describes a TTS voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, …).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
