package pipeline

import (
	"github.com/MrWong99/switchboard/pkg/types"
)

// Aggregator applies recognized caller speech and generated replies to a
// [History].
//
// Final transcripts coalesce into the open user entry. Text that arrives
// after the previous question went unanswered is merged into that question,
// and text that arrives while a reply is being generated is held back until
// the reply is closed.
//
// An Aggregator is not safe for concurrent use; the orchestrator serializes
// access.
type Aggregator struct {
	history *History
	pending []string
}

// NewAggregator returns an aggregator writing to h.
func NewAggregator(h *History) *Aggregator {
	return &Aggregator{history: h}
}

// History returns the underlying conversation.
func (a *Aggregator) History() *History {
	return a.history
}

// AddFinal records one final transcript.
func (a *Aggregator) AddFinal(text string) error {
	if a.history.AssistantOpen() {
		a.pending = append(a.pending, text)
		return nil
	}
	return a.add(text)
}

func (a *Aggregator) add(text string) error {
	switch {
	case a.history.UserOpen():
		return a.history.ExtendUser(text)
	case a.history.AwaitingReply():
		return a.history.MergeUser(text)
	default:
		return a.history.OpenUser(text)
	}
}

// Pending reports whether text is held back behind an open reply.
func (a *Aggregator) Pending() bool {
	return len(a.pending) > 0
}

// Release closes the open user entry. It reports whether there was one, in
// which case a reply is due.
func (a *Aggregator) Release() bool {
	if !a.history.UserOpen() {
		return false
	}
	a.history.CloseUser()
	return true
}

// BeginReply opens the assistant entry and returns the conversation it
// answers.
func (a *Aggregator) BeginReply() ([]types.Message, error) {
	snap := a.history.Snapshot()
	if err := a.history.OpenAssistant(); err != nil {
		return nil, err
	}
	return snap, nil
}

// BeginIntro adds prompt as a system entry and opens the assistant entry of
// the introduction.
func (a *Aggregator) BeginIntro(prompt string) ([]types.Message, error) {
	a.history.AppendSystem(prompt)
	return a.BeginReply()
}

// AddReply applies one response fragment. It reports whether the fragment
// closed the reply.
func (a *Aggregator) AddReply(f ResponseTextFragment) (bool, error) {
	if !f.End {
		return false, a.history.AppendAssistant(f.Text)
	}
	a.history.CloseAssistant()
	return true, a.flushPending()
}

// DiscardReply drops the open assistant entry and reports whether there was
// one. The question it answered stays unanswered.
func (a *Aggregator) DiscardReply() (bool, error) {
	discarded := a.history.DiscardAssistant()
	return discarded, a.flushPending()
}

// RetractReply removes a closed reply that was never spoken and reports
// whether there was one.
func (a *Aggregator) RetractReply() bool {
	return a.history.RetractAssistant()
}

// AddSystem records an out-of-band event for the model.
func (a *Aggregator) AddSystem(text string) {
	a.history.AppendSystem(text)
}

func (a *Aggregator) flushPending() error {
	pending := a.pending
	a.pending = nil
	for _, text := range pending {
		if err := a.add(text); err != nil {
			return err
		}
	}
	return nil
}
