package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/switchboard/pkg/types"
)

// ErrHistoryOrder is returned when an operation would break the alternation
// of user and assistant entries.
var ErrHistoryOrder = errors.New("pipeline: conversation history out of order")

// mergeFormat joins an unanswered question with the one that replaced it.
const mergeFormat = `Sorry, I just asked you about "%s" but now I would like to know "%s".`

// History is the conversation of one call: system entries anywhere, and a
// strictly alternating sequence of user and assistant entries. At most one
// user entry and one assistant entry are open at a time, and never both.
//
// All methods are safe for concurrent use.
type History struct {
	mu       sync.Mutex
	messages []types.Message

	// Index of the open user or assistant entry, -1 when none is open.
	openUser      int
	openAssistant int
}

// NewHistory returns a history that starts with systemPrompt, if non-empty.
func NewHistory(systemPrompt string) *History {
	h := &History{openUser: -1, openAssistant: -1}
	if systemPrompt != "" {
		h.messages = append(h.messages, types.Message{Role: types.RoleSystem, Content: systemPrompt})
	}
	return h
}

// AppendSystem adds an out-of-band system entry. It does not affect the
// user/assistant alternation.
func (h *History) AppendSystem(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, types.Message{Role: types.RoleSystem, Content: text})
}

// OpenUser starts a new user entry. The previous conversational entry must
// be an assistant entry, or there must be none. images stay attached to the
// entry through extends and merges.
func (h *History) OpenUser(text string, images ...types.Image) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openUser >= 0 || h.openAssistant >= 0 || h.lastRoleLocked() == types.RoleUser {
		return fmt.Errorf("%w: open user entry after %s", ErrHistoryOrder, h.lastRoleLocked())
	}
	h.messages = append(h.messages, types.Message{Role: types.RoleUser, Content: text, Images: images})
	h.openUser = len(h.messages) - 1
	return nil
}

// ExtendUser appends text to the open user entry, separated by a space.
func (h *History) ExtendUser(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openUser < 0 {
		return fmt.Errorf("%w: no open user entry", ErrHistoryOrder)
	}
	m := &h.messages[h.openUser]
	if m.Content == "" {
		m.Content = text
	} else {
		m.Content += " " + text
	}
	return nil
}

// MergeUser rewrites the last, unanswered user entry so that it asks text
// instead, and reopens it.
func (h *History) MergeUser(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.lastConversationalLocked()
	if h.openUser >= 0 || h.openAssistant >= 0 || i < 0 || h.messages[i].Role != types.RoleUser {
		return fmt.Errorf("%w: no unanswered user entry to merge into", ErrHistoryOrder)
	}
	m := &h.messages[i]
	m.Content = fmt.Sprintf(mergeFormat, m.Content, text)
	h.openUser = i
	return nil
}

// CloseUser closes the open user entry. It is a no-op when none is open.
func (h *History) CloseUser() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openUser = -1
}

// UserOpen reports whether a user entry is open.
func (h *History) UserOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openUser >= 0
}

// AwaitingReply reports whether the last conversational entry is a closed
// user entry with no assistant entry after it.
func (h *History) AwaitingReply() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.lastConversationalLocked()
	return h.openUser < 0 && h.openAssistant < 0 && i >= 0 && h.messages[i].Role == types.RoleUser
}

// OpenAssistant starts the assistant entry that answers the last user entry.
// The intro turn opens an assistant entry with no user entry before it.
func (h *History) OpenAssistant() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openUser >= 0 || h.openAssistant >= 0 || h.lastRoleLocked() == types.RoleAssistant {
		return fmt.Errorf("%w: open assistant entry after %s", ErrHistoryOrder, h.lastRoleLocked())
	}
	h.messages = append(h.messages, types.Message{Role: types.RoleAssistant})
	h.openAssistant = len(h.messages) - 1
	return nil
}

// AppendAssistant adds delta to the open assistant entry. Sentences are
// joined with a space.
func (h *History) AppendAssistant(delta string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openAssistant < 0 {
		return fmt.Errorf("%w: no open assistant entry", ErrHistoryOrder)
	}
	m := &h.messages[h.openAssistant]
	if m.Content == "" {
		m.Content = delta
	} else {
		m.Content += " " + delta
	}
	return nil
}

// AssistantOpen reports whether an assistant entry is open.
func (h *History) AssistantOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openAssistant >= 0
}

// CloseAssistant finalizes the open assistant entry and reports whether one
// was kept. An entry without text is removed instead.
func (h *History) CloseAssistant() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openAssistant < 0 {
		return false
	}
	i := h.openAssistant
	h.openAssistant = -1
	if h.messages[i].Content == "" {
		h.removeLocked(i)
		return false
	}
	return true
}

// DiscardAssistant removes the open assistant entry and reports whether
// there was one.
func (h *History) DiscardAssistant() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openAssistant < 0 {
		return false
	}
	h.removeLocked(h.openAssistant)
	h.openAssistant = -1
	return true
}

// RetractAssistant removes the last closed assistant entry, whose reply the
// caller never heard, and reports whether there was one. The question it
// answered becomes unanswered again; a user entry already recorded after
// the reply is merged into that question.
func (h *History) RetractAssistant() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openAssistant >= 0 {
		return false
	}
	i := h.lastConversationalLocked()
	if i < 0 {
		return false
	}
	if h.messages[i].Role == types.RoleAssistant {
		h.removeLocked(i)
		return true
	}
	j := h.prevConversationalLocked(i)
	if j < 0 || h.messages[j].Role != types.RoleAssistant {
		return false
	}
	q := h.prevConversationalLocked(j)
	h.removeLocked(j)
	i--
	if q < 0 {
		return true
	}
	later := h.messages[i]
	m := &h.messages[q]
	m.Content = fmt.Sprintf(mergeFormat, m.Content, later.Content)
	m.Images = append(m.Images, later.Images...)
	open := h.openUser == i
	h.removeLocked(i)
	if open {
		h.openUser = q
	}
	return true
}

// Snapshot returns a deep copy of all entries.
func (h *History) Snapshot() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.messages))
	for i, m := range h.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of entries with the given role.
func (h *History) Len(role string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

func (h *History) lastConversationalLocked() int {
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Role != types.RoleSystem {
			return i
		}
	}
	return -1
}

func (h *History) prevConversationalLocked(i int) int {
	for i--; i >= 0; i-- {
		if h.messages[i].Role != types.RoleSystem {
			return i
		}
	}
	return -1
}

func (h *History) lastRoleLocked() string {
	if i := h.lastConversationalLocked(); i >= 0 {
		return h.messages[i].Role
	}
	return "start"
}

// removeLocked deletes entry i and shifts the open indices behind it.
func (h *History) removeLocked(i int) {
	h.messages = append(h.messages[:i], h.messages[i+1:]...)
	if h.openUser > i {
		h.openUser--
	}
	if h.openAssistant > i {
		h.openAssistant--
	}
}
