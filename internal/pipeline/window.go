package pipeline

import "github.com/MrWong99/switchboard/pkg/types"

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common tokenizers.
const charsPerToken = 4

// imageTokens is the flat estimate charged for one attached image.
const imageTokens = 256

// estimateTokens returns a rough token count for one history entry.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens + imageTokens*len(m.Images)
}

// fitWindow returns the part of msgs that is sent to the model when the
// context is limited to budget tokens. The leading system entries always
// stay; of the rest, the newest entries that fit are kept, and never fewer
// than one. A budget of zero or less disables trimming.
//
// The returned slice shares no backing array with msgs once anything is
// dropped.
func fitWindow(msgs []types.Message, budget int) (kept []types.Message, dropped int) {
	if budget <= 0 || len(msgs) == 0 {
		return msgs, 0
	}

	head := 0
	used := 0
	for head < len(msgs) && msgs[head].Role == types.RoleSystem {
		used += estimateTokens(msgs[head])
		head++
	}

	total := used
	for _, m := range msgs[head:] {
		total += estimateTokens(m)
	}
	if total <= budget || head == len(msgs) {
		return msgs, 0
	}

	start := len(msgs) - 1
	used += estimateTokens(msgs[start])
	for start-1 >= head {
		t := estimateTokens(msgs[start-1])
		if used+t > budget {
			break
		}
		used += t
		start--
	}

	kept = make([]types.Message, 0, head+len(msgs)-start)
	kept = append(kept, msgs[:head]...)
	kept = append(kept, msgs[start:]...)
	return kept, start - head
}
