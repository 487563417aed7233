package pipeline

import (
	"errors"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider"
)

var (
	// ErrRecognitionLost ends a call whose STT session could not be restored.
	ErrRecognitionLost = errors.New("pipeline: speech recognition lost")

	// ErrTooManyFailures ends a call after consecutive failed turns.
	ErrTooManyFailures = errors.New("pipeline: too many failed turns")

	// errCallEnded stops the stage group once the call is over.
	errCallEnded = errors.New("pipeline: call ended")
)

// failureAction is what the orchestrator does about a failed turn.
type failureAction int

const (
	// skipTurn drops the reply and keeps listening. The question stays
	// unanswered and is merged with the caller's next utterance.
	skipTurn failureAction = iota

	// endCall apologizes and hangs up.
	endCall
)

// turnFailureAction decides how to handle err, the failure number failures
// in a row. Backend rejections and outages are skipped up to limit times;
// transport failures and unclassified errors end the call.
func turnFailureAction(err error, failures, limit int) failureAction {
	if errors.Is(err, audio.ErrTransport) {
		return endCall
	}
	switch provider.Classify(err) {
	case provider.KindRejected, provider.KindUnavailable, provider.KindProtocol:
		if failures < limit {
			return skipTurn
		}
	}
	return endCall
}
