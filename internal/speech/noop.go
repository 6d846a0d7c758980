package speech

import (
	"context"

	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface check.
var _ Synth = (*NoOp)(nil)

// NoOp is a speech backend that only logs. Used when voice is disabled.
type NoOp struct {
	log *logger.Logger
}

// NewNoOp creates a no-op speech backend.
func NewNoOp(log *logger.Logger) *NoOp {
	return &NoOp{log: log}
}

// Speak logs the text and returns immediately.
func (n *NoOp) Speak(ctx context.Context, u Utterance) error {
	n.log.Debug("speech no-op: would say %q", u.Text)
	return nil
}

// Stop does nothing.
func (n *NoOp) Stop() {}
