// Package detect implements the guardrail detectors: local pattern batteries
// that are always available, and a remote-classifier detector that calls an
// external text-understanding service with a bounded timeout.
package detect

import (
	"context"
	"errors"

	"github.com/praetor-ai/praetor/internal/guardrail"
)

// ErrUnavailable signals that a detector could not produce a verdict at all
// (timeout, transport failure, malformed or rate-limited response). The
// engine recovers from it by trying the kind's fallback detector; it is
// never conflated with a "not flagged" verdict.
var ErrUnavailable = errors.New("detector unavailable")

// Detector classifies a piece of text for one guardrail kind.
//
// Detect is deterministic for the same text and configuration, modulo the
// remote classifier's inherent nondeterminism. Implementations must respect
// ctx cancellation and return ErrUnavailable (possibly wrapped) for any
// failure that prevents classification.
type Detector interface {
	Name() string
	Kind() guardrail.Kind
	Detect(ctx context.Context, text string) (guardrail.Verdict, error)
}
