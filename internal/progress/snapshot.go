package progress

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/geoload/internal/classify"
)

// Phase is the closed set of processing phases a snapshot can report.
type Phase string

// Supported phases. The first five are in-flight, the last three terminal.
const (
	PhaseUploading   Phase = "uploading"
	PhaseParsing     Phase = "parsing"
	PhaseNormalizing Phase = "normalizing"
	PhaseGeocoding   Phase = "geocoding"
	PhaseSaving      Phase = "saving"
	PhaseComplete    Phase = "complete"
	PhaseError       Phase = "error"
	PhaseCancelled   Phase = "cancelled"
)

// ParsePhase maps a server status string onto a Phase. Unrecognized values
// map to PhaseUploading so early or unknown states are never dropped.
func ParsePhase(status string) Phase {
	switch p := Phase(status); p {
	case PhaseUploading, PhaseParsing, PhaseNormalizing, PhaseGeocoding,
		PhaseSaving, PhaseComplete, PhaseError, PhaseCancelled:
		return p
	default:
		return PhaseUploading
	}
}

// Terminal reports whether no further snapshots follow this phase.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError || p == PhaseCancelled
}

func (p Phase) valid() bool {
	return ParsePhase(string(p)) == p
}

// Timing carries opaque display metadata reported by the server.
type Timing struct {
	Elapsed            string
	EstimatedRemaining string
	Speed              string
}

// Snapshot is one immutable observation of a session's processing state.
// Snapshots are replaced, never mutated.
type Snapshot struct {
	// Phase is the canonical processing phase.
	Phase Phase
	// Percent is in [0, 100].
	Percent float64
	// Processed counts records handled so far.
	Processed int64
	// Total is the record count, zero while unknown.
	Total int64
	// Message is human-readable status text and is never empty.
	Message string
	// Timing is nil when the server did not report any.
	Timing *Timing
	// Operation is the server's current-operation label, if any.
	Operation string
	// SessionID and FileName echo the session for display.
	SessionID string
	FileName  string
	// Kind classifies the failure behind an Error snapshot.
	Kind classify.Kind
	// TS is when the snapshot was produced.
	TS time.Time
}

// Terminal reports whether the snapshot ends its session.
func (s Snapshot) Terminal() bool {
	return s.Phase.Terminal()
}

// Validate performs coarse validation on snapshot payloads.
func (s Snapshot) Validate() error {
	if !s.Phase.valid() {
		return fmt.Errorf("unknown phase %q", s.Phase)
	}
	if math.IsNaN(s.Percent) || s.Percent < 0 || s.Percent > 100 {
		return fmt.Errorf("percent %v out of range", s.Percent)
	}
	if s.Processed < 0 || s.Total < 0 {
		return errors.New("counts must be >= 0")
	}
	if s.Message == "" {
		return errors.New("message is required")
	}
	if s.Phase == PhaseError && s.Kind == classify.KindNone {
		return errors.New("error snapshot requires a kind")
	}
	return nil
}

// Failed builds a terminal Error snapshot for err.
func Failed(kind classify.Kind, message string, ts time.Time) Snapshot {
	if kind == classify.KindNone {
		kind = classify.KindUnknown
	}
	if message == "" {
		message = kind.Message()
	}
	return Snapshot{Phase: PhaseError, Message: message, Kind: kind, TS: ts}
}

// ClampPercent bounds p to [0, 100], mapping NaN to 0. It does not enforce
// monotonicity.
func ClampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
