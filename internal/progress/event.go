package progress

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Event wraps a published snapshot with the local run that produced it so
// sinks can correlate snapshots of one upload.
type Event struct {
	// RunID uniquely identifies one Start call using the 16-byte UUID form.
	RunID [16]byte
	// Snapshot is the published observation.
	Snapshot Snapshot
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.Snapshot.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if err := e.Snapshot.Validate(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
