package checkpoints

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Store.Load when no snapshot has the given name.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists named weight snapshots.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, name string, c *Checkpoint) error
	Load(ctx context.Context, name string) (*Checkpoint, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Phase names the point of a run a snapshot was taken at.
type Phase string

const (
	PhaseBest     Phase = "best"
	PhaseFinal    Phase = "final"
	PhaseExtended Phase = "extended"
)

// Name returns the snapshot name for a phase and run tag,
// e.g. "best_model_weights_run1".
func Name(phase Phase, tag string) string {
	return fmt.Sprintf("%s_model_weights_%s", phase, tag)
}

func validateName(name string) error {
	if name == "" {
		return errors.New("checkpoint name is required")
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 {
			return errors.Errorf("invalid checkpoint name %q", name)
		}
	}
	return nil
}
