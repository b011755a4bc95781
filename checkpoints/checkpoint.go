package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-pds/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatBinary:
		return ".ckpt"
	default:
		return ".json"
	}
}

// ParseFormat maps a configuration string to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "binary":
		return FormatBinary, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is a named weight snapshot. Optimizer state is never persisted.
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress at snapshot time
type TrainingState struct {
	Phase     string  `json:"phase"`
	Epoch     int     `json:"epoch"`
	BestEpoch int     `json:"best_epoch"`
	BestLoss  float64 `json:"best_loss"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// WeightName returns the snapshot name of a layer parameter, e.g. "repr_layer.weight".
func WeightName(layer, kind string) string {
	return fmt.Sprintf("%s.%s", layer, kind)
}

// Weight looks up a weight tensor by name.
func (c *Checkpoint) Weight(name string) (WeightTensor, bool) {
	for _, w := range c.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}

// Validate checks that every weight's data matches its shape.
func (c *Checkpoint) Validate() error {
	seen := make(map[string]bool, len(c.Weights))
	for _, w := range c.Weights {
		if w.Name == "" {
			return errors.New("weight without a name")
		}
		if seen[w.Name] {
			return errors.Errorf("duplicate weight %s", w.Name)
		}
		seen[w.Name] = true

		n := 1
		for _, d := range w.Shape {
			if d <= 0 {
				return errors.Errorf("weight %s has invalid shape %v", w.Name, w.Shape)
			}
			n *= d
		}
		if n != len(w.Data) {
			return errors.Errorf("weight %s: shape %v needs %d values, got %d", w.Name, w.Shape, n, len(w.Data))
		}
	}
	return nil
}

func (c *Checkpoint) stampMetadata() {
	// Ensure metadata is set
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = "go-pds"
		c.Metadata.Version = "1.0.0"
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
}

// Marshal serializes a checkpoint in the given format.
func Marshal(c *Checkpoint, format CheckpointFormat) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil checkpoint")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid checkpoint")
	}
	c.stampMetadata()

	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ") // Pretty print JSON
		if err := encoder.Encode(c); err != nil {
			return nil, errors.Wrap(err, "failed to encode checkpoint")
		}
		return buf.Bytes(), nil
	case FormatBinary:
		return marshalBinary(c)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Unmarshal decodes a checkpoint previously produced by Marshal.
func Unmarshal(data []byte, format CheckpointFormat) (*Checkpoint, error) {
	var c *Checkpoint
	switch format {
	case FormatJSON:
		c = &Checkpoint{}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
	case FormatBinary:
		var err error
		if c, err = unmarshalBinary(data); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "corrupt checkpoint")
	}
	return c, nil
}
