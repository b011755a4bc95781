package checkpoints

import (
	"encoding/json"
	"math"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/tsawler/go-pds/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary layout (protobuf wire format, snappy block compressed):
//
//	Checkpoint    { 1: model_spec (JSON bytes), 2: repeated Weight, 3: TrainingState, 4: Metadata }
//	Weight        { 1: name, 2: packed shape, 3: packed double data, 4: layer, 5: type }
//	TrainingState { 1: phase, 2: epoch, 3: best_epoch, 4: best_loss (double) }
//	Metadata      { 1: version, 2: framework, 3: created_at (zigzag unix nanos), 4: run_id, 5: description, 6: repeated tags }
const (
	fieldModelSpec protowire.Number = 1
	fieldWeight    protowire.Number = 2
	fieldState     protowire.Number = 3
	fieldMetadata  protowire.Number = 4
)

func marshalBinary(c *Checkpoint) ([]byte, error) {
	var b []byte

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode model spec")
		}
		b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, appendWeight(nil, w))
	}

	b = protowire.AppendTag(b, fieldState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendState(nil, c.TrainingState))

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, c.Metadata))

	return snappy.Encode(nil, b), nil
}

func appendWeight(b []byte, w WeightTensor) []byte {
	b = appendString(b, 1, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	b = appendString(b, 4, w.Layer)
	b = appendString(b, 5, w.Type)
	return b
}

func appendState(b []byte, s TrainingState) []byte {
	b = appendString(b, 1, s.Phase)
	b = appendVarint(b, 2, protowire.EncodeZigZag(int64(s.Epoch)))
	b = appendVarint(b, 3, protowire.EncodeZigZag(int64(s.BestEpoch)))
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.BestLoss))
	return b
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, 3, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.RunID)
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress checkpoint")
	}

	c := &Checkpoint{}
	err = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case fieldModelSpec:
			var spec layers.ModelSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return 0, errors.Wrap(err, "failed to decode model spec")
			}
			c.ModelSpec = &spec
		case fieldWeight:
			w, err := consumeWeight(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
		case fieldState:
			if c.TrainingState, err = consumeState(v); err != nil {
				return 0, err
			}
		case fieldMetadata:
			if c.Metadata, err = consumeMetadata(v); err != nil {
				return 0, err
			}
		}
		return n, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return c, nil
}

func consumeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			w.Name = string(v)
		case 2:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m, nil
				}
				w.Shape = append(w.Shape, int(d))
				v = v[m:]
			}
		case 3:
			if len(v)%8 != 0 {
				return 0, errors.Errorf("weight %s: truncated data", w.Name)
			}
			w.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return m, nil
				}
				w.Data = append(w.Data, math.Float64frombits(bits))
				v = v[m:]
			}
		case 4:
			w.Layer = string(v)
		case 5:
			w.Type = string(v)
		}
		return n, nil
	})
	return w, err
}

func consumeState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Phase = v
			return n, nil
		case (num == 2 || num == 3) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if num == 2 {
				s.Epoch = int(protowire.DecodeZigZag(v))
			} else {
				s.BestEpoch = int(protowire.DecodeZigZag(v))
			}
			return n, nil
		case num == 4 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			s.BestLoss = math.Float64frombits(v)
			return n, nil
		}
		return skipField, nil
	})
	return s, err
}

func consumeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 3 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			return n, nil
		}
		if typ != protowire.BytesType {
			return skipField, nil
		}
		v, n := protowire.ConsumeString(b)
		switch num {
		case 1:
			m.Version = v
		case 2:
			m.Framework = v
		case 4:
			m.RunID = v
		case 5:
			m.Description = v
		case 6:
			m.Tags = append(m.Tags, v)
		}
		return n, nil
	})
	return m, err
}

// skipField asks walkFields to skip a field fn does not handle.
const skipField = math.MinInt32

// walkFields calls fn for each field in b. fn returns the number of bytes it
// consumed, a negative protowire error code, or skipField.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
