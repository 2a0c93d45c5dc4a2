package checkpoints

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Records are protobuf wire-format messages. The schema, in proto3 terms:
//
//	message Record {
//	  uint32 version = 1;
//	  int64 global_step = 2;
//	  repeated Tensor parameters = 3;
//	  repeated ShadowGroup shadows = 4;
//	  Optimizer optimizer = 5;
//	  string id = 6;
//	  string run_id = 7;
//	  int64 created_unix_nano = 8;
//	}
//	message Tensor { string name = 1; repeated int64 shape = 2; repeated double data = 3; }
//	message ShadowGroup { string tracker = 1; repeated Tensor values = 2; }
//	message Optimizer { string type = 1; repeated Param parameters = 2; repeated Tensor slots = 3; }
//	message Param { string key = 1; double value = 2; }
const (
	recordVersion    protowire.Number = 1
	recordGlobalStep protowire.Number = 2
	recordParameters protowire.Number = 3
	recordShadows    protowire.Number = 4
	recordOptimizer  protowire.Number = 5
	recordID         protowire.Number = 6
	recordRunID      protowire.Number = 7
	recordCreatedAt  protowire.Number = 8

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3

	shadowTracker protowire.Number = 1
	shadowValues  protowire.Number = 2

	optimizerType   protowire.Number = 1
	optimizerParams protowire.Number = 2
	optimizerSlots  protowire.Number = 3

	paramKey   protowire.Number = 1
	paramValue protowire.Number = 2
)

// Marshal encodes a state as a record.
func Marshal(state *State) []byte {
	var b []byte
	b = protowire.AppendTag(b, recordVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, FormatVersion)
	b = protowire.AppendTag(b, recordGlobalStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(state.GlobalStep))

	for _, p := range state.Parameters {
		b = appendMessage(b, recordParameters, appendTensor(nil, p))
	}

	for _, tracker := range sortedKeys(state.Shadows) {
		var group []byte
		group = protowire.AppendTag(group, shadowTracker, protowire.BytesType)
		group = protowire.AppendString(group, tracker)
		shadows := state.Shadows[tracker]
		for _, name := range sortedKeys(shadows) {
			values := shadows[name]
			group = appendMessage(group, shadowValues, appendTensor(nil, Tensor{Name: name, Shape: []int{len(values)}, Data: values}))
		}
		b = appendMessage(b, recordShadows, group)
	}

	if state.Optimizer != nil {
		b = appendMessage(b, recordOptimizer, appendOptimizer(nil, state.Optimizer))
	}

	if state.Metadata.ID != "" {
		b = protowire.AppendTag(b, recordID, protowire.BytesType)
		b = protowire.AppendString(b, state.Metadata.ID)
	}
	if state.Metadata.RunID != "" {
		b = protowire.AppendTag(b, recordRunID, protowire.BytesType)
		b = protowire.AppendString(b, state.Metadata.RunID)
	}
	if !state.Metadata.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, recordCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(state.Metadata.CreatedAt.UnixNano()))
	}
	return b
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(b []byte) (*State, error) {
	state := &State{}
	var version uint64
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == recordVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			version = v
			return n, nil
		case num == recordGlobalStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			state.GlobalStep = int64(v)
			return n, nil
		case num == recordParameters && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := consumeTensor(msg)
			if err != nil {
				return 0, errors.Wrap(err, "parameter")
			}
			state.Parameters = append(state.Parameters, t)
			return n, nil
		case num == recordShadows && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			tracker, values, err := consumeShadowGroup(msg)
			if err != nil {
				return 0, errors.Wrap(err, "shadows")
			}
			if state.Shadows == nil {
				state.Shadows = make(map[string]map[string][]float64)
			}
			state.Shadows[tracker] = values
			return n, nil
		case num == recordOptimizer && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			opt, err := consumeOptimizer(msg)
			if err != nil {
				return 0, errors.Wrap(err, "optimizer")
			}
			state.Optimizer = opt
			return n, nil
		case num == recordID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			state.Metadata.ID = v
			return n, nil
		case num == recordRunID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			state.Metadata.RunID = v
			return n, nil
		case num == recordCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			state.Metadata.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, errors.Errorf("unsupported checkpoint version %d", version)
	}
	return state, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendTensor(b []byte, t Tensor) []byte {
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	if len(t.Shape) > 0 {
		var packed []byte
		for _, dim := range t.Shape {
			packed = protowire.AppendVarint(packed, uint64(dim))
		}
		b = appendMessage(b, tensorShape, packed)
	}
	if len(t.Data) > 0 {
		packed := make([]byte, 0, 8*len(t.Data))
		for _, v := range t.Data {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = appendMessage(b, tensorData, packed)
	}
	return b
}

func appendOptimizer(b []byte, opt *OptimizerState) []byte {
	b = protowire.AppendTag(b, optimizerType, protowire.BytesType)
	b = protowire.AppendString(b, opt.Type)
	for _, key := range sortedKeys(opt.Parameters) {
		var param []byte
		param = protowire.AppendTag(param, paramKey, protowire.BytesType)
		param = protowire.AppendString(param, key)
		param = protowire.AppendTag(param, paramValue, protowire.Fixed64Type)
		param = protowire.AppendFixed64(param, math.Float64bits(opt.Parameters[key]))
		b = appendMessage(b, optimizerParams, param)
	}
	for _, slot := range opt.Slots {
		b = appendMessage(b, optimizerSlots, appendTensor(nil, slot))
	}
	return b
}

func consumeTensor(b []byte) (Tensor, error) {
	var t Tensor
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == tensorName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			t.Name = v
			return n, nil
		case num == tensorShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				t.Shape = append(t.Shape, int(v))
				packed = packed[m:]
			}
			return n, nil
		case num == tensorShape && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			t.Shape = append(t.Shape, int(v))
			return n, nil
		case num == tensorData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n >= 0 && len(packed)%8 != 0 {
				return 0, errors.Errorf("tensor %q: packed data length %d is not a multiple of 8", t.Name, len(packed))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return m, nil
				}
				t.Data = append(t.Data, math.Float64frombits(v))
				packed = packed[m:]
			}
			return n, nil
		case num == tensorData && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			t.Data = append(t.Data, math.Float64frombits(v))
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return t, err
}

func consumeShadowGroup(b []byte) (string, map[string][]float64, error) {
	var tracker string
	values := make(map[string][]float64)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == shadowTracker && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			tracker = v
			return n, nil
		case num == shadowValues && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := consumeTensor(msg)
			if err != nil {
				return 0, err
			}
			values[t.Name] = t.Data
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return tracker, values, err
}

func consumeOptimizer(b []byte) (*OptimizerState, error) {
	opt := &OptimizerState{Parameters: make(map[string]float64)}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == optimizerType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			opt.Type = v
			return n, nil
		case num == optimizerParams && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var key string
			var value float64
			err := consumeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == paramKey && typ == protowire.BytesType:
					v, m := protowire.ConsumeString(b)
					key = v
					return m, nil
				case num == paramValue && typ == protowire.Fixed64Type:
					v, m := protowire.ConsumeFixed64(b)
					value = math.Float64frombits(v)
					return m, nil
				}
				return protowire.ConsumeFieldValue(num, typ, b), nil
			})
			if err != nil {
				return 0, err
			}
			opt.Parameters[key] = value
			return n, nil
		case num == optimizerSlots && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := consumeTensor(msg)
			if err != nil {
				return 0, err
			}
			opt.Slots = append(opt.Slots, t)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return opt, nil
}

// consumeFields walks the fields of one message. The callback consumes the value
// of a field and returns the number of bytes used, or a negative protowire error
// code.
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
