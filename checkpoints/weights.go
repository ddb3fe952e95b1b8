package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/voxtea/voxtrain/tensor"
)

// Weights file wire format, protobuf compatible:
//
//	message WeightsFile {
//	  uint64 version = 1;
//	  repeated TensorRecord tensors = 2;
//	}
//	message TensorRecord {
//	  string name = 1;
//	  repeated int64 shape = 2 [packed];
//	  bytes data = 3;  // little-endian float32
//	}
const weightsFormatVersion = 1

// NamedTensor is one decoded weight entry.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// EncodeWeights serializes parameters to the weights wire format.
// names and params are parallel.
func EncodeWeights(names []string, params []*tensor.Tensor) ([]byte, error) {
	if len(names) != len(params) {
		return nil, fmt.Errorf("name count %d does not match parameter count %d", len(names), len(params))
	}
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, weightsFormatVersion)

	for i, p := range params {
		data, err := p.Float32Slice()
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", names[i], err)
		}

		var shapeBuf []byte
		for _, d := range p.Shape {
			shapeBuf = protowire.AppendVarint(shapeBuf, uint64(d))
		}
		raw := make([]byte, 4*len(data))
		for j, v := range data {
			binary.LittleEndian.PutUint32(raw[4*j:], math.Float32bits(v))
		}

		var rec []byte
		rec = protowire.AppendTag(rec, 1, protowire.BytesType)
		rec = protowire.AppendString(rec, names[i])
		rec = protowire.AppendTag(rec, 2, protowire.BytesType)
		rec = protowire.AppendBytes(rec, shapeBuf)
		rec = protowire.AppendTag(rec, 3, protowire.BytesType)
		rec = protowire.AppendBytes(rec, raw)

		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec)
	}
	return buf, nil
}

// DecodeWeights parses the weights wire format back into named
// tensors in file order.
func DecodeWeights(buf []byte) ([]NamedTensor, error) {
	var out []NamedTensor
	versionSeen := false
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("malformed weights data: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("malformed version field: %w", protowire.ParseError(n))
			}
			if v != weightsFormatVersion {
				return nil, fmt.Errorf("unsupported weights format version %d", v)
			}
			versionSeen = true
			buf = buf[n:]
		case num == 2 && typ == protowire.BytesType:
			rec, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("malformed tensor record: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
			nt, err := decodeTensorRecord(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, nt)
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	if !versionSeen {
		return nil, fmt.Errorf("weights data missing version field")
	}
	return out, nil
}

func decodeTensorRecord(rec []byte) (NamedTensor, error) {
	var nt NamedTensor
	for len(rec) > 0 {
		num, typ, n := protowire.ConsumeTag(rec)
		if n < 0 {
			return nt, fmt.Errorf("malformed tensor record: %w", protowire.ParseError(n))
		}
		rec = rec[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(rec)
			if n < 0 {
				return nt, fmt.Errorf("malformed tensor name: %w", protowire.ParseError(n))
			}
			nt.Name = s
			rec = rec[n:]
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(rec)
			if n < 0 {
				return nt, fmt.Errorf("malformed tensor shape: %w", protowire.ParseError(n))
			}
			rec = rec[n:]
			for len(packed) > 0 {
				d, dn := protowire.ConsumeVarint(packed)
				if dn < 0 {
					return nt, fmt.Errorf("malformed shape entry: %w", protowire.ParseError(dn))
				}
				nt.Shape = append(nt.Shape, int(d))
				packed = packed[dn:]
			}
		case num == 3 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(rec)
			if n < 0 {
				return nt, fmt.Errorf("malformed tensor data: %w", protowire.ParseError(n))
			}
			rec = rec[n:]
			if len(raw)%4 != 0 {
				return nt, fmt.Errorf("tensor data length %d is not a multiple of 4", len(raw))
			}
			nt.Data = make([]float32, len(raw)/4)
			for j := range nt.Data {
				nt.Data[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j:]))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, rec)
			if n < 0 {
				return nt, fmt.Errorf("malformed tensor field %d: %w", num, protowire.ParseError(n))
			}
			rec = rec[n:]
		}
	}
	if nt.Name == "" {
		return nt, fmt.Errorf("tensor record missing name")
	}
	expected := 1
	for _, d := range nt.Shape {
		expected *= d
	}
	if len(nt.Shape) == 0 || expected != len(nt.Data) {
		return nt, fmt.Errorf("tensor %q shape %v does not match %d data elements", nt.Name, nt.Shape, len(nt.Data))
	}
	return nt, nil
}

// WriteWeightsFile encodes and writes the parameters to path.
func WriteWeightsFile(path string, names []string, params []*tensor.Tensor) error {
	buf, err := EncodeWeights(names, params)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}
	return nil
}

// ReadWeightsFile reads and decodes a weights file into a name
// indexed map.
func ReadWeightsFile(path string) (map[string]NamedTensor, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	list, err := DecodeWeights(buf)
	if err != nil {
		return nil, err
	}
	out := make(map[string]NamedTensor, len(list))
	for _, nt := range list {
		if _, dup := out[nt.Name]; dup {
			return nil, fmt.Errorf("duplicate tensor %q in weights file", nt.Name)
		}
		out[nt.Name] = nt
	}
	return out, nil
}
