// Package wire decodes and encodes the SubMessage payload carried by one
// ingest connection:
//
//	message SubMessage {
//	  repeated int32 ids  = 1;
//	  repeated int32 subs = 2;
//	}
//
// Both packed and unpacked encodings of the repeated fields are accepted.
package wire

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldIDs  protowire.Number = 1
	fieldSubs protowire.Number = 2
)

// ErrLengthMismatch is returned when ids and subs are not positionally paired.
var ErrLengthMismatch = errors.New("ids and subs differ in length")

// SubMessage carries parallel lists of channel ids and subscriber deltas.
type SubMessage struct {
	IDs  []int32
	Subs []int32
}

// Len returns the number of id/sub pairs.
func (m SubMessage) Len() int { return min(len(m.IDs), len(m.Subs)) }

// Unmarshal decodes b. Unknown fields are skipped.
func Unmarshal(b []byte) (SubMessage, error) {
	var m SubMessage

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return SubMessage{}, errors.Wrap(protowire.ParseError(n), "read tag")
		}

		b = b[n:]

		var dst *[]int32

		switch num {
		case fieldIDs:
			dst = &m.IDs
		case fieldSubs:
			dst = &m.Subs
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return SubMessage{}, errors.Wrapf(protowire.ParseError(n), "skip field %d", num)
			}

			b = b[n:]

			continue
		}

		n, err := consumeInt32s(typ, b, dst)
		if err != nil {
			return SubMessage{}, errors.Wrapf(err, "field %d", num)
		}

		b = b[n:]
	}

	if len(m.IDs) != len(m.Subs) {
		return SubMessage{}, errors.Wrapf(ErrLengthMismatch, "%d ids, %d subs", len(m.IDs), len(m.Subs))
	}

	return m, nil
}

func consumeInt32s(typ protowire.Type, b []byte, dst *[]int32) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}

		*dst = append(*dst, int32(v))

		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}

		for len(packed) > 0 {
			v, vn := protowire.ConsumeVarint(packed)
			if vn < 0 {
				return 0, protowire.ParseError(vn)
			}

			*dst = append(*dst, int32(v))
			packed = packed[vn:]
		}

		return n, nil
	default:
		return 0, errors.Errorf("unexpected wire type %d", typ)
	}
}

// Marshal encodes m using packed repeated fields. Empty lists are omitted.
func Marshal(m SubMessage) []byte {
	var b []byte

	b = appendPacked(b, fieldIDs, m.IDs)
	b = appendPacked(b, fieldSubs, m.Subs)

	return b
}

func appendPacked(b []byte, num protowire.Number, vs []int32) []byte {
	if len(vs) == 0 {
		return b
	}

	var payload []byte
	for _, v := range vs {
		// int32 is sign-extended to 64 bits on the wire.
		payload = protowire.AppendVarint(payload, uint64(int64(v)))
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, payload)
}
