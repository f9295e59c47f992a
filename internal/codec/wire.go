// Package codec encodes/decodes the GenericOutput envelope as either JSON
// or Protobuf, content-negotiated per spec.md §4.5/§6. No .proto file is
// compiled here (no protoc in this build); the wire format below is
// hand-encoded against google.golang.org/protobuf/encoding/protowire,
// following the field layout original_source/src/responses.rs encodes
// with prost:
//
//	message UserBalanceData {
//	  string user_id = 1;
//	  string currency = 2;
//	  string value = 3;
//	  string reserved_value = 4;
//	  bool is_overdraft = 5;
//	}
//	message EngineError {
//	  string kind = 1;
//	  string name = 2;
//	}
//	message GenericOutput {
//	  UserBalanceData user_balance = 1;
//	  EngineError error = 2;
//	}
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"walletledger/internal/domain"
)

// ContentTypeJSON and ContentTypeProtobuf are the two wire formats this
// codec supports.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// NegotiateResponse selects protobuf iff the Accept header literally
// contains "application/x-protobuf"; every other value, including absence,
// defaults to JSON (spec.md §4.5).
func NegotiateResponse(accept string) string {
	if strings.Contains(accept, ContentTypeProtobuf) {
		return ContentTypeProtobuf
	}
	return ContentTypeJSON
}

// EncodeOutput serializes a GenericOutput in the negotiated format.
func EncodeOutput(out domain.GenericOutput, contentType string) ([]byte, error) {
	if contentType == ContentTypeProtobuf {
		return encodeOutputPB(out), nil
	}
	return json.Marshal(out)
}

// DecodeInto decodes a request body shaped like v (a *domain.TopUpInput,
// *domain.ReserveInput, *domain.CommitInput, or *domain.CancelInput) from
// either JSON or Protobuf depending on contentType.
func DecodeInto(body []byte, contentType string, v any) error {
	if strings.Contains(contentType, ContentTypeProtobuf) {
		return decodeRequestPB(body, v)
	}
	return json.Unmarshal(body, v)
}

// --- GenericOutput protobuf encode ---

func encodeOutputPB(out domain.GenericOutput) []byte {
	var b []byte
	if out.UserBalance != nil {
		msg := encodeUserBalancePB(*out.UserBalance)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	if out.Error != nil {
		msg := encodeErrorPB(*out.Error)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

func encodeUserBalancePB(d domain.UserBalanceData) []byte {
	var b []byte
	b = appendStringField(b, 1, d.UserID)
	b = appendStringField(b, 2, d.Currency)
	b = appendStringField(b, 3, d.Value)
	b = appendStringField(b, 4, d.ReservedValue)
	if d.IsOverdraft {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func encodeErrorPB(e domain.EngineError) []byte {
	var b []byte
	b = appendStringField(b, 1, string(e.Kind))
	b = appendStringField(b, 2, e.Name)
	return b
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

// --- Request message protobuf decode ---
//
// Request messages mirror their JSON field order 1:1 (field N is the Nth
// struct field) so one generic decode loop serves all four input shapes.

func decodeRequestPB(body []byte, v any) error {
	fields, err := decodeFieldsPB(body)
	if err != nil {
		return err
	}
	switch req := v.(type) {
	case *domain.TopUpInput:
		req.IdempotencyKey = fields[1]
		req.UserID = fields[2]
		req.Currency = fields[3]
		req.Value = fields[4]
		req.MerchantData = fields[5]
	case *domain.ReserveInput:
		req.UserID = fields[1]
		req.Currency = fields[2]
		req.Value = fields[3]
		req.OrderID = fields[4]
		req.ItemID = fields[5]
	case *domain.CommitInput:
		req.OrderID = fields[1]
	case *domain.CancelInput:
		req.OrderID = fields[1]
		req.UserID = fields[2]
	default:
		return fmt.Errorf("codec: unsupported protobuf request type %T", v)
	}
	return nil
}

// decodeFieldsPB walks the wire format once, collecting the last string
// value seen per field number (protobuf's "last one wins" rule for
// singular scalar fields).
func decodeFieldsPB(b []byte) (map[protowire.Number]string, error) {
	fields := make(map[protowire.Number]string)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			fields[num] = string(val)
			b = b[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return fields, nil
}
