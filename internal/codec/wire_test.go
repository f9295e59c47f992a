package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"walletledger/internal/domain"
)

func TestNegotiateResponse(t *testing.T) {
	require.Equal(t, ContentTypeProtobuf, NegotiateResponse("application/x-protobuf"))
	require.Equal(t, ContentTypeJSON, NegotiateResponse(""))
	require.Equal(t, ContentTypeJSON, NegotiateResponse("text/plain"))
	require.Equal(t, ContentTypeProtobuf, NegotiateResponse("application/json, application/x-protobuf;q=0.9"))
}

func TestEncodeOutputRoundTripJSON(t *testing.T) {
	out := domain.GenericOutput{UserBalance: &domain.UserBalanceData{
		UserID: "alice", Currency: "USD", Value: "100", ReservedValue: "0", IsOverdraft: false,
	}}
	b, err := EncodeOutput(out, ContentTypeJSON)
	require.NoError(t, err)
	require.Contains(t, string(b), `"userId":"alice"`)
}

func TestEncodeOutputProtobufDecodesBack(t *testing.T) {
	out := domain.GenericOutput{Error: &domain.EngineError{Kind: domain.ErrorKindNotEnoughMoney}}
	b, err := EncodeOutput(out, ContentTypeProtobuf)
	require.NoError(t, err)
	require.NotEmpty(t, b)

	fields, err := decodeFieldsPB(b)
	require.NoError(t, err)
	// field 2 (error) is length-delimited; decode it as its own message.
	inner, err := decodeFieldsPB([]byte(fields[2]))
	require.NoError(t, err)
	require.Equal(t, string(domain.ErrorKindNotEnoughMoney), inner[1])
}

func TestDecodeIntoTopUpInputProtobuf(t *testing.T) {
	var b []byte
	b = appendStringField(b, 1, "key1")
	b = appendStringField(b, 2, "alice")
	b = appendStringField(b, 3, "USD")
	b = appendStringField(b, 4, "100")

	var in domain.TopUpInput
	require.NoError(t, DecodeInto(b, ContentTypeProtobuf, &in))
	require.Equal(t, "key1", in.IdempotencyKey)
	require.Equal(t, "alice", in.UserID)
	require.Equal(t, "USD", in.Currency)
	require.Equal(t, "100", in.Value)
}

func TestDecodeIntoTopUpInputJSON(t *testing.T) {
	var in domain.TopUpInput
	require.NoError(t, DecodeInto([]byte(`{"userId":"alice","currency":"USD","value":"100","idempotencyKey":"k1"}`), ContentTypeJSON, &in))
	require.Equal(t, "alice", in.UserID)
}
