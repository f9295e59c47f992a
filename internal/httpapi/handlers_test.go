package httpapi

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"walletledger/internal/domain"
	"walletledger/internal/ledger"
)

func TestToEnvelopeMapsBusinessErrors(t *testing.T) {
	h := &Handlers{Log: zap.NewNop()}

	cases := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{"user not found", ledger.ErrUserNotFound, domain.ErrorKindUserNotFound},
		{"not enough money", ledger.ErrNotEnoughMoney, domain.ErrorKindNotEnoughMoney},
		{"invalid state", ledger.ErrInvalidState, domain.ErrorKindInvalidState},
		{"internal", errors.New("boom"), domain.ErrorKindInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := h.toEnvelope(tc.err, "corr-1")
			if out.Error == nil || out.Error.Kind != tc.kind {
				t.Fatalf("got %+v want kind %s", out.Error, tc.kind)
			}
		})
	}
}

func TestToEnvelopeMapsBadParameter(t *testing.T) {
	h := &Handlers{Log: zap.NewNop()}
	out := h.toEnvelope(&ledger.BadParameterError{Field: "currency"}, "corr-1")
	if out.Error == nil || out.Error.Kind != domain.ErrorKindBadParameter || out.Error.Name != "currency" {
		t.Fatalf("got %+v", out.Error)
	}
}

func TestBalanceOutputSerializesDecimalsAsStrings(t *testing.T) {
	out := balanceOutput(ledger.UserBalance{UserID: "alice"})
	if out.UserBalance.Value != "0" {
		t.Fatalf("expected zero-value decimal to render as string \"0\", got %q", out.UserBalance.Value)
	}
}
