package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"walletledger/internal/codec"
	"walletledger/internal/domain"
	"walletledger/internal/ledger"
	"walletledger/internal/workerpool"
)

// Handlers dispatches each endpoint's engine operation onto Pool, keeping the
// HTTP acceptor goroutine free for the next connection (spec.md §5). The
// post-operation balance read of the mutating endpoints (top-up, reserve,
// commit, cancel) runs directly on the request goroutine, not through Pool.
type Handlers struct {
	Engine *ledger.Engine
	Pool   *workerpool.Pool
	Log    *zap.Logger
}

func NewHandlers(engine *ledger.Engine, pool *workerpool.Pool, log *zap.Logger) *Handlers {
	return &Handlers{Engine: engine, Pool: pool, Log: log}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func correlationID(r *http.Request) string {
	if v := r.Header.Get("X-Correlation-Id"); v != "" {
		return v
	}
	return uuid.NewString()
}

// writeEnvelope encodes out in the format negotiated from the request's
// Accept header. HTTP status is always 200; the envelope is the primary
// error channel (spec.md §6).
func (h *Handlers) writeEnvelope(w http.ResponseWriter, r *http.Request, out domain.GenericOutput) {
	ct := codec.NegotiateResponse(r.Header.Get("Accept"))
	body, err := codec.EncodeOutput(out, ct)
	if err != nil {
		h.Log.Error("encode response failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func errorOutput(kind domain.ErrorKind, name string) domain.GenericOutput {
	return domain.GenericOutput{Error: &domain.EngineError{Kind: kind, Name: name}}
}

func balanceOutput(b ledger.UserBalance) domain.GenericOutput {
	return domain.GenericOutput{UserBalance: &domain.UserBalanceData{
		UserID:        b.UserID,
		Currency:      b.Currency,
		Value:         b.Value.String(),
		ReservedValue: b.Reserved.String(),
		IsOverdraft:   b.IsOverdraft,
	}}
}

// toEnvelope maps an engine error into the tagged-union error envelope,
// logging Internal failures once at the boundary with the correlation id
// (spec.md §7 propagation policy; teacher's publicErrMessage pattern of
// never leaking driver error text past this layer).
func (h *Handlers) toEnvelope(err error, corr string) domain.GenericOutput {
	if bp, ok := ledger.AsBadParameter(err); ok {
		h.Log.Debug("bad parameter", zap.String("field", bp.Field), zap.String("correlationId", corr))
		return errorOutput(domain.ErrorKindBadParameter, bp.Field)
	}
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return errorOutput(domain.ErrorKindUserNotFound, "")
	case errors.Is(err, ledger.ErrNotEnoughMoney):
		return errorOutput(domain.ErrorKindNotEnoughMoney, "")
	case errors.Is(err, ledger.ErrInvalidState):
		return errorOutput(domain.ErrorKindInvalidState, "")
	case errors.Is(err, ledger.ErrTransient):
		h.Log.Warn("transient ledger failure", zap.Error(err), zap.String("correlationId", corr))
		return errorOutput(domain.ErrorKindInternal, "")
	default:
		h.Log.Error("internal ledger failure", zap.Error(err), zap.String("correlationId", corr))
		return errorOutput(domain.ErrorKindInternal, "")
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func (h *Handlers) TopUp(w http.ResponseWriter, r *http.Request) {
	corr := correlationID(r)
	body, err := readBody(r)
	if err != nil {
		h.writeEnvelope(w, r, errorOutput(domain.ErrorKindBadParameter, "body"))
		return
	}
	var in domain.TopUpInput
	if err := codec.DecodeInto(body, r.Header.Get("Content-Type"), &in); err != nil {
		h.writeEnvelope(w, r, errorOutput(domain.ErrorKindBadParameter, "body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	_, err = workerpool.Submit(ctx, h.Pool, func(ctx context.Context) (struct{}, error) {
		_, txErr := h.Engine.TopUp(ctx, in.IdempotencyKey, in.UserID, in.Currency, in.Value, in.MerchantData)
		return struct{}{}, txErr
	})
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}

	bal, err := h.Engine.LoadBalance(ctx, in.UserID)
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}
	h.writeEnvelope(w, r, balanceOutput(bal))
}

func (h *Handlers) Reserve(w http.ResponseWriter, r *http.Request) {
	corr := correlationID(r)
	body, err := readBody(r)
	if err != nil {
		h.writeEnvelope(w, r, errorOutput(domain.ErrorKindBadParameter, "body"))
		return
	}
	var in domain.ReserveInput
	if err := codec.DecodeInto(body, r.Header.Get("Content-Type"), &in); err != nil {
		h.writeEnvelope(w, r, errorOutput(domain.ErrorKindBadParameter, "body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	_, err = workerpool.Submit(ctx, h.Pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.Engine.Reserve(ctx, in.UserID, in.Currency, in.Value, in.OrderID, in.ItemID)
	})
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}

	bal, err := h.Engine.LoadBalance(ctx, in.UserID)
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}
	h.writeEnvelope(w, r, balanceOutput(bal))
}

func (h *Handlers) Commit(w http.ResponseWriter, r *http.Request) {
	corr := correlationID(r)
	body, err := readBody(r)
	if err != nil {
		h.writeEnvelope(w, r, errorOutput(domain.ErrorKindBadParameter, "body"))
		return
	}
	var in domain.CommitInput
	if err := codec.DecodeInto(body, r.Header.Get("Content-Type"), &in); err != nil {
		h.writeEnvelope(w, r, errorOutput(domain.ErrorKindBadParameter, "body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	result, err := workerpool.Submit(ctx, h.Pool, func(ctx context.Context) (ledger.CommitResult, error) {
		return h.Engine.Commit(ctx, in.OrderID)
	})
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}

	bal, err := h.Engine.LoadBalance(ctx, result.UserID)
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}
	h.writeEnvelope(w, r, balanceOutput(bal))
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	corr := correlationID(r)
	body, err := readBody(r)
	if err != nil {
		h.writeEnvelope(w, r, errorOutput(domain.ErrorKindBadParameter, "body"))
		return
	}
	var in domain.CancelInput
	if err := codec.DecodeInto(body, r.Header.Get("Content-Type"), &in); err != nil {
		h.writeEnvelope(w, r, errorOutput(domain.ErrorKindBadParameter, "body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	_, err = workerpool.Submit(ctx, h.Pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.Engine.Cancel(ctx, in.OrderID, in.UserID)
	})
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}

	bal, err := h.Engine.LoadBalance(ctx, in.UserID)
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}
	h.writeEnvelope(w, r, balanceOutput(bal))
}

func (h *Handlers) LoadBalance(w http.ResponseWriter, r *http.Request) {
	corr := correlationID(r)
	userID := chi.URLParam(r, "userID")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bal, err := workerpool.Submit(ctx, h.Pool, func(ctx context.Context) (ledger.UserBalance, error) {
		return h.Engine.LoadBalance(ctx, userID)
	})
	if err != nil {
		h.writeEnvelope(w, r, h.toEnvelope(err, corr))
		return
	}
	h.writeEnvelope(w, r, balanceOutput(bal))
}
