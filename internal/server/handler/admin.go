package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// Operator is the operator-only slice of the deal service.
type Operator interface {
	Fail(ctx context.Context, transactionID string, reason string) (domain.Transaction, error)
}

// AdminHandler serves operator endpoints; routes are mounted behind Auth.
type AdminHandler struct {
	ops    Operator
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(ops Operator, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{ops: ops, logger: logHandler(logger, "admin")}
}

// Fail moves a deal to FAILED.
// POST /api/admin/transactions/{id}/fail
func (h *AdminHandler) Fail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "fail", err)
		return
	}
	t, err := h.ops.Fail(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeDomainError(w, r, h.logger, "fail", err)
		return
	}
	h.logger.InfoContext(r.Context(), "transaction failed by operator",
		slog.String("transaction_id", t.ID),
		slog.String("reason", req.Reason),
	)
	writeJSON(w, http.StatusOK, toTransactionJSON(t))
}
