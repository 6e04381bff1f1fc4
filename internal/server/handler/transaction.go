package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/service"
)

// maxProofUpload caps multipart proof-of-transfer uploads.
const maxProofUpload = 10 << 20

// DealService is what the transaction handler needs from the service layer.
type DealService interface {
	ProposeOffer(ctx context.Context, in service.OfferInput) (domain.Transaction, error)
	RespondToOffer(ctx context.Context, transactionID string, actor domain.Actor, resp service.Response) (domain.Transaction, error)
	SignAgreement(ctx context.Context, transactionID string, actor domain.Actor, kind domain.AgreementKind) (domain.Transaction, error)
	CompleteKyc2(ctx context.Context, transactionID string, actor domain.Actor) (domain.Transaction, error)
	ExecuteFundProtectionStep(ctx context.Context, transactionID string, stepType domain.StepType, actor domain.Actor, ev domain.StepEvidence) (domain.FundProtectionStep, error)
	GetTransactionStatus(ctx context.Context, transactionID string, actor domain.Actor) (service.TransactionView, error)
	ListTransactions(ctx context.Context, actor domain.Actor, status domain.TransactionStatus) ([]domain.Transaction, error)
	ConfirmCompletion(ctx context.Context, transactionID string, actor domain.Actor, rating int, review string) (domain.Transaction, error)
	Advance(ctx context.Context, transactionID string, actor domain.Actor) (domain.Transaction, error)
	Cancel(ctx context.Context, transactionID string, actor domain.Actor, reason string) (domain.Transaction, error)
}

// TransactionHandler serves the deal lifecycle endpoints.
type TransactionHandler struct {
	deals  DealService
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewTransactionHandler creates a TransactionHandler. blobs may be nil, which
// disables proof downloads.
func NewTransactionHandler(deals DealService, blobs domain.BlobReader, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{deals: deals, blobs: blobs, logger: logHandler(logger, "transactions")}
}

type proposeRequest struct {
	SellerID         string          `json:"seller_id"`
	PropertyID       string          `json:"property_id"`
	Price            decimal.Decimal `json:"price"`
	PaymentMethod    string          `json:"payment_method"`
	CryptoPercentage int             `json:"crypto_percentage"`
	FiatPercentage   int             `json:"fiat_percentage"`
	CryptoCurrency   string          `json:"crypto_currency"`
	Message          string          `json:"message"`
}

// Propose opens a deal; the caller is the buyer.
// POST /api/transactions
func (h *TransactionHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "propose", err)
		return
	}
	actor := actorOf(r)
	if actor.UserID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "user identity is required")
		return
	}
	t, err := h.deals.ProposeOffer(r.Context(), service.OfferInput{
		BuyerID:          actor.UserID,
		SellerID:         req.SellerID,
		PropertyID:       req.PropertyID,
		Price:            req.Price,
		PaymentMethod:    domain.PaymentMethod(strings.ToUpper(req.PaymentMethod)),
		CryptoPercentage: req.CryptoPercentage,
		FiatPercentage:   req.FiatPercentage,
		CryptoCurrency:   strings.ToUpper(req.CryptoCurrency),
		Message:          req.Message,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "propose", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionJSON(t))
}

// List returns the caller's deals, optionally filtered by ?status=.
// GET /api/transactions
func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.TransactionStatus(strings.ToUpper(r.URL.Query().Get("status")))
	txns, err := h.deals.ListTransactions(r.Context(), actorOf(r), status)
	if err != nil {
		writeDomainError(w, r, h.logger, "list", err)
		return
	}
	out := make([]transactionJSON, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTransactionJSON(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// Get returns the caller's view of one deal.
// GET /api/transactions/{id}
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.deals.GetTransactionStatus(r.Context(), r.PathValue("id"), actorOf(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toViewJSON(v))
}

type respondRequest struct {
	Action  string          `json:"action"`
	Price   decimal.Decimal `json:"price"`
	Message string          `json:"message"`
	Terms   string          `json:"terms"`
}

// Respond accepts, rejects or counters the latest proposal.
// POST /api/transactions/{id}/respond
func (h *TransactionHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "respond", err)
		return
	}
	t, err := h.deals.RespondToOffer(r.Context(), r.PathValue("id"), actorOf(r), service.Response{
		Action:  service.ResponseAction(strings.ToLower(req.Action)),
		Price:   req.Price,
		Message: req.Message,
		Terms:   req.Terms,
	})
	h.writeTransaction(w, r, "respond", t, err)
}

// Sign records the caller's signature on one agreement.
// POST /api/transactions/{id}/signatures
func (h *TransactionHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "sign", err)
		return
	}
	kind := domain.AgreementKind(strings.ToUpper(req.Kind))
	if kind != domain.AgreementPromissory && kind != domain.AgreementMediation {
		writeError(w, http.StatusBadRequest, "InvalidInput", "kind must be PROMISSORY or MEDIATION")
		return
	}
	t, err := h.deals.SignAgreement(r.Context(), r.PathValue("id"), actorOf(r), kind)
	h.writeTransaction(w, r, "sign", t, err)
}

// Kyc2 records the caller's tier-2 verification.
// POST /api/transactions/{id}/kyc2
func (h *TransactionHandler) Kyc2(w http.ResponseWriter, r *http.Request) {
	t, err := h.deals.CompleteKyc2(r.Context(), r.PathValue("id"), actorOf(r))
	h.writeTransaction(w, r, "kyc2", t, err)
}

// Advance applies every transition whose gate holds.
// POST /api/transactions/{id}/advance
func (h *TransactionHandler) Advance(w http.ResponseWriter, r *http.Request) {
	t, err := h.deals.Advance(r.Context(), r.PathValue("id"), actorOf(r))
	h.writeTransaction(w, r, "advance", t, err)
}

// Cancel withdraws from a deal that has not been agreed yet.
// POST /api/transactions/{id}/cancel
func (h *TransactionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "cancel", err)
		return
	}
	t, err := h.deals.Cancel(r.Context(), r.PathValue("id"), actorOf(r), req.Reason)
	h.writeTransaction(w, r, "cancel", t, err)
}

// ExecuteStep completes one fund-protection step. Evidence comes as JSON
// ({"tx_hash","proof_url"}) or as a multipart form with a "document" file.
// POST /api/transactions/{id}/steps/{type}
func (h *TransactionHandler) ExecuteStep(w http.ResponseWriter, r *http.Request) {
	stepType, err := domain.ParseStepType(r.PathValue("type"))
	if err != nil {
		writeDomainError(w, r, h.logger, "execute step", err)
		return
	}
	ev, err := readEvidence(w, r)
	if err != nil {
		writeDomainError(w, r, h.logger, "execute step", err)
		return
	}
	step, err := h.deals.ExecuteFundProtectionStep(r.Context(), r.PathValue("id"), stepType, actorOf(r), ev)
	if err != nil {
		writeDomainError(w, r, h.logger, "execute step", err)
		return
	}
	writeJSON(w, http.StatusOK, toStepJSON(step))
}

func readEvidence(w http.ResponseWriter, r *http.Request) (domain.StepEvidence, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req struct {
			TxHash   string `json:"tx_hash"`
			ProofURL string `json:"proof_url"`
		}
		if err := decodeJSON(r, &req); err != nil {
			return domain.StepEvidence{}, err
		}
		return domain.StepEvidence{TxHash: req.TxHash, ProofURL: req.ProofURL}, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxProofUpload)
	if err := r.ParseMultipartForm(maxProofUpload); err != nil {
		return domain.StepEvidence{}, domain.Errorf(domain.ErrInvalidInput, "invalid multipart form: %v", err)
	}
	ev := domain.StepEvidence{
		TxHash:   r.FormValue("tx_hash"),
		ProofURL: r.FormValue("proof_url"),
	}
	file, header, err := r.FormFile("document")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return ev, nil
	case err != nil:
		return domain.StepEvidence{}, domain.Errorf(domain.ErrInvalidInput, "read document: %v", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return domain.StepEvidence{}, domain.Errorf(domain.ErrInvalidInput, "read document: %v", err)
	}
	ev.Document = data
	ev.DocumentName = header.Filename
	ev.DocumentContentType = header.Header.Get("Content-Type")
	return ev, nil
}

// Proof streams the proof-of-transfer document stored for a step.
// GET /api/transactions/{id}/steps/{type}/proof
func (h *TransactionHandler) Proof(w http.ResponseWriter, r *http.Request) {
	stepType, err := domain.ParseStepType(r.PathValue("type"))
	if err != nil {
		writeDomainError(w, r, h.logger, "proof", err)
		return
	}
	v, err := h.deals.GetTransactionStatus(r.Context(), r.PathValue("id"), actorOf(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "proof", err)
		return
	}
	var proofURL string
	for _, s := range v.Steps {
		if s.StepType == stepType {
			proofURL = s.ProofURL
		}
	}
	if proofURL == "" {
		writeError(w, http.StatusNotFound, "NotFound", "no proof recorded for "+string(stepType))
		return
	}
	key, ok := "", false
	if h.blobs != nil {
		key, ok = h.blobs.PathFromURL(proofURL)
	}
	if !ok {
		// Caller-supplied links are not ours to serve.
		http.Redirect(w, r, proofURL, http.StatusFound)
		return
	}
	body, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		writeDomainError(w, r, h.logger, "proof", err)
		return
	}
	defer body.Close()

	ct := mime.TypeByExtension(path.Ext(key))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "stream proof failed",
			slog.String("path", key),
			slog.String("error", err.Error()),
		)
	}
}

type confirmRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

// Confirm records the caller's completion confirmation and rating.
// POST /api/transactions/{id}/confirm
func (h *TransactionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "confirm", err)
		return
	}
	t, err := h.deals.ConfirmCompletion(r.Context(), r.PathValue("id"), actorOf(r), req.Rating, req.Review)
	h.writeTransaction(w, r, "confirm", t, err)
}

func (h *TransactionHandler) writeTransaction(w http.ResponseWriter, r *http.Request, op string, t domain.Transaction, err error) {
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionJSON(t))
}
