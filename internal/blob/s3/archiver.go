package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// DealArchiver writes a finished deal (the transaction, its negotiation
// chain, status history, fund-protection steps and escrow) to object storage
// as one JSONL document. Rows are never deleted from the primary store.
type DealArchiver struct {
	writer domain.BlobWriter
	store  domain.Store
	logger *slog.Logger
}

// NewDealArchiver creates a DealArchiver.
func NewDealArchiver(writer domain.BlobWriter, store domain.Store, logger *slog.Logger) *DealArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DealArchiver{
		writer: writer,
		store:  store,
		logger: logger.With(slog.String("component", "deal_archiver")),
	}
}

// archiveRecord is one JSONL line; Kind tells readers how to decode Data.
type archiveRecord struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// ArchiveDeal snapshots a terminal transaction and returns the object URL.
func (a *DealArchiver) ArchiveDeal(ctx context.Context, transactionID string) (string, error) {
	r := a.store.Repos()
	t, err := r.Transactions.Get(ctx, transactionID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive deal: %w", err)
	}
	if !t.Status.Terminal() {
		return "", domain.Errorf(domain.ErrPreconditionFailed, "transaction %s is %s, not finished", t.ID, t.Status)
	}

	offers, err := r.CounterOffers.ListByTransaction(ctx, t.ID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive deal counter-offers: %w", err)
	}
	history, err := r.History.ListByTransaction(ctx, t.ID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive deal history: %w", err)
	}
	steps, err := r.Steps.ListByTransaction(ctx, t.ID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive deal steps: %w", err)
	}

	records := make([]archiveRecord, 0, 2+len(offers)+len(history)+len(steps))
	records = append(records, archiveRecord{Kind: "transaction", Data: t})
	for _, o := range offers {
		records = append(records, archiveRecord{Kind: "counter_offer", Data: o})
	}
	for _, h := range history {
		records = append(records, archiveRecord{Kind: "status_history", Data: h})
	}
	for _, s := range steps {
		records = append(records, archiveRecord{Kind: "step", Data: s})
	}
	escrow, err := r.Escrow.Get(ctx, t.ID)
	switch {
	case err == nil:
		records = append(records, archiveRecord{Kind: "escrow", Data: escrow})
	case !errors.Is(err, domain.ErrNotFound):
		return "", fmt.Errorf("s3blob: archive deal escrow: %w", err)
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive deal marshal: %w", err)
	}
	path := archivePath(t.ID, t.UpdatedAt)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive deal upload: %w", err)
	}

	a.logger.InfoContext(ctx, "deal archived",
		slog.String("transaction_id", t.ID),
		slog.String("status", string(t.Status)),
		slog.String("path", path),
		slog.Int("records", len(records)),
	)
	return a.writer.URL(path), nil
}

// archivePath partitions deal archives by the month the deal finished.
//
//	archive/deals/2026-10/<transaction id>.jsonl
func archivePath(transactionID string, finished time.Time) string {
	return fmt.Sprintf("archive/deals/%s/%s.jsonl", finished.UTC().Format("2006-01"), transactionID)
}

// marshalJSONL serializes a slice to newline-delimited JSON.
func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
