package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// archiveBatchSize bounds one list-upload-prune cycle so a long backlog
// cannot hold a transaction or build an unbounded buffer.
const archiveBatchSize = 5_000

// Archiver moves settled positions out of the durable store into JSONL
// objects under archive/positions/. Rows are pruned only after the uploaded
// object is confirmed present, so a failed upload leaves the rows in place
// for the next run.
type Archiver struct {
	store  domain.PositionArchive
	writer *Writer
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver over the given store and writer.
func NewArchiver(store domain.PositionArchive, writer *Writer, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		writer: writer,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchivePositions uploads and prunes every position liquidated strictly
// before the cutoff, in batches. Returns the number of positions archived.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	var total int64

	for seq := 0; ; seq++ {
		batch, err := a.store.ListLiquidatedBefore(ctx, before, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		key := archiveKey(before, a.now().UTC(), seq)
		if err := a.uploadBatch(ctx, key, batch); err != nil {
			return total, err
		}

		ids := make([]string, len(batch))
		for i, pos := range batch {
			ids[i] = pos.ID
		}
		if err := a.store.Prune(ctx, ids); err != nil {
			// The object is already uploaded; the rows will be re-archived
			// under a new key next run, which duplicates data but loses none.
			return total, fmt.Errorf("s3blob: prune archived rows: %w", err)
		}

		total += int64(len(batch))
		a.logger.InfoContext(ctx, "position batch archived",
			slog.String("key", key),
			slog.Int("count", len(batch)))

		if len(batch) < archiveBatchSize {
			return total, nil
		}
	}
}

// uploadBatch serializes one batch to JSONL, uploads it, and confirms the
// object exists before the caller prunes.
func (a *Archiver) uploadBatch(ctx context.Context, key string, batch []domain.Position) error {
	records := make([]archivedPositionJSON, len(batch))
	for i, pos := range batch {
		records[i] = toArchiveRecord(pos)
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	if err := a.writer.Put(ctx, key, buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}

	ok, err := a.writer.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("s3blob: archive verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("s3blob: archive verify: object %s missing after upload", key)
	}

	return nil
}

// archiveKey builds the object key for one batch, partitioned by the cutoff
// month and suffixed with the run time so repeated runs never overwrite an
// earlier archive of already-pruned rows.
//
//	archive/positions/2026-08/20260828T031500Z-0.jsonl
func archiveKey(before, runAt time.Time, seq int) string {
	return fmt.Sprintf("archive/positions/%s/%s-%d.jsonl",
		before.Format("2006-01"), runAt.Format("20060102T150405Z"), seq)
}

// archivedPositionJSON is the JSONL wire form of a settled position. Amounts
// stay decimal strings.
type archivedPositionJSON struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	PoolID        string           `json:"pool_id"`
	BaseAsset     string           `json:"base_asset"`
	Principal     decimal.Decimal  `json:"principal"`
	LowerRangePct int32            `json:"lower_range_pct"`
	UpperRangePct int32            `json:"upper_range_pct"`
	Status        string           `json:"status"`
	ExecutionID   *string          `json:"execution_id,omitempty"`
	Liquidity     *decimal.Decimal `json:"liquidity,omitempty"`
	Returned      *decimal.Decimal `json:"returned,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
	LiquidatedAt  *time.Time       `json:"liquidated_at,omitempty"`
}

func toArchiveRecord(pos domain.Position) archivedPositionJSON {
	return archivedPositionJSON{
		ID:            pos.ID,
		UserID:        pos.UserID,
		PoolID:        pos.PoolID,
		BaseAsset:     pos.BaseAsset,
		Principal:     pos.Principal,
		LowerRangePct: pos.LowerRangePct,
		UpperRangePct: pos.UpperRangePct,
		Status:        string(pos.Status),
		ExecutionID:   pos.ExecutionID,
		Liquidity:     pos.Liquidity,
		Returned:      pos.Returned,
		CreatedAt:     pos.CreatedAt,
		ExecutedAt:    pos.ExecutedAt,
		LiquidatedAt:  pos.LiquidatedAt,
	}
}

// marshalJSONL serializes records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
