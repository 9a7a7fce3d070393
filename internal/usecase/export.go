package usecase

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/givehub/crm-relay/internal/domain"
)

// ExportFormat selects the export encoding.
type ExportFormat string

// Supported export formats.
const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
	FormatXLSX ExportFormat = "xlsx"
)

// exportBatchSize is how many rows each repository page carries during an
// export; the output itself is never paginated.
const exportBatchSize = 5000

var exportHeader = []string{
	"id", "action", "method", "endpoint", "type", "reference_id",
	"external_id", "status_code", "status_message", "ip_address",
	"duration_ms", "is_delivered", "created_at",
}

func exportRow(e domain.AuditEntry) []string {
	msg := ""
	if e.StatusMessage != nil {
		msg = *e.StatusMessage
	}
	return []string{
		e.ID, e.Action, e.Method, e.Endpoint, e.Type, e.ReferenceID,
		e.ExternalID, strconv.Itoa(e.StatusCode), msg, e.IPAddress,
		strconv.FormatInt(e.DurationMS, 10), strconv.FormatBool(e.IsDelivered),
		e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ExportService streams filtered audit entries to a writer in the requested
// format, paging through the full match set in fixed-size batches.
type ExportService struct {
	Audit domain.AuditRepository
}

// NewExportService constructs an ExportService with the given repo.
func NewExportService(a domain.AuditRepository) ExportService { return ExportService{Audit: a} }

// ContentType returns the MIME type for a format.
func (ExportService) ContentType(format ExportFormat) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Export writes every matching entry to w.
func (s ExportService) Export(ctx domain.Context, f domain.AuditFilter, format ExportFormat, w io.Writer) error {
	switch format {
	case FormatCSV:
		return s.exportCSV(ctx, f, w)
	case FormatJSON:
		return s.exportJSON(ctx, f, w)
	case FormatXLSX:
		return s.exportXLSX(ctx, f, w)
	default:
		return fmt.Errorf("op=export: format %q: %w", format, domain.ErrInvalidArgument)
	}
}

// exportCSV emits a UTF-8 BOM then RFC-4180 rows with CRLF line endings, as
// the downstream spreadsheet importers expect.
func (s ExportService) exportCSV(ctx domain.Context, f domain.AuditFilter, w io.Writer) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("op=export.csv: %w", err)
	}
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("op=export.csv: %w", err)
	}
	err := s.Audit.Walk(ctx, f, exportBatchSize, func(e domain.AuditEntry) error {
		return cw.Write(exportRow(e))
	})
	if err != nil {
		return fmt.Errorf("op=export.csv: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("op=export.csv: %w", err)
	}
	return nil
}

func (s ExportService) exportJSON(ctx domain.Context, f domain.AuditFilter, w io.Writer) error {
	if _, err := w.Write([]byte("[")); err != nil {
		return fmt.Errorf("op=export.json: %w", err)
	}
	enc := json.NewEncoder(w)
	first := true
	err := s.Audit.Walk(ctx, f, exportBatchSize, func(e domain.AuditEntry) error {
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		return enc.Encode(e)
	})
	if err != nil {
		return fmt.Errorf("op=export.json: %w", err)
	}
	if _, err := w.Write([]byte("]")); err != nil {
		return fmt.Errorf("op=export.json: %w", err)
	}
	return nil
}

var itemHeader = []string{
	"id", "name", "state", "attempts_made", "max_attempts", "priority",
	"failed_reason", "stalled_count", "enqueued_at", "started_at", "finished_at",
}

func itemRow(it domain.QueuedItem) []string {
	fmtTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	return []string{
		it.ID, it.Name, string(it.State), strconv.Itoa(it.AttemptsMade),
		strconv.Itoa(it.MaxAttempts), strconv.Itoa(it.Priority), it.FailedReason,
		strconv.Itoa(it.StalledCount), fmtTime(it.EnqueuedAt),
		fmtTime(it.StartedAt), fmtTime(it.FinishedAt),
	}
}

// ExportItems writes a queue item listing to w in the requested format; the
// admin queue export endpoint feeds it from a broker List call.
func (s ExportService) ExportItems(items []domain.QueuedItem, format ExportFormat, w io.Writer) error {
	switch format {
	case FormatCSV:
		if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return fmt.Errorf("op=export.items: %w", err)
		}
		cw := csv.NewWriter(w)
		cw.UseCRLF = true
		if err := cw.Write(itemHeader); err != nil {
			return fmt.Errorf("op=export.items: %w", err)
		}
		for _, it := range items {
			if err := cw.Write(itemRow(it)); err != nil {
				return fmt.Errorf("op=export.items: %w", err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("op=export.items: %w", err)
		}
		return nil
	case FormatJSON:
		if err := json.NewEncoder(w).Encode(items); err != nil {
			return fmt.Errorf("op=export.items: %w", err)
		}
		return nil
	case FormatXLSX:
		xf := excelize.NewFile()
		defer func() { _ = xf.Close() }()
		const sheet = "Queue Items"
		if err := xf.SetSheetName("Sheet1", sheet); err != nil {
			return fmt.Errorf("op=export.items: %w", err)
		}
		header := make([]any, len(itemHeader))
		for i, h := range itemHeader {
			header[i] = h
		}
		if err := xf.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("op=export.items: %w", err)
		}
		for i, it := range items {
			vals := itemRow(it)
			row := make([]any, len(vals))
			for j, v := range vals {
				row[j] = v
			}
			cell, err := excelize.CoordinatesToCellName(1, i+2)
			if err != nil {
				return fmt.Errorf("op=export.items: %w", err)
			}
			if err := xf.SetSheetRow(sheet, cell, &row); err != nil {
				return fmt.Errorf("op=export.items: %w", err)
			}
		}
		if err := xf.Write(w); err != nil {
			return fmt.Errorf("op=export.items: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("op=export.items: format %q: %w", format, domain.ErrInvalidArgument)
	}
}

func (s ExportService) exportXLSX(ctx domain.Context, f domain.AuditFilter, w io.Writer) error {
	xf := excelize.NewFile()
	defer func() { _ = xf.Close() }()
	const sheet = "Audit Logs"
	if err := xf.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("op=export.xlsx: %w", err)
	}
	header := make([]any, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := xf.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("op=export.xlsx: %w", err)
	}
	rowNum := 2
	err := s.Audit.Walk(ctx, f, exportBatchSize, func(e domain.AuditEntry) error {
		vals := exportRow(e)
		row := make([]any, len(vals))
		for i, v := range vals {
			row[i] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		rowNum++
		return xf.SetSheetRow(sheet, cell, &row)
	})
	if err != nil {
		return fmt.Errorf("op=export.xlsx: %w", err)
	}
	if err := xf.Write(w); err != nil {
		return fmt.Errorf("op=export.xlsx: %w", err)
	}
	return nil
}
