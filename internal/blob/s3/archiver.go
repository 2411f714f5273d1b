package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	triggerPrefix    = "archive/alert_triggers/"
	archiveBatch     = 5000
	// Payloads above this go through the multipart uploader.
	multipartThreshold = minPartSize
)

// TriggerArchiver moves alert.triggered audit entries older than a cutoff
// to JSONL objects partitioned by month, then removes them from the audit
// log. An existing month object is never overwritten; later passes write
// numbered siblings (2026-03-1.jsonl, 2026-03-2.jsonl, ...).
type TriggerArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	batch  int
}

func NewTriggerArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *TriggerArchiver {
	return &TriggerArchiver{writer: writer, reader: reader, audit: audit, batch: archiveBatch}
}

// ArchiveTriggers returns how many entries were archived and removed.
func (a *TriggerArchiver) ArchiveTriggers(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		entries, err := a.audit.ListEventBefore(ctx, domain.AuditRuleTriggered, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive triggers query: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		// A full batch may stop partway through a timestamp; archive only
		// entries strictly older than the last one so the delete below
		// removes exactly what was uploaded.
		cutoff := before
		full := len(entries) == a.batch
		if full {
			cutoff = entries[len(entries)-1].CreatedAt
			n := len(entries)
			for n > 0 && !entries[n-1].CreatedAt.Before(cutoff) {
				n--
			}
			if n == 0 {
				return total, fmt.Errorf("s3blob: archive triggers: more than %d entries at %s", a.batch, cutoff.Format(time.RFC3339Nano))
			}
			entries = entries[:n]
		}

		if err := a.upload(ctx, entries); err != nil {
			return total, err
		}
		deleted, err := a.audit.DeleteEventBefore(ctx, domain.AuditRuleTriggered, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive triggers delete: %w", err)
		}
		total += deleted

		if !full {
			return total, nil
		}
	}
}

func (a *TriggerArchiver) upload(ctx context.Context, entries []domain.AuditEntry) error {
	byMonth := make(map[string][]domain.AuditEntry)
	for _, e := range entries {
		m := e.CreatedAt.UTC().Format("2006-01")
		byMonth[m] = append(byMonth[m], e)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	for _, m := range months {
		buf, err := marshalJSONL(byMonth[m])
		if err != nil {
			return fmt.Errorf("s3blob: archive triggers marshal: %w", err)
		}
		key, err := a.freeKey(ctx, m)
		if err != nil {
			return err
		}
		if int64(len(buf)) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return fmt.Errorf("s3blob: archive triggers upload: %w", err)
		}
		if err := a.audit.Log(ctx, "archive.alert_triggers", map[string]any{
			"path":  key,
			"count": len(byMonth[m]),
		}); err != nil {
			return fmt.Errorf("s3blob: archive triggers audit log: %w", err)
		}
	}
	return nil
}

// freeKey returns the month's object key, or the first unused numbered
// variant when it already exists.
func (a *TriggerArchiver) freeKey(ctx context.Context, month string) (string, error) {
	key := archivePath(month, 0)
	exists, err := a.reader.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive triggers: %w", err)
	}
	if !exists {
		return key, nil
	}

	infos, err := a.reader.List(ctx, triggerPrefix+month)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive triggers: %w", err)
	}
	taken := make(map[string]bool, len(infos))
	for _, info := range infos {
		taken[path.Base(info.Path)] = true
	}
	for n := 1; ; n++ {
		k := archivePath(month, n)
		if !taken[path.Base(k)] {
			return k, nil
		}
	}
}

// archivePath builds a month's object key:
//
//	archivePath("2026-03", 0) == "archive/alert_triggers/2026-03.jsonl"
//	archivePath("2026-03", 2) == "archive/alert_triggers/2026-03-2.jsonl"
func archivePath(month string, n int) string {
	if n == 0 {
		return triggerPrefix + month + ".jsonl"
	}
	return fmt.Sprintf("%s%s-%d.jsonl", triggerPrefix, month, n)
}

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

var (
	_ domain.Archiver   = (*TriggerArchiver)(nil)
	_ domain.BlobWriter = (*Writer)(nil)
	_ domain.BlobReader = (*Reader)(nil)
)
