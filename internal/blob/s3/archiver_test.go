package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

type memBlobs struct {
	objects   map[string][]byte
	multipart int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	m.objects[path] = b
	return err
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.multipart++
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type memAudit struct {
	entries []domain.AuditEntry
	logged  []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.logged = append(m.logged, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return m.entries, nil
}

func (m *memAudit) ListEventBefore(_ context.Context, event string, before time.Time, limit int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.Event == event && e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAudit) DeleteEventBefore(_ context.Context, event string, before time.Time) (int64, error) {
	var kept []domain.AuditEntry
	var n int64
	for _, e := range m.entries {
		if e.Event == event && e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func trigger(id int64, at time.Time) domain.AuditEntry {
	return domain.AuditEntry{ID: id, Event: domain.AuditRuleTriggered, CreatedAt: at, Detail: map[string]any{"rule_id": "r"}}
}

func countLines(t *testing.T, b []byte) int {
	t.Helper()
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var e domain.AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		n++
	}
	return n
}

func TestArchiveTriggersByMonth(t *testing.T) {
	blobs := newMemBlobs()
	feb := time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	audit := &memAudit{entries: []domain.AuditEntry{
		trigger(1, feb),
		trigger(2, feb.Add(time.Hour)),
		trigger(3, mar),
		{ID: 4, Event: domain.AuditRuleCreated, CreatedAt: feb},
		trigger(5, mar.AddDate(0, 1, 0)),
	}}

	a := NewTriggerArchiver(blobs, blobs, audit)
	n, err := a.ArchiveTriggers(context.Background(), mar.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.Contains(t, blobs.objects, "archive/alert_triggers/2026-02.jsonl")
	require.Contains(t, blobs.objects, "archive/alert_triggers/2026-03.jsonl")
	assert.Equal(t, 2, countLines(t, blobs.objects["archive/alert_triggers/2026-02.jsonl"]))
	assert.Equal(t, 1, countLines(t, blobs.objects["archive/alert_triggers/2026-03.jsonl"]))

	// Non-trigger and newer entries stay.
	require.Len(t, audit.entries, 2)
	assert.Equal(t, []string{"archive.alert_triggers", "archive.alert_triggers"}, audit.logged)
	assert.Zero(t, blobs.multipart)
}

func TestArchiveTriggersNeverOverwrites(t *testing.T) {
	blobs := newMemBlobs()
	blobs.objects["archive/alert_triggers/2026-03.jsonl"] = []byte("old\n")
	blobs.objects["archive/alert_triggers/2026-03-1.jsonl"] = []byte("old\n")

	mar := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	audit := &memAudit{entries: []domain.AuditEntry{trigger(1, mar)}}

	n, err := NewTriggerArchiver(blobs, blobs, audit).ArchiveTriggers(context.Background(), mar.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "old\n", string(blobs.objects["archive/alert_triggers/2026-03.jsonl"]))
	assert.Contains(t, blobs.objects, "archive/alert_triggers/2026-03-2.jsonl")
}

func TestArchiveTriggersBatches(t *testing.T) {
	blobs := newMemBlobs()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	audit := &memAudit{}
	for i := 0; i < 7; i++ {
		audit.entries = append(audit.entries, trigger(int64(i), base.Add(time.Duration(i)*time.Minute)))
	}

	a := NewTriggerArchiver(blobs, blobs, audit)
	a.batch = 3
	n, err := a.ArchiveTriggers(context.Background(), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Empty(t, audit.entries)

	var lines int
	for _, b := range blobs.objects {
		lines += countLines(t, b)
	}
	assert.Equal(t, 7, lines)
}

func TestArchiveTriggersNothingToDo(t *testing.T) {
	blobs := newMemBlobs()
	n, err := NewTriggerArchiver(blobs, blobs, &memAudit{}).ArchiveTriggers(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://127.0.0.1:9000", normaliseEndpoint("127.0.0.1:9000", false))
	assert.Equal(t, "https://r2.example.com", normaliseEndpoint("https://r2.example.com", false))
}
