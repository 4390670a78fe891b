package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
)

// Reader lists persisted audit events.
type Reader interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]models.AuditEvent, error)
}

// ObjectPutter stores an archive object.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// ArchiveResult summarises one archived day.
type ArchiveResult struct {
	Day    time.Time `json:"day"`
	Key    string    `json:"key"`
	Events int       `json:"events"`
	Bytes  int       `json:"bytes"`
}

// Archiver exports one UTC day of audit events as newline delimited JSON.
type Archiver struct {
	reader Reader
	putter ObjectPutter
	sink   Sink
}

func NewArchiver(reader Reader, putter ObjectPutter, sink Sink) *Archiver {
	return &Archiver{reader: reader, putter: putter, sink: sink}
}

// ArchiveDay uploads every event created on day (UTC). Re-running a day
// overwrites the same object, so the export is idempotent.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (ArchiveResult, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	events, err := a.reader.ListBetween(ctx, start, end)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("list audit events: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return ArchiveResult{}, fmt.Errorf("encode audit event %s: %w", ev.ID, err)
		}
	}

	res := ArchiveResult{
		Day:    start,
		Key:    DayKey(start),
		Events: len(events),
		Bytes:  buf.Len(),
	}
	if err := a.putter.PutObject(ctx, res.Key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return res, err
	}

	log.Infof("[Audit] Archived %d events for %s to %s", res.Events, start.Format("2006-01-02"), res.Key)
	a.sink.Record(ctx, nil, EventAuditArchived, map[string]any{
		"day":    start.Format("2006-01-02"),
		"key":    res.Key,
		"events": res.Events,
	})
	return res, nil
}

// DayKey is the object key for a day: YYYY/MM/DD.ndjson.
func DayKey(day time.Time) string {
	return fmt.Sprintf("%04d/%02d/%02d.ndjson", day.Year(), int(day.Month()), day.Day())
}
