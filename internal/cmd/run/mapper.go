package runcmd

import (
	"context"
	"encoding/json"

	"github.com/umbreak/nexus-sourcing/internal/indexer"
	"github.com/umbreak/nexus-sourcing/internal/stream"
)

// envelope is the self-describing document the built-in mapper emits
// for every event.
type envelope struct {
	Seq      uint64          `json:"seq"`
	SourceID string          `json:"source_id"`
	Tag      string          `json:"tag"`
	Type     string          `json:"type,omitempty"`
	TsMs     int64           `json:"ts_ms"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// NewEnvelopeMapper builds the default mapper: each event becomes a
// JSON document carrying its coordinates and payload. JSON payloads
// are embedded as-is, anything else is carried as text.
func NewEnvelopeMapper() indexer.Mapper {
	return indexer.MapperFunc(func(_ context.Context, ev stream.Event) ([]byte, bool, error) {
		doc := envelope{
			Seq:      ev.Seq,
			SourceID: ev.SourceID.String(),
			Tag:      ev.Tag,
			Type:     ev.Type,
			TsMs:     ev.AppendedAtMs,
		}
		if json.Valid(ev.Payload) {
			doc.Payload = json.RawMessage(ev.Payload)
		} else {
			doc.Text = string(ev.Payload)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	})
}
