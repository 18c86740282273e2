package state

import (
	"context"
	"encoding/json"

	"github.com/keel-sh/keel/internal/apperrors"
	"github.com/keel-sh/keel/internal/consent"
)

// ConsentSink files consent ledger entries into the event log, giving
// the in-memory ledger a durable trail.
type ConsentSink struct {
	store *Store
}

// NewConsentSink returns a sink writing to store.
func NewConsentSink(store *Store) *ConsentSink {
	return &ConsentSink{store: store}
}

// ledgerTypePrefix namespaces sink rows in event_log. Envelope events
// land in the same table under their own type tags; the prefix keeps
// the two apart so ledger reads never pick up envelope rows.
const ledgerTypePrefix = "ledger_"

// ConsentEntries returns every consent entry the sink has filed, in
// insertion order.
func (s *Store) ConsentEntries(ctx context.Context) ([]consent.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM event_log WHERE event_type LIKE 'ledger_%' ORDER BY id ASC`)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "consent entries: %v", err)
	}
	defer rows.Close()

	var entries []consent.Entry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrBackend, "scan consent entry: %v", err)
		}
		var entry consent.Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrFormat, "stored consent entry: %v", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "consent entries: %v", err)
	}
	return entries, nil
}

// AppendConsent implements consent.Sink.
func (c *ConsentSink) AppendConsent(entry consent.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrFormat, "consent entry: %v", err)
	}
	_, err = c.store.db.ExecContext(context.Background(),
		`INSERT INTO event_log (timestamp, event_type, agent_id, data) VALUES (?, ?, ?, ?)`,
		entry.Timestamp.Unix(), ledgerTypePrefix+string(entry.Action.Type), entry.AgentID, string(data))
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "append consent: %v", err)
	}
	return nil
}
