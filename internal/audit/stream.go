package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/edu-gov/platform/internal/shared/config"
	"github.com/edu-gov/platform/internal/shared/database"
)

const (
	// MirrorStreamName is the stream receiving copies of committed entries
	MirrorStreamName = "audit-mirror"
	// MirrorEventType is the event type for mirrored entries
	MirrorEventType = "AuditEntry"
)

// Mirror publishes committed ledger entries to a KurrentDB stream, keeping a
// tamper-evidence copy outside the primary datastore. Publishing is
// best-effort and happens after commit; the Postgres ledger stays
// authoritative, so a mirror outage never fails a business operation.
type Mirror struct {
	client *esdb.Client
}

// NewMirror connects to KurrentDB and returns a mirror publisher.
func NewMirror(cfg config.StreamConfig) (*Mirror, error) {
	connStr := fmt.Sprintf("esdb://%s:%d?tls=%t", cfg.Host, cfg.Port, !cfg.Insecure)
	if cfg.Username != "" {
		connStr = fmt.Sprintf("esdb://%s:%s@%s:%d?tls=%t",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, !cfg.Insecure)
	}

	settings, err := esdb.ParseConnectionString(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stream connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream client: %w", err)
	}

	return &Mirror{client: client}, nil
}

// Publish appends one committed entry to the mirror stream. Callers invoke it
// after their transaction commits; errors are reported but carry no rollback
// obligation.
func (m *Mirror) Publish(ctx context.Context, entry *Entry) error {
	if m == nil || m.client == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	event := esdb.EventData{
		EventID:     uuid.New(),
		EventType:   MirrorEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata: []byte(fmt.Sprintf(`{"sequence":%d,"hash":"%s"}`,
			entry.Sequence, entry.Hash)),
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = m.client.AppendToStream(ctx, MirrorStreamName, esdb.AppendToStreamOptions{}, event)
	if err != nil {
		return fmt.Errorf("failed to publish audit entry to mirror: %w", err)
	}
	return nil
}

// Close closes the stream client.
func (m *Mirror) Close() {
	if m != nil && m.client != nil {
		m.client.Close()
	}
}

// MirroredLedger wraps a Ledger and forwards each appended entry to the
// mirror stream. Forwarding failures are swallowed; only the primary append
// decides the outcome of the caller's transaction.
type MirroredLedger struct {
	Ledger
	mirror *Mirror
}

// NewMirroredLedger wraps a ledger with a mirror publisher.
func NewMirroredLedger(ledger Ledger, mirror *Mirror) *MirroredLedger {
	return &MirroredLedger{Ledger: ledger, mirror: mirror}
}

// Append writes to the primary ledger, then forwards a copy to the stream.
func (l *MirroredLedger) Append(ctx context.Context, q database.Querier, entry *Entry) error {
	if err := l.Ledger.Append(ctx, q, entry); err != nil {
		return err
	}

	// Detached from the request context so an aborted request does not lose
	// the mirror copy.
	go func(copied Entry) {
		_ = l.mirror.Publish(context.Background(), &copied)
	}(*entry)

	return nil
}
