package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/vgomini/internal/ir"
)

const (
	// DefaultPartitions is K when the operator does not configure it.
	DefaultPartitions = 8

	// DefaultBucketWidth is the occurred_at truncation used for routing.
	DefaultBucketWidth = time.Hour
)

// Appender is the durable side of the ledger. *store.Store implements it.
type Appender interface {
	AppendIngress(ctx context.Context, tenant, window string, rec ir.IngressRecord) (int64, error)
	IdempotencyKeys(ctx context.Context, tenant, window string) ([]string, error)
}

// Clock supplies received_at stamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures a Ledger.
type Options struct {
	Tenant      string
	Window      string
	Partitions  int
	BucketWidth time.Duration
	Clock       Clock
	IDs         IDGenerator
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Partitions <= 0 {
		o.Partitions = DefaultPartitions
	}
	if o.BucketWidth <= 0 {
		o.BucketWidth = DefaultBucketWidth
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.IDs == nil {
		o.IDs = UUIDv7Generator{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Ledger is the ingestion ledger for one (tenant, window).
//
// A ledger session spans the window: idempotency keys already recorded in the
// durable ledger are loaded at construction, so a key reused by a later
// process is still flagged as a replay.
//
// Thread-safety: Ledger is safe for concurrent use; appends are serialized.
type Ledger struct {
	mu     sync.Mutex
	store  Appender
	opts   Options
	schema *jsonschema.Schema
	seen   map[string]struct{}
}

// NewLedger opens the ledger for opts.Tenant and opts.Window.
func NewLedger(ctx context.Context, store Appender, opts Options) (*Ledger, error) {
	if opts.Window == "" {
		return nil, fmt.Errorf("new ledger: window is required")
	}
	opts = opts.withDefaults()

	schema, err := compileEventSchema()
	if err != nil {
		return nil, fmt.Errorf("new ledger: %w", err)
	}

	keys, err := store.IdempotencyKeys(ctx, opts.Tenant, opts.Window)
	if err != nil {
		return nil, fmt.Errorf("new ledger: %w", err)
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}

	return &Ledger{store: store, opts: opts, schema: schema, seen: seen}, nil
}

// Window returns the window this ledger appends to.
func (l *Ledger) Window() string { return l.opts.Window }

// Tenant returns the tenant this ledger routes for.
func (l *Ledger) Tenant() string { return l.opts.Tenant }

// Ingest validates one raw event and appends it. A replayed idempotency key
// is flagged, not filtered. On rejection nothing is appended and the error is
// a *RejectError.
func (l *Ledger) Ingest(ctx context.Context, raw []byte, idempotencyKey string) (ir.IngressRecord, error) {
	ev, err := parseEvent(l.schema, raw)
	if err != nil {
		l.opts.Logger.Debug("event rejected", "window", l.opts.Window, "code", Code(err), "error", err)
		return ir.IngressRecord{}, err
	}
	return l.append(ctx, ev, idempotencyKey)
}

// Route returns the bucket and partition for an occurred_at timestamp.
func (l *Ledger) Route(occurredAt string) (bucket string, partition int, err error) {
	t, err := ir.ParseTimestamp(occurredAt)
	if err != nil {
		return "", 0, err
	}
	bucket = t.Truncate(l.opts.BucketWidth).Format(time.RFC3339)
	return bucket, ir.PartitionOf(l.opts.Tenant, l.opts.Window, bucket, l.opts.Partitions), nil
}

func (l *Ledger) append(ctx context.Context, ev ir.RawEvent, key string) (ir.IngressRecord, error) {
	bucket, partition, err := l.Route(ev.OccurredAt)
	if err != nil {
		return ir.IngressRecord{}, missingField("occurred_at", err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := ir.IngressRecord{
		RawEvent:       ev,
		ReceivedAt:     ir.FormatTimestamp(l.opts.Clock.Now()),
		IdempotencyKey: key,
		Partition:      partition,
		Bucket:         bucket,
	}
	if key != "" {
		_, rec.Replayed = l.seen[key]
	}

	seq, err := l.store.AppendIngress(ctx, l.opts.Tenant, l.opts.Window, rec)
	if err != nil {
		return ir.IngressRecord{}, fmt.Errorf("ingest %s: %w", ev.EventID, err)
	}
	rec.Seq = seq
	if key != "" {
		l.seen[key] = struct{}{}
	}

	l.opts.Logger.Debug("event ingested",
		"window", l.opts.Window,
		"event_id", ev.EventID,
		"partition", partition,
		"seq", seq,
		"replayed", rec.Replayed,
	)
	return rec, nil
}
