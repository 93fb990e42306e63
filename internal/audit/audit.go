// Package audit records transition events. Persistence is an append-only
// sqlite table; publication toward it is a bounded queue drained in the
// background so that a slow or failing sink can never change or delay an
// enforcement decision.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"stagegate/internal/domain"
)

// Recorder is the durable end of the audit channel.
type Recorder interface {
	Record(ctx context.Context, evt domain.TransitionEvent) error
}

// Writer appends transition events to the audit_events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) Record(ctx context.Context, evt domain.TransitionEvent) error {
	ts := evt.TS
	if ts == "" {
		ts = w.now().UTC().Format(time.RFC3339)
	}
	snapshot, err := json.Marshal(evt.EvidenceSnapshot)
	if err != nil {
		return fmt.Errorf("marshal evidence snapshot: %w", err)
	}
	_, err = w.DB.ExecContext(ctx,
		`INSERT INTO audit_events(ts,tenant_id,opportunity_id,playbook_id,from_stage,to_stage,trigger_kind,evidence_json,allowed,enforced,mode,reason,correlation_id)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ts, evt.TenantID, evt.OpportunityID, evt.PlaybookID, evt.FromStage, evt.ToStage,
		evt.Trigger, string(snapshot), evt.Allowed, evt.Enforced, string(evt.Mode), evt.Reason, evt.CorrelationID)
	return err
}

// Publisher is the non-blocking side channel between the enforcer and a
// Recorder. Publish never blocks: when the queue is full the event is
// dropped with a warning, by contract never an error for the caller.
type Publisher struct {
	rec    Recorder
	queue  chan domain.TransitionEvent
	done   chan struct{}
	logger *log.Logger
}

const defaultQueueSize = 256

// NewPublisher starts the background drain. Close flushes what is queued.
func NewPublisher(rec Recorder, buffer int, logger *log.Logger) *Publisher {
	if buffer <= 0 {
		buffer = defaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Publisher{
		rec:    rec,
		queue:  make(chan domain.TransitionEvent, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.drain()
	return p
}

// Publish enqueues the event without blocking.
func (p *Publisher) Publish(evt domain.TransitionEvent) {
	select {
	case p.queue <- evt:
	default:
		p.logger.Printf("audit: queue full, dropping event (tenant=%s correlation=%s)", evt.TenantID, evt.CorrelationID)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (p *Publisher) Close() {
	close(p.queue)
	<-p.done
}

func (p *Publisher) drain() {
	defer close(p.done)
	for evt := range p.queue {
		if err := p.rec.Record(context.Background(), evt); err != nil {
			p.logger.Printf("audit: record failed (tenant=%s correlation=%s): %v", evt.TenantID, evt.CorrelationID, err)
		}
	}
}
