// Package processor applies the delivery side effect for a stored event
// at most once in effect, using the row's processed flag as the guard.
//
// The processed check is advisory: two invocations for the same storage id
// can both read processed=false and both notify. Notifiers are expected to
// tolerate that.
package processor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/parcelhook/internal/easypost"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
	"github.com/austindbirch/parcelhook/internal/notify"
	"github.com/austindbirch/parcelhook/internal/store"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

// Outcome of a successful invocation; all of them answer 200 to the queue
type Outcome string

const (
	OutcomeNoOp      Outcome = "no_op"     // no row with that id
	OutcomeSkip      Outcome = "skip"      // already processed
	OutcomeFiltered  Outcome = "filtered"  // not a delivery; left unprocessed
	OutcomeProcessed Outcome = "processed" // notifier ran
)

type Processor struct {
	store    store.Store
	notifier notify.Notifier
	log      *logging.Logger
}

func New(st store.Store, notifier notify.Notifier, log *logging.Logger) *Processor {
	return &Processor{store: st, notifier: notifier, log: log}
}

// Process runs the pipeline for one storage id. Errors carry a faults.Kind:
// Storage, PayloadParse or Notify. None of them mark the row processed.
func (p *Processor) Process(ctx context.Context, storageID int64) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.ObserveHandler("process", time.Since(start)) }()

	ctx, span := tracing.StartSpan(ctx, "processor.Process", attribute.Int64("storage_id", storageID))
	defer span.End()

	outcome, err := p.process(ctx, storageID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordProcessed(failureLabel(err))
		return "", err
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	metrics.RecordProcessed(string(outcome))
	return outcome, nil
}

func (p *Processor) process(ctx context.Context, storageID int64) (Outcome, error) {
	log := p.log.WithContext(ctx).WithStorage(storageID)

	sess, err := p.store.Open(ctx)
	if err != nil {
		log.WithError(err).Error("failed to open store session")
		return "", err
	}
	defer sess.Close()

	row, err := sess.Get(ctx, storageID)
	if err != nil {
		log.WithError(err).Error("failed to load stored event")
		return "", err
	}
	if row == nil {
		log.Warn("no stored event for id")
		return OutcomeNoOp, nil
	}
	log = log.WithEvent(row.SourceEventID).WithQueue(row.QueueName)
	if row.Processed {
		log.Info("already processed, skipping")
		return OutcomeSkip, nil
	}

	ev, err := easypost.Parse(row.Payload)
	if err != nil {
		log.WithError(err).Error("stored payload is malformed")
		return "", err
	}

	d, reason, err := easypost.Match(ev, storageID)
	if err != nil {
		log.WithError(err).Error("stored payload is malformed")
		return "", err
	}
	if d == nil {
		log.WithField("reason", reason).Info("event filtered")
		return OutcomeFiltered, nil
	}

	if err := p.notifier.Notify(ctx, *d); err != nil {
		log.WithError(err).Error("notifier failed")
		return "", faults.New(faults.Notify, "processor.notify", err)
	}
	tracing.AddSpanEvent(ctx, "notified")

	// the side effect already ran; a failed mark must not make the queue retry
	if !sess.MarkProcessed(ctx, storageID) {
		log.Warn("notified but row not marked processed")
	}
	log.WithField("tracking_code", d.TrackingCode).Info("processed delivery")
	return OutcomeProcessed, nil
}

func failureLabel(err error) string {
	switch faults.KindOf(err) {
	case faults.PayloadParse:
		return "malformed"
	case faults.Storage:
		return "storage"
	case faults.Notify:
		return "notify"
	default:
		return "error"
	}
}
