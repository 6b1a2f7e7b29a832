package ingester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/attachd/attachment"
	"github.com/hazyhaar/attachd/blobstore"
	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/docpipe"
	"github.com/hazyhaar/attachd/llm"
)

var enrichBudget = llm.BudgetFor("")

// panicError carries a recovered strategy panic.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// Process runs one record through extraction, normalization and enrichment
// and commits the terminal status. Deleted or non-uploaded records are
// returned unchanged. The error is reserved for persistence failures; every
// run that starts ends processed or failed, except a run whose ctx is
// cancelled (shutdown), which is released back to uploaded for the next
// worker.
func (ing *Ingester) Process(ctx context.Context, id string) (*attachment.Record, error) {
	rec, err := ing.Store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ingester: load %s: %w", id, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.IsDeleted {
		ing.logger.InfoContext(ctx, "skipping deleted attachment", "id", id)
		return rec, nil
	}

	started, err := ing.Store.BeginProcessing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ingester: begin %s: %w", id, err)
	}
	if !started {
		ing.logger.DebugContext(ctx, "attachment not startable", "id", id, "status", rec.Status)
		return ing.Store.Get(ctx, id)
	}
	ing.Events.Log(ctx, id, attachment.EventProcessing, nil)

	t0 := time.Now()
	route := ing.Router.Route(rec.Category, rec.MIMEType)
	outcome, details := ing.run(ctx, rec, route)

	// Everything after the run must land even when the caller gave up.
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		return ing.release(bg, id, ctx.Err())
	}

	done, err := ing.Store.Complete(bg, id, outcome)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(t0)
	processingDuration.WithLabelValues(string(route)).Observe(elapsed.Seconds())

	if !done {
		ing.logger.WarnContext(ctx, "terminal commit skipped, record left processing", "id", id)
		return ing.Store.Get(bg, id)
	}
	processingTotal.WithLabelValues(string(route), string(outcome.Status)).Inc()

	kind := attachment.EventProcessed
	if outcome.Status == attachment.StatusFailed {
		kind = attachment.EventFailed
		details["error"] = outcome.Err
	}
	ing.Events.Log(bg, id, kind, details)
	ing.logger.InfoContext(ctx, "attachment processed",
		"id", id,
		"route", route,
		"status", outcome.Status,
		"method", outcome.Method,
		"duration_ms", elapsed.Milliseconds())
	return ing.Store.Get(bg, id)
}

// release hands an interrupted run back to uploaded. Sweep or the queue
// picks it up again.
func (ing *Ingester) release(ctx context.Context, id string, cause error) (*attachment.Record, error) {
	ok, err := ing.Store.Release(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ingester: release %s: %w", id, err)
	}
	if ok {
		interruptedTotal.Inc()
		ing.Events.Log(ctx, id, attachment.EventInterrupted, map[string]any{"cause": cause.Error()})
		ing.logger.WarnContext(ctx, "processing interrupted, attachment released", "id", id, "cause", cause)
	}
	return ing.Store.Get(ctx, id)
}

// run produces the outcome of a started run. It never panics.
func (ing *Ingester) run(ctx context.Context, rec *attachment.Record, route Route) (o attachment.Outcome, details map[string]any) {
	details = map[string]any{"route": string(route)}
	defer func() {
		if r := recover(); r != nil {
			ing.logger.ErrorContext(ctx, "processing panic", "id", rec.ID, "panic", r)
			o = attachment.Outcome{Status: attachment.StatusFailed, Err: publicError(&panicError{value: r})}
		}
	}()

	data, err := ing.Blobs.Download(ctx, rec.StorageKey)
	if err != nil {
		err = fmt.Errorf("%w: download %s: %w", ErrStorage, rec.StorageKey, err)
		ing.logger.WarnContext(ctx, "processing failed", "id", rec.ID, "error", err)
		return attachment.Outcome{Status: attachment.StatusFailed, Err: publicError(err)}, details
	}

	c, method, err := ing.extract(ctx, route, rec, data)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrExtraction, err)
		ing.logger.WarnContext(ctx, "processing failed", "id", rec.ID, "route", route, "error", err)
		return attachment.Outcome{Status: attachment.StatusFailed, Method: method, Err: publicError(err)}, details
	}

	content.Normalize(c)
	res := ing.Enricher.Enrich(ctx, content.TextView(c))
	for _, f := range res.Fallbacks {
		enrichmentFallbacks.WithLabelValues(f).Inc()
	}
	details["method"] = method
	if res.Injection != nil && res.Injection.Risk != "none" {
		details["injection_risk"] = res.Injection.Risk
		details["injection_matches"] = res.Injection.Matches
		ing.logger.WarnContext(ctx, "prompt injection patterns in attachment", "id", rec.ID, "risk", res.Injection.Risk)
	}
	if len(res.Fallbacks) > 0 {
		details["enrichment_fallbacks"] = res.Fallbacks
	}
	return attachment.Outcome{
		Status:   attachment.StatusProcessed,
		Content:  c,
		Method:   method,
		Summary:  res.Summary,
		Language: res.Language,
	}, details
}

type extraction struct {
	c      *content.Content
	method string
	err    error
}

// extract runs the strategy on a worker slot under the process timeout. A
// strategy that ignores cancellation keeps its slot until it returns, but
// the run fails at the deadline.
func (ing *Ingester) extract(ctx context.Context, route Route, rec *attachment.Record, data []byte) (*content.Content, string, error) {
	if ing.processTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ing.processTimeout)
		defer cancel()
	}

	select {
	case ing.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	workersBusy.Inc()

	ch := make(chan extraction, 1)
	go func() {
		defer func() {
			workersBusy.Dec()
			<-ing.sem
		}()
		defer func() {
			if r := recover(); r != nil {
				ing.logger.Error("extraction panic", "id", rec.ID, "route", route, "panic", r)
				ch <- extraction{err: &panicError{value: r}}
			}
		}()
		c, method, err := ing.Router.Extract(ctx, route, data, rec.MIMEType, rec.Filename)
		ch <- extraction{c: c, method: method, err: err}
	}()

	select {
	case r := <-ch:
		return r.c, r.method, r.err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// publicError turns an internal error into the processing_error text: the
// failure class without provider payloads or storage paths.
func publicError(err error) string {
	var (
		pe   *llm.ProviderError
		open *llm.CircuitOpenError
		pnc  *panicError
	)
	var msg string
	switch {
	case errors.As(err, &pnc):
		msg = "internal error during extraction"
	case errors.Is(err, ErrStorage):
		if errors.Is(err, blobstore.ErrNotFound) {
			msg = "storage failure: file bytes not found"
		} else {
			msg = "storage failure: file bytes unavailable"
		}
	case errors.Is(err, context.DeadlineExceeded):
		msg = "extraction timed out"
	case errors.Is(err, context.Canceled):
		msg = "extraction cancelled"
	case errors.As(err, &open):
		msg = "extraction provider temporarily unavailable"
	case errors.Is(err, llm.ErrFatalAPI):
		msg = "extraction provider rejected the request"
	case errors.As(err, &pe):
		msg = "extraction provider error during " + pe.Op
	case errors.Is(err, docpipe.ErrNoText):
		msg = "no text could be extracted"
	case errors.Is(err, docpipe.ErrUnsupportedFormat):
		msg = "unsupported document format"
	default:
		msg = err.Error()
	}
	return attachment.Truncate(msg, attachment.MaxErrorLen)
}

// Reprocess resets a processed or failed record and processes it again.
func (ing *Ingester) Reprocess(ctx context.Context, id string) (*attachment.Record, error) {
	ok, err := ing.Store.ResetForReprocess(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ingester: reset %s: %w", id, err)
	}
	if !ok {
		rec, err := ing.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrNotFound
		}
		return rec, fmt.Errorf("%w: %s is %s", ErrNotReprocessable, id, rec.Status)
	}
	ing.Events.Log(ctx, id, attachment.EventReprocess, nil)
	return ing.Process(ctx, id)
}

// Delete soft-deletes a record. Status and blob are left alone; deleting an
// already deleted record is a no-op.
func (ing *Ingester) Delete(ctx context.Context, id string) (*attachment.Record, error) {
	ok, err := ing.Store.SoftDelete(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ingester: delete %s: %w", id, err)
	}
	rec, err := ing.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if ok {
		ing.Events.Log(ctx, id, attachment.EventDeleted, nil)
		ing.logger.InfoContext(ctx, "attachment deleted", "id", id)
	}
	return rec, nil
}

// Quarantine sets status quarantined with reason. A run in flight loses its
// terminal commit.
func (ing *Ingester) Quarantine(ctx context.Context, id, reason string) (*attachment.Record, error) {
	if err := ing.quarantine(ctx, id, reason); err != nil {
		return nil, err
	}
	return ing.Store.Get(ctx, id)
}

func (ing *Ingester) quarantine(ctx context.Context, id, reason string) error {
	ok, err := ing.Store.Quarantine(ctx, id, reason)
	if err != nil {
		return fmt.Errorf("ingester: quarantine %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	quarantinedTotal.Inc()
	ing.Events.Log(ctx, id, attachment.EventQuarantined, map[string]any{"reason": reason})
	ing.logger.WarnContext(ctx, "attachment quarantined", "id", id, "reason", reason)
	return nil
}

// Get returns a record or ErrNotFound.
func (ing *Ingester) Get(ctx context.Context, id string) (*attachment.Record, error) {
	rec, err := ing.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// TextView returns the flattened text of a record's persisted content.
func (ing *Ingester) TextView(ctx context.Context, id string) (string, error) {
	rec, err := ing.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return content.TextView(rec.ExtractedContent), nil
}
