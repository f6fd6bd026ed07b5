// Package tracker is the request-facing facade over the session store,
// the report aggregator and the export archive. It owns the cross-cutting
// work around each operation: spans, metrics, logs and live updates.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/loanlens/internal/archive"
	"github.com/mbd888/loanlens/internal/events"
	"github.com/mbd888/loanlens/internal/idgen"
	"github.com/mbd888/loanlens/internal/logging"
	"github.com/mbd888/loanlens/internal/metrics"
	"github.com/mbd888/loanlens/internal/pagination"
	"github.com/mbd888/loanlens/internal/patterns"
	"github.com/mbd888/loanlens/internal/realtime"
	"github.com/mbd888/loanlens/internal/report"
	"github.com/mbd888/loanlens/internal/retry"
	"github.com/mbd888/loanlens/internal/session"
	"github.com/mbd888/loanlens/internal/traces"
)

var (
	ErrPatternNotFound = errors.New("pattern not found")
	ErrArchiveDisabled = errors.New("export archive not configured")
)

// archivePolicy bounds archive writes; a save that still fails fails the export.
var archivePolicy = retry.Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// Publisher receives session activity for live observers.
type Publisher interface {
	Publish(ev *realtime.Event)
}

// Service implements the session tracking operations.
type Service struct {
	store   *session.Store
	agg     *report.Aggregator
	archive archive.Store
	pub     Publisher
	now     func() time.Time
}

// NewService creates a tracker over store.
func NewService(store *session.Store, agg *report.Aggregator) *Service {
	return &Service{
		store: store,
		agg:   agg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithArchive records every successful export in a.
func (s *Service) WithArchive(a archive.Store) *Service {
	s.archive = a
	return s
}

// WithPublisher streams recorded activity to p.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.pub = p
	return s
}

// WithClock overrides the clock used for eviction sweeps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordResult is the outcome of RecordEvent.
type RecordResult struct {
	Appended []events.Event      `json:"appended"`
	Session  session.SessionView `json:"session"`
}

// ExportResult is a finished export and its archive id, if archived.
type ExportResult struct {
	ArchiveID string
	Blob      *report.Blob
}

// CreateSession validates params and starts a new session.
func (s *Service) CreateSession(ctx context.Context, p session.CreateParams) (session.SessionView, error) {
	ctx, span := traces.StartSpan(ctx, "tracker.CreateSession", traces.Jurisdiction(p.Jurisdiction))
	defer span.End()

	m, err := s.store.Create(ctx, p)
	if err != nil {
		traces.RecordError(span, err)
		logging.L(ctx).Warn("session rejected", "jurisdiction", p.Jurisdiction, "amount", p.Amount, "term_days", p.TermDays, "error", err)
		return session.SessionView{}, err
	}
	span.SetAttributes(traces.SessionID(m.ID()))

	metrics.SessionsCreatedTotal.Inc()
	metrics.ActiveSessions.Set(float64(s.store.Len()))

	st := m.Snapshot()
	s.observe(st.ID, st.Events)
	logging.L(logging.WithSessionID(ctx, st.ID)).Info("session created",
		"jurisdiction", st.Params.Jurisdiction,
		"amount", st.Params.Amount,
		"term_days", st.Params.TermDays,
		"research_consent", st.ResearchConsent,
	)
	return m.View(false), nil
}

// RecordEvent ingests ev into session id.
func (s *Service) RecordEvent(ctx context.Context, id string, ev events.Event) (*RecordResult, error) {
	ctx = logging.WithSessionID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "tracker.RecordEvent", traces.SessionID(id), traces.EventKind(string(ev.Kind)))
	defer span.End()

	m, err := s.store.Get(id)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	appended, err := m.Record(ctx, ev)
	if err != nil {
		traces.RecordError(span, err)
		logging.L(ctx).Warn("event rejected", "kind", ev.Kind, "error", err)
		return nil, err
	}
	s.observe(id, appended)

	view := m.View(false)
	span.SetAttributes(traces.Phase(string(view.Phase)))
	logging.L(ctx).Debug("event recorded", "kind", ev.Kind, "appended", len(appended), "coercion_index", view.Metrics.CoercionIndex)
	return &RecordResult{Appended: appended, Session: view}, nil
}

// AdvancePhase moves session id to target, which names the next phase.
func (s *Service) AdvancePhase(ctx context.Context, id, target string) (session.SessionView, error) {
	ctx = logging.WithSessionID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "tracker.AdvancePhase", traces.SessionID(id), traces.Phase(target))
	defer span.End()

	phase, err := events.ParsePhase(target)
	if err != nil {
		err = fmt.Errorf("%w: %v", session.ErrValidation, err)
		traces.RecordError(span, err)
		return session.SessionView{}, err
	}
	m, err := s.store.Get(id)
	if err != nil {
		traces.RecordError(span, err)
		return session.SessionView{}, err
	}

	before := m.Snapshot()
	appended, err := m.Advance(ctx, phase)
	if err != nil {
		traces.RecordError(span, err)
		logging.L(ctx).Warn("phase transition rejected", "from", before.Phase, "to", phase, "error", err)
		return session.SessionView{}, err
	}
	s.observe(id, appended)

	view := m.View(false)
	logging.L(ctx).Info("phase advanced",
		"from", before.Phase,
		"to", view.Phase,
		"apr_before", before.Terms.APR,
		"apr_after", view.Terms.APR,
	)
	return view, nil
}

// GetSession returns a copy of session id.
func (s *Service) GetSession(ctx context.Context, id string, withEvents bool) (session.SessionView, error) {
	_, span := traces.StartSpan(ctx, "tracker.GetSession", traces.SessionID(id))
	defer span.End()

	m, err := s.store.Get(id)
	if err != nil {
		traces.RecordError(span, err)
		return session.SessionView{}, err
	}
	return m.View(withEvents), nil
}

// GetAnalytics aggregates the current state of session id.
func (s *Service) GetAnalytics(ctx context.Context, id string) (*report.AnalysisReport, error) {
	_, span := traces.StartSpan(ctx, "tracker.GetAnalytics", traces.SessionID(id))
	defer span.End()

	m, err := s.store.Get(id)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	r := s.agg.Aggregate(m.Snapshot())
	span.SetAttributes(traces.Phase(string(r.Phase)))
	return r, nil
}

// ExportSessionData serializes session id for research use. The session
// must have granted research consent.
func (s *Service) ExportSessionData(ctx context.Context, id, format string, compress bool) (*ExportResult, error) {
	ctx = logging.WithSessionID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "tracker.ExportSessionData", traces.SessionID(id), traces.ExportFormat(format))
	defer span.End()

	f, err := report.ParseFormat(format)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	m, err := s.store.Get(id)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	blob, err := s.agg.Export(m.Snapshot(), report.ExportOptions{Format: f, Compress: compress})
	if err != nil {
		result := "error"
		if errors.Is(err, report.ErrConsentRequired) {
			result = "denied"
		}
		metrics.ExportsTotal.WithLabelValues(string(f), result).Inc()
		traces.RecordError(span, err)
		logging.L(ctx).Warn("export refused", "format", f, "error", err)
		return nil, err
	}

	res := &ExportResult{Blob: blob}
	if s.archive != nil {
		rec := &archive.Record{
			ID:         idgen.Export(),
			SessionRef: blob.SessionRef,
			Format:     string(blob.Format),
			Compressed: blob.Compressed,
			SizeBytes:  len(blob.Data),
			Checksum:   blob.Checksum,
			Data:       blob.Data,
			CreatedAt:  s.now(),
		}
		policy := archivePolicy
		policy.OnRetry = func(attempt int, err error) {
			logging.L(ctx).Warn("archive save failed, retrying", "archive_id", rec.ID, "attempt", attempt, "error", err)
		}
		err := policy.Do(ctx, func(int) error {
			return s.archive.Save(ctx, rec)
		})
		if err != nil {
			metrics.ExportsTotal.WithLabelValues(string(f), "error").Inc()
			traces.RecordError(span, err)
			logging.L(ctx).Error("failed to archive export", "error", err)
			return nil, err
		}
		res.ArchiveID = rec.ID
	}

	metrics.ExportsTotal.WithLabelValues(string(f), "ok").Inc()
	logging.L(ctx).Info("session exported", "format", f, "compressed", compress, "bytes", len(blob.Data), "archive_id", res.ArchiveID)
	return res, nil
}

// GetExport returns an archived export by id.
func (s *Service) GetExport(ctx context.Context, id string) (*archive.Record, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return s.archive.Get(ctx, id)
}

// ExportPage is one page of archived exports.
type ExportPage struct {
	Exports    []*archive.Record `json:"exports"`
	NextCursor string            `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

// ListExports returns archived exports for a session reference, newest
// first, starting after cursor when one is given.
func (s *Service) ListExports(ctx context.Context, sessionRef, cursor string, limit int) (*ExportPage, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	if limit <= 0 || limit > archive.DefaultListLimit {
		limit = archive.DefaultListLimit
	}

	recs, err := s.archive.ListBySession(ctx, sessionRef, limit+1, archive.WithCursor(c))
	if err != nil {
		return nil, err
	}
	recs, next, more := pagination.ComputePage(recs, limit, func(r *archive.Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if recs == nil {
		recs = []*archive.Record{}
	}
	return &ExportPage{Exports: recs, NextCursor: next, HasMore: more}, nil
}

// CloseSession discards session id.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	ctx = logging.WithSessionID(ctx, id)
	_, span := traces.StartSpan(ctx, "tracker.CloseSession", traces.SessionID(id))
	defer span.End()

	if err := s.store.Close(id); err != nil {
		traces.RecordError(span, err)
		return err
	}
	s.closed(id, session.EvictClosed)
	logging.L(ctx).Info("session closed")
	return nil
}

// EvictIdle drops sessions past the idle timeout and returns their ids.
func (s *Service) EvictIdle(ctx context.Context) []string {
	evicted := s.store.EvictIdle(s.now())
	for _, id := range evicted {
		s.closed(id, session.EvictIdle)
	}
	if len(evicted) > 0 {
		logging.L(ctx).Info("evicted idle sessions", "count", len(evicted), "remaining", s.store.Len())
	}
	return evicted
}

// ListPatterns returns the catalog, optionally restricted to one category.
func (s *Service) ListPatterns(category string) ([]patterns.PatternDefinition, error) {
	reg := s.store.Registry()
	if category == "" {
		return reg.All(), nil
	}
	c, err := patterns.ParseCategory(category)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	return reg.ByCategory(c), nil
}

// GetPattern returns one catalog entry.
func (s *Service) GetPattern(id string) (patterns.PatternDefinition, error) {
	def, ok := s.store.Registry().Get(id)
	if !ok {
		return patterns.PatternDefinition{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	return def, nil
}

// SessionCount is the number of live sessions.
func (s *Service) SessionCount() int { return s.store.Len() }

func (s *Service) closed(id, reason string) {
	metrics.SessionsEvictedTotal.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(s.store.Len()))
	s.publish(&realtime.Event{
		Type:      realtime.EventSessionClosed,
		SessionID: id,
		Timestamp: s.now(),
		Data:      map[string]any{"reason": reason},
	})
}

// observe counts and streams appended events.
func (s *Service) observe(id string, appended []events.Event) {
	for _, ev := range appended {
		metrics.EventsRecordedTotal.WithLabelValues(string(ev.Kind)).Inc()

		out := &realtime.Event{SessionID: id, Timestamp: ev.Timestamp, Data: ev}
		switch ev.Kind {
		case events.KindDetection:
			metrics.DetectionsTotal.WithLabelValues(string(ev.Detection.Category), string(ev.Detection.Severity)).Inc()
			out.Type = realtime.EventDetection
			out.Severity = ev.Detection.Severity
		case events.KindViolation:
			out.Type = realtime.EventViolation
			out.Severity = ev.Violation.Severity
		case events.KindDecision:
			if ev.IsPhaseTransition() {
				metrics.PhaseTransitionsTotal.WithLabelValues(string(ev.Phase)).Inc()
				out.Type = realtime.EventPhaseChanged
			} else {
				out.Type = realtime.EventDecision
			}
		case events.KindBehavioral:
			continue
		}
		s.publish(out)
	}
}

func (s *Service) publish(ev *realtime.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}
