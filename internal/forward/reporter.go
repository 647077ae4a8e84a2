package forward

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nickman/hfwd/internal/constants"
	"github.com/nickman/hfwd/internal/counter"
	"github.com/nickman/hfwd/pkg/logger"
)

// Report is one session's activity since the previous report.
type Report struct {
	Session   *Session
	BytesUp   int64
	BytesDown int64
	Accepts   int64
}

type reportViews struct {
	up, down, accepts *counter.Delta
}

// Reporter periodically logs what each open session moved since the last
// tick. It reads through its own delta views so callers of the session's
// Delta methods are unaffected.
type Reporter struct {
	mgr      *Manager
	interval time.Duration

	mu    sync.Mutex
	views map[uuid.UUID]reportViews

	log *logger.Logger
}

// NewReporter creates a reporter for mgr. A non-positive interval uses the
// default stats interval.
func NewReporter(mgr *Manager, interval time.Duration, log *logger.Logger) *Reporter {
	if log == nil {
		log = logger.NewDefault()
	}
	if interval <= 0 {
		interval = constants.DefaultStatsInterval
	}
	return &Reporter{
		mgr:      mgr,
		interval: interval,
		views:    make(map[uuid.UUID]reportViews),
		log:      log.WithStr("component", "reporter"),
	}
}

// Run logs a report every interval until ctx ends.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logReports(r.Collect())
		}
	}
}

// Collect computes the activity of every open session since the previous
// call. A session seen for the first time reports its activity since it
// was first collected, i.e. zero.
func (r *Reporter) Collect() []Report {
	sessions := r.mgr.Sessions()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(sessions))
	reports := make([]Report, 0, len(sessions))
	for _, s := range sessions {
		seen[s.ID] = struct{}{}
		v, ok := r.views[s.ID]
		if !ok {
			v = reportViews{
				up:      s.entry.BytesUpAccumulator(),
				down:    s.entry.BytesDownAccumulator(),
				accepts: s.entry.AcceptsAccumulator(),
			}
			r.views[s.ID] = v
		}
		reports = append(reports, Report{
			Session:   s,
			BytesUp:   v.up.Delta(),
			BytesDown: v.down.Delta(),
			Accepts:   v.accepts.Delta(),
		})
	}
	for id := range r.views {
		if _, ok := seen[id]; !ok {
			delete(r.views, id)
		}
	}
	return reports
}

func (r *Reporter) logReports(reports []Report) {
	for _, rep := range reports {
		r.log.Info().
			Str("forward", rep.Session.Name()).
			Str("local", rep.Session.Local()).
			Str("remote", rep.Session.Remote().String()).
			Int64("bytes_up", rep.BytesUp).
			Int64("bytes_down", rep.BytesDown).
			Int64("accepts", rep.Accepts).
			Int("active_pairs", rep.Session.ActivePairs()).
			Msg("Forward stats")
	}
}
