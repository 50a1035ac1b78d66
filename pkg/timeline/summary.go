package timeline

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SummaryFetcher is the summary side of the REST API.
type SummaryFetcher interface {
	GetSummary(ctx context.Context, runID string) (RunSummary, error)
	Terminate(ctx context.Context, runID string) error
}

// SummarySync keeps the aggregate summary of one run current. It refetches on status changes of
// its own run and after every terminate attempt.
type SummarySync struct {
	runID   string
	fetcher SummaryFetcher

	mu        sync.Mutex
	summary   *RunSummary
	err       error
	listeners []func(RunSummary)
}

func NewSummarySync(runID string, fetcher SummaryFetcher) *SummarySync {
	return &SummarySync{runID: runID, fetcher: fetcher}
}

// Summary returns the last fetched summary, if any.
func (s *SummarySync) Summary() (RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		return RunSummary{}, false
	}
	return *s.summary, true
}

func (s *SummarySync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SummarySync) OnUpdate(fn func(RunSummary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Refresh refetches the summary. A failure keeps the previous summary and is exposed via Err.
func (s *SummarySync) Refresh(ctx context.Context) error {
	if s == nil || s.fetcher == nil {
		return errors.New("summary sync is not initialized")
	}
	summary, err := s.fetcher.GetSummary(ctx, s.runID)
	if err != nil {
		err = errors.Wrapf(err, "get summary of run %s", s.runID)
		log.Warn().Err(err).Str("component", "timeline").Str("run_id", s.runID).Msg("summary refresh failed")
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return err
	}
	if summary.RunID == "" {
		summary.RunID = s.runID
	}
	s.mu.Lock()
	s.summary = &summary
	s.err = nil
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l(summary)
	}
	return nil
}

// HandleStatusChanged refreshes when msg concerns this run. Other runs are ignored.
func (s *SummarySync) HandleStatusChanged(ctx context.Context, msg RunStatusMessage) {
	if msg.Run.ID != s.runID {
		return
	}
	log.Debug().Str("component", "timeline").Str("run_id", s.runID).Str("status", msg.Run.Status).Msg("run status changed")
	_ = s.Refresh(ctx)
}

// Terminate asks the server to stop the run and refetches the summary whatever the outcome.
// The terminate error, if any, is returned for the caller to surface.
func (s *SummarySync) Terminate(ctx context.Context) error {
	if s == nil || s.fetcher == nil {
		return errors.New("summary sync is not initialized")
	}
	terr := s.fetcher.Terminate(ctx, s.runID)
	if terr != nil {
		terr = errors.Wrapf(terr, "terminate run %s", s.runID)
		log.Warn().Err(terr).Str("component", "timeline").Str("run_id", s.runID).Msg("terminate failed")
	} else {
		log.Info().Str("component", "timeline").Str("run_id", s.runID).Msg("terminate requested")
	}
	_ = s.Refresh(ctx)
	return terr
}
