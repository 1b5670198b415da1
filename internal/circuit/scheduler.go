package circuit

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler drives Breaker.Tick on the configured checkInterval, repurposing
// robfig/cron/v3 (the teacher reaches for its own hand-rolled internal/cron
// for user-facing webhook/message/agent jobs; here the same library backs a
// single internal admission-oracle tick instead).
type Scheduler struct {
	cron    *cron.Cron
	breaker *Breaker
	logger  *slog.Logger
	entryID cron.EntryID
}

// NewScheduler builds a scheduler that ticks the breaker every checkInterval.
// checkInterval is expressed as a standard cron spec with seconds
// (robfig/cron/v3's cron.WithSeconds parser) so sub-minute intervals work.
func NewScheduler(breaker *Breaker, cronSpec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithSeconds(), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
	))
	s := &Scheduler{cron: c, breaker: breaker, logger: logger.With("component", "circuit_scheduler")}
	id, err := c.AddFunc(cronSpec, s.tick)
	if err != nil {
		return nil, err
	}
	s.entryID = id
	return s, nil
}

func (s *Scheduler) tick() {
	before := s.breaker.State()
	s.breaker.Tick()
	after := s.breaker.State()
	if before != after {
		s.logger.Info("circuit re-evaluated", "from", before, "to", after)
	}
}

// Start begins the periodic tick loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the tick loop, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
