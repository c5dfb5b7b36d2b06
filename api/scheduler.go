/*
scheduler.go - Background sweep scheduler

PURPOSE:
  Periodically runs the gusmester sweep (auto-release of unclaimed
  spots inside the cutoff window, hosting awards for just-started
  sessions) and punch card expiry.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweep and expiry are both idempotent, so an extra run is harmless
  - The same work is reachable on demand via POST /api/maintenance/sweep

CONFIGURATION:
  - CheckInterval: How often to run (default: 5 minutes)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(economy, ledger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - gusmester/economy.go: Sweep
  - credit/ledger.go: ExpireStale
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/saunastudio/booking-engine/credit"
	"github.com/saunastudio/booking-engine/gusmester"
)

// SweepScheduler runs the spot sweep and card expiry on a timer.
type SweepScheduler struct {
	Economy       *gusmester.Economy
	Credit        *credit.Ledger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(economy *gusmester.Economy, ledger *credit.Ledger) *SweepScheduler {
	return &SweepScheduler{
		Economy:       economy,
		Credit:        ledger,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[Scheduler] Started with check interval: %v", s.CheckInterval)
}

// Stop stops the scheduler.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *SweepScheduler) sweep() {
	ctx := context.Background()

	report, err := s.Economy.Sweep(ctx)
	if err != nil {
		log.Printf("[Scheduler] Sweep error: %v", err)
	} else if report.SpotsReleased > 0 || report.AwardsGranted > 0 {
		log.Printf("[Scheduler] Sweep released %d spots, granted %d hosting awards",
			report.SpotsReleased, report.AwardsGranted)
	}

	expired, err := s.Credit.ExpireStale(ctx)
	if err != nil {
		log.Printf("[Scheduler] Card expiry error: %v", err)
	} else if expired > 0 {
		log.Printf("[Scheduler] Expired %d punch cards", expired)
	}
}
