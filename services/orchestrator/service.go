// Package orchestrator implements the Service loop component (spec §5):
// a cooperative background task that drives the Scanner, SyncReconciler,
// and AuthTokens on a schedule, gated by a process-wide SyncLock, a
// playback-idle predicate, and a shutdown signal observed within ~1s.
// Grounded on the teacher's services/scheduler/service.go loop shape
// (ticker + context.CancelFunc + sync.WaitGroup for graceful stop).
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/providers"
	"github.com/kcook98765/librarygenie/services/auth"
	"github.com/kcook98765/librarygenie/services/scanner"
	"github.com/kcook98765/librarygenie/services/sync"
)

// TickInterval is how often the loop wakes to check for due work (spec §5:
// "short tick intervals (≈150 ms)").
const TickInterval = 150 * time.Millisecond

// Options configures scheduling cadence; zero values fall back to spec
// defaults (§6.5).
type Options struct {
	FullScanInterval  time.Duration
	DeltaScanInterval time.Duration
	SyncInterval      time.Duration
	AuthCheckInterval time.Duration
	IdleGrace         time.Duration
	MediaTypes        []models.MediaType
	SyncEnabled       bool
}

func (o Options) withDefaults() Options {
	if o.FullScanInterval <= 0 {
		o.FullScanInterval = 24 * time.Hour
	}
	if o.DeltaScanInterval <= 0 {
		o.DeltaScanInterval = 15 * time.Minute
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 60 * time.Minute
	}
	if o.AuthCheckInterval <= 0 {
		o.AuthCheckInterval = time.Minute
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = 30 * time.Second
	}
	if len(o.MediaTypes) == 0 {
		o.MediaTypes = []models.MediaType{models.MediaTypeMovie}
	}
	return o
}

// Service runs the cooperative background loop.
type Service struct {
	provider providers.Provider
	scanner  *scanner.Service
	syncSvc  *sync.Service
	authSvc  *auth.Service
	opts     Options

	// workMu is the process-wide SyncLock (spec §5): it prevents a scan
	// and a sync cycle from running concurrently. TryLock semantics mean
	// a tick that finds heavy work already running simply skips rather
	// than blocking the loop.
	workMu sync.Mutex

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastFullScan  time.Time
	lastDeltaScan time.Time
	lastSync      time.Time
	lastAuthCheck time.Time
	idleSince     time.Time
}

// New builds a Service. syncSvc/authSvc may be nil when sync.enabled is
// false in configuration; the loop skips sync/auth work in that case.
func New(provider providers.Provider, scannerSvc *scanner.Service, syncSvc *sync.Service, authSvc *auth.Service, opts Options) *Service {
	return &Service{
		provider: provider,
		scanner:  scannerSvc,
		syncSvc:  syncSvc,
		authSvc:  authSvc,
		opts:     opts.withDefaults(),
	}
}

// Start begins the background loop. Safe to call once; a second call on
// an already-running Service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.loop()

	log.Println("[orchestrator] service loop started")
}

// Stop signals the loop to exit and waits up to 1s for it to do so
// cooperatively (spec §5 Cancellation semantics).
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[orchestrator] service loop stopped gracefully")
	case <-time.After(time.Second):
		log.Println("[orchestrator] service loop stop timed out after 1s")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick performs lightweight housekeeping every cycle (the auth refresh
// check) and, when due and the idle predicate allows it,
// kicks off heavier scan/sync work on its own goroutine so the tick loop
// itself never blocks on I/O (spec §5: "must yield frequently").
func (s *Service) tick() {
	now := time.Now()

	if s.authSvc != nil && now.Sub(s.lastAuthCheck) >= s.opts.AuthCheckInterval {
		s.lastAuthCheck = now
		go func() {
			if err := s.authSvc.RefreshIfNeeded(s.ctx); err != nil {
				log.Printf("[orchestrator] auth refresh check: %v", err)
			}
		}()
	}

	if !s.idlePredicate(s.ctx) {
		return
	}

	switch {
	case now.Sub(s.lastFullScan) >= s.opts.FullScanInterval:
		s.lastFullScan = now
		s.runExclusive("full scan", func(ctx context.Context) error {
			_, err := s.scanner.FullScan(ctx, s.opts.MediaTypes)
			return err
		})

	case now.Sub(s.lastDeltaScan) >= s.opts.DeltaScanInterval:
		s.lastDeltaScan = now
		s.runExclusive("delta scan", func(ctx context.Context) error {
			_, err := s.scanner.DeltaScan(ctx, s.opts.MediaTypes, nil)
			return err
		})

	case s.opts.SyncEnabled && s.syncSvc != nil && now.Sub(s.lastSync) >= s.opts.SyncInterval:
		s.lastSync = now
		s.runExclusive("sync cycle", func(ctx context.Context) error {
			return s.syncSvc.Run(ctx)
		})
	}
}

// idlePredicate reports whether heavy work may run now: the host must not
// be actively playing media, and idle state must have persisted for at
// least IdleGrace (spec §5 playback-idle predicate).
func (s *Service) idlePredicate(ctx context.Context) bool {
	playing, err := s.provider.IsPlaying(ctx)
	if err != nil {
		log.Printf("[orchestrator] playback-idle check failed, deferring heavy work: %v", err)
		return false
	}
	if playing {
		s.idleSince = time.Time{}
		return false
	}
	if s.idleSince.IsZero() {
		s.idleSince = time.Now()
	}
	return time.Since(s.idleSince) >= s.opts.IdleGrace
}

// runExclusive runs fn on its own goroutine holding workMu, so the tick
// loop keeps ticking while heavy work runs; a tick that finds the lock
// already held simply returns without queuing extra work (spec §5: a
// process-wide SyncLock "preventing reentrancy and concurrent scan+sync
// races").
func (s *Service) runExclusive(label string, fn func(ctx context.Context) error) {
	if !s.workMu.TryLock() {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.workMu.Unlock()

		if err := fn(s.ctx); err != nil {
			log.Printf("[orchestrator] %s failed: %v", label, err)
		}
	}()
}
