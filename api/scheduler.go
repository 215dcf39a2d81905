/*
scheduler.go - Deadline monitor for open applications

PURPOSE:
  Periodically sweeps for applications whose deadline has passed while
  they are still open (draft, returned, or awaiting review) and logs
  them so administrators can chase the paperwork. Nothing is mutated:
  deadlines are advisory, the state machine never auto-transitions.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A sweep runs immediately on Start, then on every tick
  - Terminal applications (approved/rejected/withdrawn) are never
    overdue
  - The latest sweep result is kept for logging/inspection

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the monitor is active (default: true)

USAGE:
  monitor := NewDeadlineMonitor(store, logger)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - handlers.go: Error/JSON helpers
  - store/sqlite: ListOverdue query
*/
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/warp/benefits-engine/store/sqlite"
)

// DeadlineMonitor sweeps for overdue open applications.
type DeadlineMonitor struct {
	Store         *sqlite.Store
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// statsMu is separate from mu: Stop holds mu while waiting for an
	// in-flight sweep, and the sweep records its result under statsMu.
	statsMu     sync.Mutex
	lastSweep   time.Time
	lastOverdue int
}

func NewDeadlineMonitor(store *sqlite.Store, logger *slog.Logger) *DeadlineMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadlineMonitor{
		Store:         store,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (m *DeadlineMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled {
		m.Logger.Info("deadline monitor disabled, not starting")
		return
	}

	m.ticker = time.NewTicker(m.CheckInterval)
	m.wg.Add(1)
	go m.run()

	m.Logger.Info("deadline monitor started", "check_interval", m.CheckInterval)
}

// Stop stops the sweep loop and waits for an in-flight sweep.
func (m *DeadlineMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stop)
		m.wg.Wait()
		m.Logger.Info("deadline monitor stopped")
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (m *DeadlineMonitor) RunNow() {
	m.sweep()
}

// LastSweep returns when the last sweep ran and how many overdue
// applications it found.
func (m *DeadlineMonitor) LastSweep() (time.Time, int) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.lastSweep, m.lastOverdue
}

func (m *DeadlineMonitor) run() {
	defer m.wg.Done()

	m.sweep()
	for {
		select {
		case <-m.ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *DeadlineMonitor) sweep() {
	ctx := context.Background()
	now := time.Now()

	overdue, err := m.Store.ListOverdue(ctx, now)
	if err != nil {
		m.Logger.Error("deadline sweep failed", "error", err)
		return
	}

	for _, app := range overdue {
		m.Logger.Warn("application past its deadline",
			"application_id", app.ID,
			"organization_id", app.OrganizationID,
			"status", app.Status,
			"deadline", app.Deadline.Format("2006-01-02"),
		)
	}

	m.statsMu.Lock()
	m.lastSweep = now
	m.lastOverdue = len(overdue)
	m.statsMu.Unlock()

	if len(overdue) > 0 {
		m.Logger.Info("deadline sweep finished", "overdue", len(overdue))
	}
}

// =============================================================================
// OVERDUE ENDPOINT
// =============================================================================

// ListOverdueApplications returns the open applications whose deadline
// has passed.
// GET /api/applications/overdue
func (h *Handler) ListOverdueApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.Store.ListOverdue(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list overdue applications", err)
		return
	}

	dtos := make([]ApplicationDTO, len(apps))
	for i, app := range apps {
		dtos[i] = toApplicationDTO(app)
	}
	writeJSON(w, http.StatusOK, dtos)
}
