// Package maintenance runs periodic housekeeping jobs on a cron schedule.
// The only job today is the status digest.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/internal/notify"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// DefaultDigestSchedule sends one digest a day.
const DefaultDigestSchedule = "@daily"

const auditAgent = "maintenance"

// Counter reports ticket counts per status.
type Counter interface {
	CountByStatus() (map[models.TicketStatus]int, error)
}

// Auditor appends to the activity trail.
type Auditor interface {
	AppendAudit(e *models.AuditEntry) error
}

// Store is what the digest reads and writes.
type Store interface {
	Counter
	Auditor
}

// Queues reports team queue state.
type Queues interface {
	Snapshot() []models.TeamQueue
}

// Digest is a point-in-time summary of the scheduler.
type Digest struct {
	At      time.Time                   `json:"at"`
	Counts  map[models.TicketStatus]int `json:"counts"`
	Total   int                         `json:"total"`
	Pending int                         `json:"pending"`
	Active  int                         `json:"active"`
	Queues  []models.TeamQueue          `json:"queues"`
}

// Summary renders the digest as one line per status then one per team.
func (d Digest) Summary() string {
	statuses := make([]string, 0, len(d.Counts))
	for st := range d.Counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	var b strings.Builder
	fmt.Fprintf(&b, "%d tickets, %d pending, %d active\n", d.Total, d.Pending, d.Active)
	for _, st := range statuses {
		fmt.Fprintf(&b, "%s: %d\n", st, d.Counts[models.TicketStatus(st)])
	}
	for _, q := range d.Queues {
		fmt.Fprintf(&b, "%s: %d pending, %d/%d slots\n", q.Team, q.Pending, q.Active, q.EffectiveSlots)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Runner schedules and runs maintenance jobs.
type Runner struct {
	mu       sync.Mutex
	cron     *cron.Cron
	store    Store
	queues   Queues
	notifier notify.Notifier
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	last     *Digest
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithNotifier sets where digests are delivered.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.events = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner with the digest job registered on schedule. An
// empty schedule uses DefaultDigestSchedule.
func New(schedule string, store Store, queues Queues, opts ...Option) (*Runner, error) {
	r := &Runner{
		cron:     cron.New(),
		store:    store,
		queues:   queues,
		notifier: notify.Nop{},
		events:   events.Discard{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "maintenance")

	if schedule == "" {
		schedule = DefaultDigestSchedule
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		if _, err := r.RunDigest(context.Background()); err != nil {
			r.logger.Error("digest failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("maintenance: invalid schedule %q: %w", schedule, err)
	}
	r.logger.Info("digest scheduled", "schedule", schedule)
	return r, nil
}

// Start runs the cron scheduler. It blocks until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info("maintenance started")

	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info("maintenance stopped")
	return nil
}

// NextRun returns when the digest fires next, zero before Start.
func (r *Runner) NextRun() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// BuildDigest collects the current digest without delivering it.
func (r *Runner) BuildDigest() (Digest, error) {
	counts, err := r.store.CountByStatus()
	if err != nil {
		return Digest{}, fmt.Errorf("count tickets: %w", err)
	}
	d := Digest{At: r.now().UTC(), Counts: counts, Queues: r.queues.Snapshot()}
	for _, n := range counts {
		d.Total += n
	}
	for _, q := range d.Queues {
		d.Pending += q.Pending
		d.Active += q.Active
	}
	return d, nil
}

// RunDigest builds the digest, records it in the audit log, publishes it
// and sends it to the notifier. A notifier failure is returned but the
// audit entry and event are still written.
func (r *Runner) RunDigest(ctx context.Context) (Digest, error) {
	d, err := r.BuildDigest()
	if err != nil {
		return Digest{}, err
	}

	summary := d.Summary()
	if err := r.store.AppendAudit(&models.AuditEntry{
		Agent:  auditAgent,
		Action: "digest",
		Detail: strings.ReplaceAll(summary, "\n", "; "),
	}); err != nil {
		r.logger.Error("failed to audit digest", "error", err)
	}
	r.events.Publish(events.Event{
		Type:    events.Digest,
		Message: "status digest",
		Data:    map[string]any{"total": d.Total, "pending": d.Pending, "active": d.Active},
	})

	fields := map[string]string{
		"total":   strconv.Itoa(d.Total),
		"pending": strconv.Itoa(d.Pending),
		"active":  strconv.Itoa(d.Active),
	}
	for st, n := range d.Counts {
		fields[string(st)] = strconv.Itoa(n)
	}
	level := notify.LevelInfo
	if d.Counts[models.TicketStatusEscalated]+d.Counts[models.TicketStatusFailed] > 0 {
		level = notify.LevelWarning
	}

	r.mu.Lock()
	r.last = &d
	r.mu.Unlock()

	r.logger.Info("digest built", "total", d.Total, "pending", d.Pending, "active", d.Active)
	if err := r.notifier.Notify(ctx, notify.Message{
		Level:  level,
		Title:  "Switchboard digest",
		Text:   summary,
		Fields: fields,
	}); err != nil {
		return d, fmt.Errorf("send digest: %w", err)
	}
	return d, nil
}

// Last returns the most recent digest, nil before the first run.
func (r *Runner) Last() *Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	d := *r.last
	return &d
}
