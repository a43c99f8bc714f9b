// Package scheduler assembles the switchboard components into one running
// process. A Scheduler owns every long-lived piece (store, queues, tree,
// orchestrator, supervisor, sinks) so nothing is held in package state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/ShayCichocki/switchboard/internal/agent"
	"github.com/ShayCichocki/switchboard/internal/boss"
	"github.com/ShayCichocki/switchboard/internal/clarity"
	"github.com/ShayCichocki/switchboard/internal/config"
	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/internal/maintenance"
	"github.com/ShayCichocki/switchboard/internal/notify"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/internal/protect"
	"github.com/ShayCichocki/switchboard/internal/queue"
	"github.com/ShayCichocki/switchboard/internal/server"
	"github.com/ShayCichocki/switchboard/internal/signals"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/internal/tools"
	"github.com/ShayCichocki/switchboard/internal/verification"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Deps overrides components New would otherwise build from config.
// Every field is optional.
type Deps struct {
	// Store is used as-is and not closed by the scheduler.
	Store    *state.DB
	Executor agent.Executor
	Scorer   clarity.Scorer
	Verifier verification.Verifier
	Notifier notify.Notifier
	Logger   *slog.Logger
	// Root bounds the scanCodeBase tool. Empty is the working directory.
	Root string
}

// Scheduler is the process-wide context object.
type Scheduler struct {
	cfg *config.Config

	Store        *state.DB
	Bus          *events.Bus
	Queue        *queue.Manager
	Tree         *hierarchy.Tree
	Roles        *agent.RoleTable
	Executor     agent.Executor
	Orchestrator *orchestrator.Orchestrator
	Boss         *boss.Boss
	Maintenance  *maintenance.Runner
	Signals      *signals.Watcher
	Tools        *tools.Service
	Notifier     notify.Notifier

	redis     *redis.Client
	ownsStore bool
	logger    *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	closeOnce sync.Once
}

// New wires every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (_ *Scheduler, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{cfg: cfg, logger: logger.With("component", "scheduler")}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if err := s.openStore(deps.Store); err != nil {
		return nil, err
	}

	s.Bus = events.NewBus(logger)

	if s.Queue, err = queue.NewManager(cfg.TeamSlots(), queue.WithCooldown(cfg.Queue.RebalanceCooldown)); err != nil {
		return nil, fmt.Errorf("create queues: %w", err)
	}

	var def *hierarchy.Definition
	if cfg.Hierarchy.DefinitionFile != "" {
		if def, err = hierarchy.LoadDefinition(cfg.Hierarchy.DefinitionFile); err != nil {
			return nil, err
		}
	}
	if s.Tree, err = hierarchy.New(def,
		hierarchy.WithStore(s.Store),
		hierarchy.WithRetryBudget(cfg.Hierarchy.RetryBudget),
		hierarchy.WithLogger(logger),
	); err != nil {
		return nil, fmt.Errorf("create agent tree: %w", err)
	}

	if s.Roles, err = agent.NewRoleTable(cfg.Agents.Roles); err != nil {
		return nil, err
	}

	s.Executor = deps.Executor
	if s.Executor == nil {
		if s.Executor, err = newExecutor(cfg, s.logger); err != nil {
			return nil, err
		}
	}

	s.Notifier = deps.Notifier
	if s.Notifier == nil {
		if s.Notifier, err = newNotifier(cfg, logger); err != nil {
			return nil, err
		}
	}

	scorer := deps.Scorer
	if scorer == nil {
		scorer = clarity.NewHeuristicScorer()
	}
	gate := clarity.NewGate(scorer, clarity.Thresholds{
		AutoResolve:   cfg.Clarity.AutoResolveThreshold,
		Clarification: cfg.Clarity.ClarificationThreshold,
		MaxRounds:     cfg.Clarity.MaxRounds,
	})

	verifier := deps.Verifier
	if verifier == nil {
		verifier = verification.NewCriteriaVerifier(cfg.Verification.PassThreshold, cfg.Verification.CoverageThreshold)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(s.Bus),
		orchestrator.WithRoles(s.Roles),
		orchestrator.WithVerifier(verifier),
		orchestrator.WithVerificationPolicy(verification.NewPolicy(cfg.Verification.MaxRetries)),
		orchestrator.WithPolicy(orchestrator.Policy{
			MaxTicketRetries: cfg.Orchestrator.MaxTicketRetries,
			StepTimeout:      cfg.Orchestrator.StepTimeout,
			StepAttempts:     cfg.Orchestrator.StepAttempts,
			StepBackoff:      cfg.Orchestrator.StepBackoff,
		}),
		orchestrator.WithEscalationHook(s.notifyEscalation),
	}
	if cfg.Protect.Enabled {
		detector, err := protect.New(protect.Rules{
			Patterns:  cfg.Protect.Patterns,
			Keywords:  cfg.Protect.Keywords,
			FileTypes: cfg.Protect.FileTypes,
		})
		if err != nil {
			return nil, err
		}
		orchOpts = append(orchOpts, orchestrator.WithProtectedAreas(detector))
	}

	if s.Orchestrator, err = orchestrator.New(orchestrator.RequiredConfig{
		Store:    s.Store,
		Queue:    s.Queue,
		Tree:     s.Tree,
		Gate:     gate,
		Executor: s.Executor,
	}, orchOpts...); err != nil {
		return nil, err
	}

	s.Boss = boss.New(boss.Config{
		Interval:            cfg.Boss.Interval,
		OverloadThreshold:   cfg.Boss.OverloadThreshold,
		StuckPhase:          cfg.Boss.StuckPhase(),
		EscalationThreshold: cfg.Boss.EscalationThreshold,
	}, s.Orchestrator, s.Store, s.Queue,
		boss.WithLogger(logger),
		boss.WithEvents(s.Bus),
		boss.WithNotifier(s.Notifier),
	)
	// New work cuts the supervisor's idle countdown short.
	s.Queue.OnEnqueue(func(models.Team, string) { s.Boss.Wake() })

	if schedule := cfg.Maintenance.DigestSchedule; schedule != "" {
		if s.Maintenance, err = maintenance.New(schedule, s.Store, s.Queue,
			maintenance.WithLogger(logger),
			maintenance.WithNotifier(s.Notifier),
			maintenance.WithEvents(s.Bus),
		); err != nil {
			return nil, err
		}
	}

	dir := cfg.Signals.Dir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(s.Store.Path()), "signals")
	}
	if s.Signals, err = signals.NewWatcher(dir, s.Boss, logger); err != nil {
		return nil, err
	}

	s.Tools = tools.NewService(s.Orchestrator, s.Tree, s.Executor,
		tools.WithLogger(logger),
		tools.WithRoles(s.Roles),
		tools.WithRoot(deps.Root),
	)

	if cfg.Redis.Enabled() {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}
	return s, nil
}

func (s *Scheduler) openStore(db *state.DB) error {
	if db != nil {
		s.Store = db
		return nil
	}
	path := s.cfg.Store.Path
	if path == "" {
		path = state.DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	driver := s.cfg.Store.Driver
	if driver == "" {
		driver = state.DriverModernc
	}
	db, err := state.OpenWithDriver(path, driver)
	if err != nil {
		return err
	}
	s.Store = db
	s.ownsStore = true
	if err := db.Migrate(); err != nil {
		return err
	}
	return nil
}

func newExecutor(cfg *config.Config, logger *slog.Logger) (agent.Executor, error) {
	if config.GetAPIKeySource(cfg) == config.KeySourceNone {
		logger.Warn("no Anthropic credentials configured, agent steps will echo their prompts")
		return agent.EchoExecutor{}, nil
	}
	key, _ := config.GetAPIKey(cfg)
	exec, err := agent.NewAnthropicExecutor(agent.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        key,
		MaxTokens:     int64(cfg.Anthropic.MaxTokens),
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}
	return exec, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	out := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Slack.WebhookURL != "" {
		slack, err := notify.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Slack.Channel)
		if err != nil {
			return nil, err
		}
		out = append(out, slack)
	}
	return out, nil
}

func (s *Scheduler) notifyEscalation(ctx context.Context, t models.Ticket, reason string) {
	err := s.Notifier.Notify(ctx, notify.Message{
		Level:    notify.LevelWarning,
		Title:    "Ticket escalated",
		Text:     fmt.Sprintf("%s: %s", t.Title, reason),
		TicketID: t.ID,
		Fields: map[string]string{
			"status":   string(t.Status),
			"priority": t.Priority.String(),
			"queue":    string(t.AssignedQueue),
		},
	})
	if err != nil {
		s.logger.Warn("escalation notification failed", "ticket", t.ID, "error", err)
	}
}

// Config returns the configuration the scheduler was built from.
func (s *Scheduler) Config() *config.Config {
	return s.cfg
}

// Start recovers queued work and launches the background loops: the
// supervisor, the signal watcher, the digest cron and the Redis sink.
// It returns once they are running; Close stops them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}

	if _, err := s.Orchestrator.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.run("boss", func() error { return s.Boss.Run(runCtx) })
	s.run("signals", func() error { return s.Signals.Run(runCtx) })
	if s.Maintenance != nil {
		s.run("maintenance", func() error { return s.Maintenance.Start(runCtx) })
	}
	if s.redis != nil {
		sink := events.NewRedisSink(s.redis, s.cfg.Redis.Stream, s.cfg.Redis.MaxLen, s.logger)
		s.run("redis sink", func() error { return sink.Run(runCtx, s.Bus) })
	}

	s.logger.Info("scheduler started", "db", s.Store.Path(), "signals", s.Signals.Dir())
	// Recovered tickets are dispatched on the first cycle.
	s.Boss.Wake()
	return nil
}

func (s *Scheduler) run(name string, fn func() error) {
	s.wg.Go(func() {
		if err := fn(); err != nil {
			s.logger.Error("background loop exited", "loop", name, "error", err)
		}
	})
}

// Server returns an API server over the scheduler's components.
func (s *Scheduler) Server() *server.Server {
	return server.New(server.Deps{
		Store:        s.Store,
		Orchestrator: s.Orchestrator,
		Queue:        s.Queue,
		Tree:         s.Tree,
		Roles:        s.Roles,
		Boss:         s.Boss,
		Bus:          s.Bus,
	}, s.logger)
}

// Close stops the background loops, waits for running pipelines and
// releases the store. It is safe to call more than once.
func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		err = s.release()
		s.logger.Info("scheduler stopped")
	})
	return err
}

// release closes whatever New managed to build.
func (s *Scheduler) release() error {
	if s.Orchestrator != nil {
		s.Orchestrator.Close()
	}
	if s.Bus != nil {
		s.Bus.Close()
	}
	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.ownsStore && s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
