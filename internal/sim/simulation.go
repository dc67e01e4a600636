// Package sim drives the simulated competition round by round.
package sim

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/observability"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/orchestrator"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/sim/state"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
	"github.com/signalsfoundry/ad-ctf-simulator/timectrl"
)

const defaultPollInterval = 2 * time.Second

// Orchestrator is what the round loop needs from the outside world.
// *orchestrator.Orchestrator satisfies it.
type Orchestrator interface {
	GetRoundInfo(ctx context.Context) (int, error)
	AttackInfo() *orchestrator.AttackInfo
	ParseScoreboard(ctx context.Context) error
	Exploit(ctx context.Context, roundID int, source *model.Team, teams []*model.Team, services []*model.Service) []string
	SubmitFlags(ctx context.Context, batches []orchestrator.Batch) int
	CollectSystemAnalytics(ctx context.Context) []orchestrator.HostStats
}

// RoundRecorder receives per-round metrics.
type RoundRecorder interface {
	ObserveRound(roundID int, work time.Duration)
}

// Config holds the scheduling parameters of a run.
type Config struct {
	Type            model.SimulationType
	DurationMinutes int
	RoundLength     time.Duration
	Verbose         bool
}

// TotalRounds is the number of rounds that fit in the configured duration.
func (c Config) TotalRounds() int {
	if c.RoundLength <= 0 {
		return 0
	}
	return int(time.Duration(c.DurationMinutes) * time.Minute / c.RoundLength)
}

// Simulation is the round scheduler.
type Simulation struct {
	cfg      Config
	registry *state.Registry
	orch     Orchestrator
	clock    timectrl.Clock
	pacer    *timectrl.Pacer
	rng      *rand.Rand
	render   *Renderer
	metrics  RoundRecorder
	log      logging.Logger
	tracer   trace.Tracer
	poll     time.Duration
	total    int
}

// Option customises a Simulation.
type Option func(*Simulation)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c timectrl.Clock) Option {
	return func(s *Simulation) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRand supplies the random source used for behavior sampling.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulation) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithOutput sets where the round view is printed.
func WithOutput(w io.Writer) Option {
	return func(s *Simulation) { s.render = NewRenderer(w, s.cfg.Verbose) }
}

// WithRoundRecorder attaches round metrics.
func WithRoundRecorder(m RoundRecorder) Option {
	return func(s *Simulation) { s.metrics = m }
}

// WithPollInterval sets the wait between scoreboard probes before the first
// round.
func WithPollInterval(d time.Duration) Option {
	return func(s *Simulation) {
		if d > 0 {
			s.poll = d
		}
	}
}

// New builds a Simulation over registry. Services must already be discovered.
func New(cfg Config, registry *state.Registry, orch Orchestrator, log logging.Logger, opts ...Option) (*Simulation, error) {
	if registry == nil || orch == nil {
		return nil, errors.New("sim: registry and orchestrator are required")
	}
	if cfg.RoundLength <= 0 {
		return nil, errors.New("sim: round length must be positive")
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &Simulation{
		cfg:      cfg,
		registry: registry,
		orch:     orch,
		clock:    timectrl.Wall(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		render:   NewRenderer(nil, cfg.Verbose),
		log:      log,
		tracer:   observability.Tracer(),
		poll:     defaultPollInterval,
		total:    cfg.TotalRounds(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.pacer = timectrl.NewPacer(s.clock, cfg.RoundLength)

	_ = registry.UpdateRound(func(r *state.RoundInfo) error {
		r.TotalRounds = s.total
		r.RemainingRounds = s.total
		return nil
	})
	return s, nil
}

// Run waits for the engine scoreboard, then plays every round. It returns
// early only when ctx ends.
func (s *Simulation) Run(ctx context.Context) error {
	if err := s.WaitForScoreboard(ctx); err != nil {
		return err
	}
	s.log.Info(ctx, "simulation started",
		logging.Int("total_rounds", s.total),
		logging.Duration("round_length", s.cfg.RoundLength),
		logging.String("type", string(s.cfg.Type)),
	)
	for i := 0; i < s.total; i++ {
		if err := s.Step(ctx, i); err != nil {
			return err
		}
	}
	s.log.Info(ctx, "simulation finished", logging.Int("rounds", s.total))
	return nil
}

// WaitForScoreboard polls the engine until it publishes attack info.
func (s *Simulation) WaitForScoreboard(ctx context.Context) error {
	s.log.Info(ctx, "waiting for scoreboard to become available")
	for {
		_, err := s.orch.GetRoundInfo(ctx)
		if err == nil {
			return nil
		}
		s.log.Debug(ctx, "scoreboard not available yet", logging.Err(err))
		if err := s.clock.Sleep(ctx, s.poll); err != nil {
			return err
		}
	}
}

// Step plays round number iteration (0-based) and paces to its deadline.
func (s *Simulation) Step(ctx context.Context, iteration int) error {
	var (
		start   time.Time
		roundID int
	)
	_ = s.registry.UpdateRound(func(r *state.RoundInfo) error {
		start = s.clock.Now()
		r.RoundStart = start
		r.RemainingRounds = s.total - iteration
		id, err := s.orch.GetRoundInfo(ctx)
		if err != nil {
			s.log.Warn(ctx, "round info unavailable, keeping previous round id",
				logging.Int("previous_round", r.RoundID),
				logging.Err(err),
			)
		} else {
			r.RoundID = id
		}
		roundID = r.RoundID
		return nil
	})

	ctx = logging.ContextWithRound(ctx, roundID)
	ctx, span := s.tracer.Start(ctx, "sim.round", trace.WithAttributes(
		attribute.Int("round", roundID),
		attribute.Int("remaining", s.total-iteration),
	))
	defer span.End()

	s.render.Header(roundID, s.total-iteration)
	s.render.AttackInfo(s.orch.AttackInfo())
	s.render.Teams(s.registry.Teams())

	if s.cfg.Type == model.SimulationRealistic {
		actions := s.updateBehavior()
		for _, a := range actions {
			s.log.Debug(ctx, "team behavior changed",
				logging.String("team", a.Team),
				logging.String("action", a.Variant.String()),
				logging.String("service", a.Target.Service),
				logging.String("flagstore", model.FlagstoreName(a.Target.Flagstore)),
			)
		}
		s.render.Actions(actions)
	}

	_ = s.orch.ParseScoreboard(ctx)

	var (
		g       errgroup.Group
		batches []orchestrator.Batch
		stats   []orchestrator.HostStats
	)
	g.Go(func() error {
		batches = s.exploitAll(ctx, roundID)
		return nil
	})
	g.Go(func() error {
		stats = s.orch.CollectSystemAnalytics(ctx)
		return nil
	})
	_ = g.Wait()

	if failed := s.orch.SubmitFlags(ctx, batches); failed > 0 {
		s.log.Warn(ctx, "some flag batches were lost", logging.Int("failed", failed))
	}

	s.render.Analytics(stats)

	work := s.clock.Now().Sub(start)
	if s.metrics != nil {
		s.metrics.ObserveRound(roundID, work)
	}
	span.SetAttributes(attribute.Int64("work_ms", work.Milliseconds()))

	slept, err := s.pacer.WaitRoundEnd(ctx, start)
	if err != nil {
		return err
	}
	if slept == 0 {
		s.log.Warn(ctx, "round overran its length",
			logging.Duration("work", work),
			logging.Duration("round_length", s.cfg.RoundLength),
		)
	}
	return nil
}

// updateBehavior samples and applies every team's action under the team lock.
func (s *Simulation) updateBehavior() []Action {
	var actions []Action
	s.registry.UpdateTeams(func(teams []*model.Team) {
		for _, t := range teams {
			a, ok := SampleBehavior(t, s.rng)
			if ok && a.Apply(t) {
				actions = append(actions, a)
			}
		}
	})
	return actions
}

// exploitAll lets every team attack every other team concurrently and
// collects one batch per team.
func (s *Simulation) exploitAll(ctx context.Context, roundID int) []orchestrator.Batch {
	teams := s.registry.Teams()
	services := s.registry.Services()

	batches := make([]orchestrator.Batch, len(teams))
	var g errgroup.Group
	for i, team := range teams {
		g.Go(func() error {
			batches[i] = orchestrator.Batch{
				Team:    team.Name,
				Address: team.Address,
				Flags:   s.orch.Exploit(ctx, roundID, team, teams, services),
			}
			return nil
		})
	}
	_ = g.Wait()
	return batches
}
