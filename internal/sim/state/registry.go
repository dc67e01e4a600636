// internal/sim/state/registry.go
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

var (
	// ErrTeamExists indicates a team with the same name is already registered.
	ErrTeamExists = errors.New("team already exists")
	// ErrTeamNotFound indicates a requested team was not found.
	ErrTeamNotFound = errors.New("team not found")
	// ErrServiceExists indicates a service with the same name is already registered.
	ErrServiceExists = errors.New("service already exists")
	// ErrServiceNotFound indicates a requested service was not found.
	ErrServiceNotFound = errors.New("service not found")
)

// RoundInfo is the round metadata shared with status readers.
type RoundInfo struct {
	RoundID         int
	RoundStart      time.Time
	RemainingRounds int
	TotalRounds     int
}

// Registry holds every team and service of a simulation plus the current
// round metadata.
//
// Each partition has its own lock so a status reader looking at round
// metadata never waits on team mutations. No method holds more than one of
// the three locks at a time.
type Registry struct {
	teamMu    sync.RWMutex
	teams     map[string]*model.Team
	teamOrder []string

	serviceMu    sync.RWMutex
	services     map[string]*model.Service
	serviceOrder []string

	roundMu sync.RWMutex
	round   RoundInfo

	log     logging.Logger
	metrics ScoreRecorder
}

// ScoreRecorder receives scoreboard updates for every team.
type ScoreRecorder interface {
	SetTeamScore(team string, points, gain float64)
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithScoreRecorder attaches an optional recorder for team scores.
func WithScoreRecorder(m ScoreRecorder) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(log logging.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = logging.Noop()
	}
	r := &Registry{
		teams:    make(map[string]*model.Team),
		services: make(map[string]*model.Service),
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// AddTeam registers a team. The registry keeps the pointer; callers must not
// mutate it afterwards.
func (r *Registry) AddTeam(t *model.Team) error {
	if t == nil {
		return errors.New("team is nil")
	}
	if t.Exploiting == nil {
		t.Exploiting = make(model.Flagstores)
	}
	if t.Patched == nil {
		t.Patched = make(model.Flagstores)
	}

	r.teamMu.Lock()
	defer r.teamMu.Unlock()

	if _, exists := r.teams[t.Name]; exists {
		return fmt.Errorf("%w: %q", ErrTeamExists, t.Name)
	}
	r.teams[t.Name] = t
	r.teamOrder = append(r.teamOrder, t.Name)
	sort.SliceStable(r.teamOrder, func(i, j int) bool {
		return r.teams[r.teamOrder[i]].ID < r.teams[r.teamOrder[j]].ID
	})
	return nil
}

// AddService registers a service.
func (r *Registry) AddService(s *model.Service) error {
	if s == nil {
		return errors.New("service is nil")
	}
	if len(s.Checkers) == 0 {
		return fmt.Errorf("service %q has no checkers", s.Name)
	}

	r.serviceMu.Lock()
	defer r.serviceMu.Unlock()

	if _, exists := r.services[s.Name]; exists {
		return fmt.Errorf("%w: %q", ErrServiceExists, s.Name)
	}
	r.services[s.Name] = s
	r.serviceOrder = append(r.serviceOrder, s.Name)
	return nil
}

// Teams returns deep copies of all teams ordered by ID.
func (r *Registry) Teams() []*model.Team {
	r.teamMu.RLock()
	defer r.teamMu.RUnlock()

	out := make([]*model.Team, 0, len(r.teamOrder))
	for _, name := range r.teamOrder {
		out = append(out, r.teams[name].Clone())
	}
	return out
}

// Team returns a deep copy of the named team.
func (r *Registry) Team(name string) (*model.Team, error) {
	r.teamMu.RLock()
	defer r.teamMu.RUnlock()

	t, ok := r.teams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTeamNotFound, name)
	}
	return t.Clone(), nil
}

// TeamCount returns the number of registered teams.
func (r *Registry) TeamCount() int {
	r.teamMu.RLock()
	defer r.teamMu.RUnlock()
	return len(r.teams)
}

// UpdateTeams runs fn with the team lock held for writing. Teams are passed
// in ID order and may be mutated in place. fn must not call back into the
// registry.
func (r *Registry) UpdateTeams(fn func(teams []*model.Team)) {
	if fn == nil {
		return
	}
	r.teamMu.Lock()
	defer r.teamMu.Unlock()

	teams := make([]*model.Team, 0, len(r.teamOrder))
	for _, name := range r.teamOrder {
		teams = append(teams, r.teams[name])
	}
	fn(teams)
}

// InitFlagstores registers count flagstores of service on every team, all
// false. Existing values are kept.
func (r *Registry) InitFlagstores(service string, count int) {
	r.teamMu.Lock()
	defer r.teamMu.Unlock()

	for _, t := range r.teams {
		t.Exploiting.Init(service, count)
		t.Patched.Init(service, count)
	}
}

// SetScore stores the scoreboard points of a team. Gain is the difference to
// the previously stored points.
func (r *Registry) SetScore(name string, points float64) error {
	r.teamMu.Lock()
	t, ok := r.teams[name]
	if !ok {
		r.teamMu.Unlock()
		return fmt.Errorf("%w: %q", ErrTeamNotFound, name)
	}
	t.Gain = points - t.Points
	t.Points = points
	gain := t.Gain
	r.teamMu.Unlock()

	if r.metrics != nil {
		r.metrics.SetTeamScore(name, points, gain)
	}
	return nil
}

// Services returns copies of all services in registration order.
func (r *Registry) Services() []*model.Service {
	r.serviceMu.RLock()
	defer r.serviceMu.RUnlock()

	out := make([]*model.Service, 0, len(r.serviceOrder))
	for _, name := range r.serviceOrder {
		out = append(out, r.services[name].Clone())
	}
	return out
}

// Service returns a copy of the named service.
func (r *Registry) Service(name string) (*model.Service, error) {
	r.serviceMu.RLock()
	defer r.serviceMu.RUnlock()

	s, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	return s.Clone(), nil
}

// SetFlagstores records the flagstore count discovered for a service.
func (r *Registry) SetFlagstores(name string, count int) error {
	r.serviceMu.Lock()
	defer r.serviceMu.Unlock()

	s, ok := r.services[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	s.Flagstores = count
	return nil
}

// Round returns the current round metadata.
func (r *Registry) Round() RoundInfo {
	r.roundMu.RLock()
	defer r.roundMu.RUnlock()
	return r.round
}

// UpdateRound runs fn with the round lock held for writing. fn must not call
// back into the registry; network calls made from fn are visible to readers
// as a blocked round partition only.
func (r *Registry) UpdateRound(fn func(*RoundInfo) error) error {
	if fn == nil {
		return nil
	}
	r.roundMu.Lock()
	defer r.roundMu.Unlock()
	return fn(&r.round)
}

// Snapshot captures teams, services and round metadata. Each partition is
// read under its own lock, one after the other, so the three parts may come
// from different instants but none is ever half-updated.
type Snapshot struct {
	Teams    []*model.Team
	Services []*model.Service
	Round    RoundInfo
}

// Snapshot returns a read-only copy of the registry for status readers that
// need all three partitions at once.
func (r *Registry) Snapshot() *Snapshot {
	return &Snapshot{
		Round:    r.Round(),
		Teams:    r.Teams(),
		Services: r.Services(),
	}
}
