package setup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/sim/state"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

// EnginePort is the engine's public HTTP port.
const EnginePort = 5001

const (
	servicesFile = "config/services.txt"
	ctfJSONFile  = "config/ctf.json"
)

// Setup owns the competition layout: generated teams and services, the
// engine's ctf.json, and the provider that provisions hosts.
type Setup struct {
	cfg      *Config
	dir      string
	provider Provider
	log      logging.Logger

	signingKey string
	teams      []*model.Team
	services   []*model.Service
	ips        model.IpAddresses
	addressed  bool
}

// Option customises Setup construction.
type Option func(*Setup)

// WithProvider replaces the provider selected from the configured location.
func WithProvider(p Provider) Option {
	return func(s *Setup) {
		s.provider = p
	}
}

// New prepares a setup rooted at dir, usually test-setup/<location>.
func New(cfg *Config, secrets *Secrets, dir string, run ScriptRunner, log logging.Logger, opts ...Option) (*Setup, error) {
	if cfg == nil || secrets == nil {
		return nil, fmt.Errorf("%w: config and secrets are required", ErrConfig)
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &Setup{cfg: cfg, dir: dir, log: log}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.provider == nil {
		p, err := NewProvider(cfg, secrets, dir, run, log)
		if err != nil {
			return nil, err
		}
		s.provider = p
	}
	return s, nil
}

// Configure generates teams and services, writes services.txt and ctf.json
// and converts the provider templates.
func (s *Setup) Configure(ctx context.Context) error {
	key, err := NewFlagSigningKey()
	if err != nil {
		return err
	}
	s.signingKey = key
	s.teams = GenerateTeams(s.cfg.SimulationType(), s.cfg.Settings.Teams)
	s.services = NewServices(s.cfg.Settings.Services)

	if err := s.writeServices(); err != nil {
		return err
	}
	if err := s.writeCtfJSON(); err != nil {
		return err
	}

	for _, step := range []struct {
		name string
		fn   func() error
	}{
		{"build script", s.provider.ConvertBuild},
		{"deploy script", s.provider.ConvertDeploy},
		{"infrastructure files", s.provider.ConvertInfraFiles},
		{"vm scripts", s.provider.ConvertVMScripts},
	} {
		if err := step.fn(); err != nil {
			return fmt.Errorf("convert %s: %w", step.name, err)
		}
	}

	s.log.Info(ctx, "configuration complete",
		logging.Int("teams", len(s.teams)),
		logging.Int("services", len(s.services)),
		logging.String("location", string(s.cfg.Location())),
	)
	return nil
}

// BuildInfra provisions hosts, reads their addresses and places teams and
// checkers on them. ctf.json is rewritten with the final addresses.
func (s *Setup) BuildInfra(ctx context.Context) error {
	if s.teams == nil {
		return fmt.Errorf("setup is not configured")
	}
	if err := s.provider.Build(ctx); err != nil {
		return fmt.Errorf("build infrastructure: %w", err)
	}
	ips, err := s.provider.GetIPAddresses()
	if err != nil {
		return fmt.Errorf("read ip addresses: %w", err)
	}
	if err := ApplyTopology(ips, s.cfg.Settings.Vulnboxes, s.teams, s.services, s.cfg.Settings.CheckerPorts); err != nil {
		return err
	}
	s.ips = ips
	s.addressed = true

	if err := s.writeCtfJSON(); err != nil {
		return err
	}
	s.log.Info(ctx, "infrastructure built", logging.Int("hosts", len(ips.Public)))
	return nil
}

// Deploy runs the provider's deployment.
func (s *Setup) Deploy(ctx context.Context) error {
	if err := s.provider.Deploy(ctx); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	return nil
}

// Destroy tears the provider's infrastructure down.
func (s *Setup) Destroy(ctx context.Context) error {
	if err := s.provider.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	s.log.Info(ctx, "infrastructure destroyed")
	return nil
}

// Teams returns the generated teams.
func (s *Setup) Teams() []*model.Team { return s.teams }

// Services returns the generated services.
func (s *Setup) Services() []*model.Service { return s.services }

// IPs returns the provisioned host addresses.
func (s *Setup) IPs() model.IpAddresses { return s.ips }

// BuildRegistry loads the addressed teams and services into a fresh registry.
func (s *Setup) BuildRegistry(log logging.Logger, opts ...state.RegistryOption) (*state.Registry, error) {
	if !s.addressed {
		return nil, fmt.Errorf("infrastructure has not been built")
	}
	reg := state.NewRegistry(log, opts...)
	for _, svc := range s.services {
		if err := reg.AddService(svc.Clone()); err != nil {
			return nil, err
		}
	}
	for _, t := range s.teams {
		if err := reg.AddTeam(t.Clone()); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// EngineURL is the base URL of the engine's public scoreboard.
func (s *Setup) EngineURL() (string, error) {
	addr, ok := s.ips.Public["engine"]
	if !ok || addr == "" {
		return "", fmt.Errorf("no public address for engine")
	}
	return fmt.Sprintf("http://%s:%d", addr, EnginePort), nil
}

// EnginePrivateAddress is where flag submissions are tunnelled to.
func (s *Setup) EnginePrivateAddress() (string, error) {
	addr, ok := s.ips.Private["engine"]
	if !ok || addr == "" {
		return "", fmt.Errorf("no private address for engine")
	}
	return addr, nil
}

func (s *Setup) writeServices() error {
	path := filepath.Join(s.dir, servicesFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	body := strings.Join(s.cfg.Settings.Services, "\n") + "\n"
	return os.WriteFile(path, []byte(body), 0o644)
}

func (s *Setup) writeCtfJSON() error {
	doc := BuildCtfJSON(s.cfg.CtfJSON, s.signingKey, s.teams, s.services)
	return doc.Write(filepath.Join(s.dir, ctfJSONFile))
}
