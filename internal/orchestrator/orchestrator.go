// Package orchestrator is the simulation's single point of contact with the
// scoring engine, the service checkers and the team hosts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/observability"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/protocol"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/sim/state"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

// ErrNetwork marks a failed call to the engine, a checker or a host:
// timeouts, refused connections and non-2xx replies.
var ErrNetwork = errors.New("network error")

const (
	defaultTaskTimeout      = protocol.TaskTimeoutMillis * time.Millisecond
	defaultAnalyticsTimeout = 3 * time.Second
	maxResponseBytes        = 4 << 20
)

// FlagSubmitter delivers one team's flags. *submitter.Submitter satisfies it.
type FlagSubmitter interface {
	Submit(ctx context.Context, host string, flags []string) error
}

// Recorder receives per-call outcomes. *observability.SimulationCollector
// satisfies it.
type Recorder interface {
	RecordExploit(service, result string, captured bool)
	RecordSubmission(ok bool, flags int)
	SetHostStats(host string, load1, memTotal, memAvailable float64, containers map[string]float64)
}

// Config locates the engine and the provisioned hosts.
type Config struct {
	// EngineURL is the scoreboard base URL, e.g. http://20.1.2.3:5001.
	EngineURL string
	IPs       model.IpAddresses
}

// Orchestrator talks to the engine and checkers on behalf of the simulation.
type Orchestrator struct {
	cfg       Config
	registry  *state.Registry
	codec     *protocol.Codec
	submitter FlagSubmitter
	metrics   Recorder
	client    *http.Client
	log       logging.Logger
	tracer    trace.Tracer

	taskTimeout      time.Duration
	analyticsTimeout time.Duration
	nodeExporterPort int
	cadvisorPort     int

	// variantIndex feeds unique chain ids for exploit tasks across the run.
	variantIndex atomic.Int64
	attackInfo   atomic.Pointer[AttackInfo]
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithHTTPClient replaces the HTTP client used for engine, checker and
// analytics calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.client = c
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithTaskTimeout overrides the per-checker-call timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.taskTimeout = d
		}
	}
}

// WithAnalyticsPorts overrides the node exporter and cAdvisor ports.
func WithAnalyticsPorts(nodeExporter, cadvisor int) Option {
	return func(o *Orchestrator) {
		o.nodeExporterPort = nodeExporter
		o.cadvisorPort = cadvisor
	}
}

// New builds an Orchestrator. registry and codec are required.
func New(cfg Config, registry *state.Registry, codec *protocol.Codec, sub FlagSubmitter, log logging.Logger, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if codec == nil {
		return nil, errors.New("orchestrator: codec is required")
	}
	if cfg.EngineURL == "" {
		return nil, errors.New("orchestrator: engine url is required")
	}
	if log == nil {
		log = logging.Noop()
	}
	o := &Orchestrator{
		cfg:              cfg,
		registry:         registry,
		codec:            codec,
		submitter:        sub,
		client:           &http.Client{},
		log:              log,
		tracer:           observability.Tracer(),
		taskTimeout:      defaultTaskTimeout,
		analyticsTimeout: defaultAnalyticsTimeout,
		nodeExporterPort: 9100,
		cadvisorPort:     8080,
	}
	o.cfg.EngineURL = strings.TrimRight(cfg.EngineURL, "/")
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// DiscoverServices asks the first checker of every service for its info,
// records the flagstore count and initialises every team's flagstores for
// that service. Any failure is fatal for the run.
func (o *Orchestrator) DiscoverServices(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.discover_services")
	defer span.End()

	for _, svc := range o.registry.Services() {
		checker := strings.TrimRight(svc.Checkers[0], "/")
		body, err := o.get(ctx, checker+"/service")
		if err != nil {
			observability.FailSpan(span, err, "service discovery failed")
			return fmt.Errorf("discover %s: %w", svc.Name, err)
		}
		info, err := protocol.DeserializeInfo(body)
		if err != nil {
			observability.FailSpan(span, err, "malformed checker info")
			return fmt.Errorf("discover %s: %w", svc.Name, err)
		}
		if info.ServiceName != svc.Name {
			o.log.Warn(ctx, "checker reports a different service name",
				logging.String("service", svc.Name),
				logging.String("reported", info.ServiceName),
				logging.String("checker", checker),
			)
		}
		if err := o.registry.SetFlagstores(svc.Name, info.ExploitVariants); err != nil {
			return err
		}
		o.registry.InitFlagstores(svc.Name, info.ExploitVariants)
		span.AddEvent("service discovered", trace.WithAttributes(
			attribute.String("service", svc.Name),
			attribute.Int("flagstores", info.ExploitVariants),
		))
		o.log.Info(ctx, "service discovered",
			logging.String("service", svc.Name),
			logging.Int("flagstores", info.ExploitVariants),
		)
	}
	return nil
}

// get performs a GET and returns the body of a 2xx reply.
func (o *Orchestrator) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request %s: %v", ErrNetwork, url, err)
	}
	return o.do(req)
}

func (o *Orchestrator) do(req *http.Request) ([]byte, error) {
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetwork, req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s: status %s", ErrNetwork, req.Method, req.URL, resp.Status)
	}
	return body, nil
}
