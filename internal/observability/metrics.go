package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes used as label values.
const (
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
)

// SimulationCollector bundles the Prometheus metrics of a simulation run and
// serves them over HTTP. All methods are safe on a nil receiver.
type SimulationCollector struct {
	gatherer prometheus.Gatherer

	Rounds        prometheus.Counter
	CurrentRound  prometheus.Gauge
	RoundDuration prometheus.Histogram

	ExploitRequests *prometheus.CounterVec
	FlagsCaptured   *prometheus.CounterVec
	Submissions     *prometheus.CounterVec
	SubmittedFlags  prometheus.Counter

	TeamPoints *prometheus.GaugeVec
	TeamGain   *prometheus.GaugeVec

	HostLoad1           *prometheus.GaugeVec
	HostMemoryTotal     *prometheus.GaugeVec
	HostMemoryAvailable *prometheus.GaugeVec
	ContainerMemory     *prometheus.GaugeVec
}

// NewSimulationCollector registers simulation metrics against reg, defaulting
// to the global Prometheus registry when nil. Registering twice against the
// same registry returns the existing collectors.
func NewSimulationCollector(reg prometheus.Registerer) (*SimulationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &SimulationCollector{gatherer: gatherer}

	var err error
	if c.Rounds, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_rounds_total",
		Help: "Number of completed simulation rounds.",
	}), "sim_rounds_total"); err != nil {
		return nil, err
	}
	if c.CurrentRound, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_current_round",
		Help: "Round id reported by the engine for the round in progress.",
	}), "sim_current_round"); err != nil {
		return nil, err
	}
	if c.RoundDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_round_work_duration_seconds",
		Help:    "Time spent on round work before pacing to the round deadline.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}), "sim_round_work_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ExploitRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_exploit_requests_total",
		Help: "Exploit tasks sent to checkers, labeled by service and checker result.",
	}, []string{"service", "result"}), "sim_exploit_requests_total"); err != nil {
		return nil, err
	}
	if c.FlagsCaptured, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_flags_captured_total",
		Help: "Flags extracted from exploit responses, labeled by service.",
	}, []string{"service"}), "sim_flags_captured_total"); err != nil {
		return nil, err
	}
	if c.Submissions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_flag_submissions_total",
		Help: "Per-team flag batches, labeled by outcome.",
	}, []string{"outcome"}), "sim_flag_submissions_total"); err != nil {
		return nil, err
	}
	if c.SubmittedFlags, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_submitted_flags_total",
		Help: "Flags delivered to the engine submission port.",
	}), "sim_submitted_flags_total"); err != nil {
		return nil, err
	}
	if c.TeamPoints, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_team_points",
		Help: "Total score of a team as reported by the engine scoreboard.",
	}, []string{"team"}), "sim_team_points"); err != nil {
		return nil, err
	}
	if c.TeamGain, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_team_gain",
		Help: "Score change of a team since the previous scoreboard refresh.",
	}, []string{"team"}), "sim_team_gain"); err != nil {
		return nil, err
	}
	if c.HostLoad1, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_host_load1",
		Help: "One-minute load average scraped from a host's node exporter.",
	}, []string{"host"}), "sim_host_load1"); err != nil {
		return nil, err
	}
	if c.HostMemoryTotal, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_host_memory_total_bytes",
		Help: "Total memory of a host.",
	}, []string{"host"}), "sim_host_memory_total_bytes"); err != nil {
		return nil, err
	}
	if c.HostMemoryAvailable, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_host_memory_available_bytes",
		Help: "Available memory of a host.",
	}, []string{"host"}), "sim_host_memory_available_bytes"); err != nil {
		return nil, err
	}
	if c.ContainerMemory, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_container_memory_usage_bytes",
		Help: "Memory used by a container, scraped from the host's cAdvisor.",
	}, []string{"host", "container"}), "sim_container_memory_usage_bytes"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimulationCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the gatherer backing Handler.
func (c *SimulationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveRound records a finished round and the time its work took.
func (c *SimulationCollector) ObserveRound(roundID int, work time.Duration) {
	if c == nil {
		return
	}
	c.Rounds.Inc()
	c.CurrentRound.Set(float64(roundID))
	c.RoundDuration.Observe(work.Seconds())
}

// RecordExploit counts one exploit task. result is the checker result, or
// "error" when no result came back.
func (c *SimulationCollector) RecordExploit(service, result string, captured bool) {
	if c == nil {
		return
	}
	c.ExploitRequests.WithLabelValues(service, result).Inc()
	if captured {
		c.FlagsCaptured.WithLabelValues(service).Inc()
	}
}

// RecordSubmission counts one team's flag batch.
func (c *SimulationCollector) RecordSubmission(ok bool, flags int) {
	if c == nil {
		return
	}
	if !ok {
		c.Submissions.WithLabelValues(OutcomeFailed).Inc()
		return
	}
	c.Submissions.WithLabelValues(OutcomeSubmitted).Inc()
	c.SubmittedFlags.Add(float64(flags))
}

// SetTeamScore publishes scoreboard points and gain for a team.
func (c *SimulationCollector) SetTeamScore(team string, points, gain float64) {
	if c == nil {
		return
	}
	c.TeamPoints.WithLabelValues(team).Set(points)
	c.TeamGain.WithLabelValues(team).Set(gain)
}

// SetHostStats publishes the analytics scraped from one host.
func (c *SimulationCollector) SetHostStats(host string, load1, memTotal, memAvailable float64, containers map[string]float64) {
	if c == nil {
		return
	}
	c.HostLoad1.WithLabelValues(host).Set(load1)
	c.HostMemoryTotal.WithLabelValues(host).Set(memTotal)
	c.HostMemoryAvailable.WithLabelValues(host).Set(memAvailable)
	for name, bytes := range containers {
		c.ContainerMemory.WithLabelValues(host, name).Set(bytes)
	}
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
