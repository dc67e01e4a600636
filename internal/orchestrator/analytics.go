package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
)

// HostStats is the resource snapshot of one infrastructure host.
type HostStats struct {
	Name         string
	Address      string
	Load1        float64
	MemTotal     float64
	MemAvailable float64
	// Containers maps container name to memory usage in bytes.
	Containers map[string]float64
}

// MemUsedPercent returns the share of memory in use, 0 when unknown.
func (h HostStats) MemUsedPercent() float64 {
	if h.MemTotal <= 0 {
		return 0
	}
	return 100 * (h.MemTotal - h.MemAvailable) / h.MemTotal
}

// CollectSystemAnalytics scrapes the node exporter and cAdvisor of every
// public host. It is best-effort: hosts that fail are logged at debug and
// left out, and each scrape is bounded by a short timeout.
func (o *Orchestrator) CollectSystemAnalytics(ctx context.Context) []HostStats {
	ctx, span := o.tracer.Start(ctx, "orchestrator.collect_system_analytics")
	defer span.End()

	names := make([]string, 0, len(o.cfg.IPs.Public))
	for name := range o.cfg.IPs.Public {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		g   errgroup.Group
		mu  sync.Mutex
		out []HostStats
	)
	for _, name := range names {
		addr := o.cfg.IPs.Public[name]
		g.Go(func() error {
			stats, err := o.scrapeHost(ctx, name, addr)
			if err != nil {
				o.log.Debug(ctx, "system analytics unavailable",
					logging.String("host", name),
					logging.Err(err),
				)
				return nil
			}
			if o.metrics != nil {
				o.metrics.SetHostStats(name, stats.Load1, stats.MemTotal, stats.MemAvailable, stats.Containers)
			}
			mu.Lock()
			out = append(out, stats)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (o *Orchestrator) scrapeHost(ctx context.Context, name, addr string) (HostStats, error) {
	ctx, cancel := context.WithTimeout(ctx, o.analyticsTimeout)
	defer cancel()

	stats := HostStats{Name: name, Address: addr, Containers: map[string]float64{}}

	node, err := o.scrape(ctx, addr, o.nodeExporterPort)
	if err != nil {
		return stats, err
	}
	stats.Load1 = firstValue(node["node_load1"])
	stats.MemTotal = firstValue(node["node_memory_MemTotal_bytes"])
	stats.MemAvailable = firstValue(node["node_memory_MemAvailable_bytes"])

	// Only some hosts run cAdvisor; its absence is not an error.
	containers, err := o.scrape(ctx, addr, o.cadvisorPort)
	if err == nil {
		if mf, ok := containers["container_memory_usage_bytes"]; ok {
			for _, m := range mf.GetMetric() {
				cname := labelValue(m, "name")
				if cname == "" {
					continue
				}
				stats.Containers[cname] = metricValue(m)
			}
		}
	}
	return stats, nil
}

func (o *Orchestrator) scrape(ctx context.Context, addr string, port int) (map[string]*dto.MetricFamily, error) {
	url := "http://" + net.JoinHostPort(addr, strconv.Itoa(port)) + "/metrics"
	body, err := o.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	return families, nil
}

func firstValue(mf *dto.MetricFamily) float64 {
	if mf == nil || len(mf.GetMetric()) == 0 {
		return 0
	}
	return metricValue(mf.GetMetric()[0])
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
