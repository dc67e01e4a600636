package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/observability"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/protocol"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

// resultError labels exploit calls that produced no checker result.
const resultError = "error"

// Target is one exploit call: source attacks a flagstore of target's service.
type Target struct {
	Team      *model.Team
	Service   *model.Service
	Flagstore int
}

// Targets lists the calls source makes this round. A flagstore of target T is
// attacked when source exploits it and T has not patched it. Teams never
// attack themselves.
func Targets(source *model.Team, teams []*model.Team, services []*model.Service) []Target {
	var out []Target
	for _, target := range teams {
		if target.Name == source.Name {
			continue
		}
		for _, svc := range services {
			for f := 0; f < svc.Flagstores; f++ {
				if source.Exploiting.Get(svc.Name, f) && !target.Patched.Get(svc.Name, f) {
					out = append(out, Target{Team: target, Service: svc, Flagstore: f})
				}
			}
		}
	}
	return out
}

// CheckerFor picks the checker endpoint serving target.
func CheckerFor(svc *model.Service, target *model.Team) string {
	n := len(svc.Checkers)
	return strings.TrimRight(svc.Checkers[((target.ID%n)+n)%n], "/")
}

// Exploit sends an exploit task for every target of source concurrently and
// returns the flags recovered. Failing targets are logged and skipped; the
// caller always gets the partial result.
func (o *Orchestrator) Exploit(ctx context.Context, roundID int, source *model.Team, teams []*model.Team, services []*model.Service) []string {
	targets := Targets(source, teams, services)
	if len(targets) == 0 {
		return nil
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.exploit", trace.WithAttributes(
		attribute.String("team", source.Name),
		attribute.Int("round", roundID),
		attribute.Int("targets", len(targets)),
	))
	defer span.End()

	var (
		mu    sync.Mutex
		flags []string
		g     errgroup.Group
	)
	for _, t := range targets {
		g.Go(func() error {
			flag, err := o.exploitOne(ctx, roundID, t)
			if err != nil {
				o.log.Warn(ctx, "exploit failed",
					logging.String("team", source.Name),
					logging.String("target", t.Team.Name),
					logging.String("service", t.Service.Name),
					logging.String("flagstore", model.FlagstoreName(t.Flagstore)),
					logging.Err(err),
				)
				return nil
			}
			if flag != "" {
				mu.Lock()
				flags = append(flags, flag)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("flags", len(flags)))
	return flags
}

func (o *Orchestrator) exploitOne(ctx context.Context, roundID int, t Target) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.taskTimeout)
	defer cancel()

	checker := CheckerFor(t.Service, t.Team)
	index := int(o.variantIndex.Add(1))
	hash := protocol.IgnoreFlagHash
	regex := protocol.FlagRegexASCII
	params := protocol.TaskParams{
		Method:             protocol.MethodExploit,
		RoundID:            roundID,
		VariantID:          t.Flagstore,
		Address:            t.Team.Address,
		FlagHash:           &hash,
		FlagRegex:          &regex,
		UniqueVariantIndex: &index,
	}
	if hint, ok := o.AttackInfo().Entry(t.Service.Name, t.Team.Address, roundID, t.Flagstore); ok {
		params.AttackInfo = &hint
	}

	msg, err := o.codec.BuildTaskMessage(params)
	if err != nil {
		o.record(t.Service.Name, resultError, false)
		return "", err
	}
	payload, err := protocol.Serialize(msg)
	if err != nil {
		o.record(t.Service.Name, resultError, false)
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, checker+"/", bytes.NewReader(payload))
	if err != nil {
		o.record(t.Service.Name, resultError, false)
		return "", fmt.Errorf("%w: build request %s: %v", ErrNetwork, checker, err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := o.do(req)
	if err != nil {
		o.record(t.Service.Name, resultError, false)
		return "", err
	}
	result, err := protocol.DeserializeResult(body)
	if err != nil {
		o.record(t.Service.Name, resultError, false)
		return "", err
	}
	if result.Result != protocol.ResultOK {
		o.record(t.Service.Name, string(result.Result), false)
		detail := ""
		if result.Message != nil {
			detail = *result.Message
		}
		return "", fmt.Errorf("checker %s returned %s: %s", checker, result.Result, detail)
	}

	flag, ok := extractResultFlag(result, body)
	o.record(t.Service.Name, string(result.Result), ok)
	if !ok {
		o.log.Debug(ctx, "exploit response carried no flag",
			logging.String("target", t.Team.Name),
			logging.String("service", t.Service.Name),
			logging.String("checker", checker),
		)
	}
	return flag, nil
}

// extractResultFlag searches the decoded flag and message fields before the
// raw body, since encoders may escape non-ASCII or '/' characters on the wire.
func extractResultFlag(result *protocol.ResultMessage, body []byte) (string, bool) {
	for _, field := range []*string{result.Flag, result.Message} {
		if field == nil {
			continue
		}
		if flag, ok := protocol.ExtractFlag(*field); ok {
			return flag, true
		}
	}
	return protocol.ExtractFlag(string(body))
}

func (o *Orchestrator) record(service, result string, captured bool) {
	if o.metrics != nil {
		o.metrics.RecordExploit(service, result, captured)
	}
}

// Batch is one team's harvested flags for a round.
type Batch struct {
	Team    string
	Address string // private address of the team's host
	Flags   []string
}

// SubmitFlags delivers every non-empty batch through the flag submitter on a
// worker pool sized to the team count. Per-team failures are logged and do
// not stop the others; the number of failed batches is returned.
func (o *Orchestrator) SubmitFlags(ctx context.Context, batches []Batch) int {
	if o.submitter == nil {
		return 0
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit_flags")
	defer span.End()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(max(o.registry.TeamCount(), 1))
	for _, b := range batches {
		if len(b.Flags) == 0 {
			continue
		}
		g.Go(func() error {
			err := o.submitOne(ctx, b)
			if o.metrics != nil {
				o.metrics.RecordSubmission(err == nil, len(b.Flags))
			}
			if err != nil {
				o.log.Warn(ctx, "flag submission failed",
					logging.String("team", b.Team),
					logging.Int("flags", len(b.Flags)),
					logging.Err(err),
				)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		observability.FailSpan(span, nil, fmt.Sprintf("%d batches lost", failed))
	}
	return failed
}

func (o *Orchestrator) submitOne(ctx context.Context, b Batch) error {
	host := b.Address
	if _, public, ok := o.cfg.IPs.PublicForPrivate(b.Address); ok {
		host = public
	}
	return o.submitter.Submit(ctx, host, b.Flags)
}
