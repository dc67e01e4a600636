package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/observability"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/protocol"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/sim/state"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

func flagFor(i int) string {
	return "ENO" + strings.Repeat(string(rune('A'+i)), 48)
}

func newRegistry(t *testing.T, teams int, checkers ...string) *state.Registry {
	t.Helper()
	reg := state.NewRegistry(nil)
	for i := 1; i <= teams; i++ {
		team := model.NewTeam(i, fmt.Sprintf("Team %d", i), model.ExperienceHaxxor)
		team.Address = fmt.Sprintf("10.1.%d.1", i)
		if err := reg.AddTeam(team); err != nil {
			t.Fatalf("AddTeam: %v", err)
		}
	}
	if len(checkers) == 0 {
		checkers = []string{"http://checker.invalid"}
	}
	if err := reg.AddService(&model.Service{ID: 1, Name: "CVExchange", Checkers: checkers}); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	return reg
}

func newOrchestrator(t *testing.T, reg *state.Registry, engineURL string, sub FlagSubmitter, opts ...Option) *Orchestrator {
	t.Helper()
	if engineURL == "" {
		engineURL = "http://engine.invalid:5001"
	}
	o, err := New(Config{EngineURL: engineURL}, reg, protocol.NewCodec("deadbeef"), sub, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestDiscoverServicesInitialisesFlagstores(t *testing.T) {
	checker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/service" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"serviceName":"CVExchange","flagVariants":2,"noiseVariants":1,"havocVariants":1,"exploitVariants":3}`)
	}))
	defer checker.Close()

	reg := newRegistry(t, 2, checker.URL)
	o := newOrchestrator(t, reg, "", nil)

	if err := o.DiscoverServices(context.Background()); err != nil {
		t.Fatalf("DiscoverServices: %v", err)
	}
	svc, _ := reg.Service("CVExchange")
	if svc.Flagstores != 3 {
		t.Fatalf("Flagstores = %d, want 3", svc.Flagstores)
	}
	for _, team := range reg.Teams() {
		if got := len(team.Exploiting.Unset()); got != 3 {
			t.Fatalf("%s exploiting slots = %d, want 3", team.Name, got)
		}
		if got := len(team.Patched.Unset()); got != 3 {
			t.Fatalf("%s patched slots = %d, want 3", team.Name, got)
		}
	}
}

func TestDiscoverServicesFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, ErrNetwork},
		{"malformed info", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"flagVariants":1}`)
		}, protocol.ErrProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checker := httptest.NewServer(tc.handler)
			defer checker.Close()

			o := newOrchestrator(t, newRegistry(t, 1, checker.URL), "", nil)
			if err := o.DiscoverServices(context.Background()); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGetRoundInfoUsesHighestRound(t *testing.T) {
	body := `{"availableTeams":["10.1.1.1"],"services":{"CVExchange":{"10.1.1.1":{"3":{"0":["user3"]},"5":{"0":["user5","other"]}}}}}`
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scoreboard/attack.json" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	defer engine.Close()

	o := newOrchestrator(t, newRegistry(t, 1), engine.URL, nil)
	round, err := o.GetRoundInfo(context.Background())
	if err != nil {
		t.Fatalf("GetRoundInfo: %v", err)
	}
	if round != 5 {
		t.Fatalf("round = %d, want 5", round)
	}
	hint, ok := o.AttackInfo().Entry("CVExchange", "10.1.1.1", 5, 0)
	if !ok || hint != "user5" {
		t.Fatalf("Entry = %q, %v; want first hint", hint, ok)
	}
}

func TestGetRoundInfoBeforeFirstRound(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"availableTeams":[],"services":{}}`)
	}))
	defer engine.Close()

	o := newOrchestrator(t, newRegistry(t, 1), engine.URL, nil)
	if _, err := o.GetRoundInfo(context.Background()); err == nil {
		t.Fatalf("expected error while no round is published")
	}
}

func TestParseScoreboardKeepsPreviousScoresOnFailure(t *testing.T) {
	var fail bool
	var mu sync.Mutex
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"teams":[{"teamName":"Team 1","teamId":1,"totalScore":12.5},{"teamName":"Team 2","teamId":2,"totalScore":4},{"teamName":"engine-only","teamId":99,"totalScore":1}]}`)
	}))
	defer engine.Close()

	reg := newRegistry(t, 2)
	o := newOrchestrator(t, reg, engine.URL, nil)

	if err := o.ParseScoreboard(context.Background()); err != nil {
		t.Fatalf("ParseScoreboard: %v", err)
	}
	mu.Lock()
	fail = true
	mu.Unlock()
	if err := o.ParseScoreboard(context.Background()); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}

	team, _ := reg.Team("Team 1")
	if team.Points != 12.5 || team.Gain != 12.5 {
		t.Fatalf("Team 1 points/gain = %v/%v, want 12.5/12.5", team.Points, team.Gain)
	}
}

func TestTargetsRespectPatchesAndSkipSelf(t *testing.T) {
	svc := &model.Service{Name: "svc", Checkers: []string{"http://c"}, Flagstores: 2}
	source := model.NewTeam(1, "A", model.ExperienceHaxxor)
	patched := model.NewTeam(2, "B", model.ExperienceNoob)
	open := model.NewTeam(3, "C", model.ExperienceNoob)
	for _, team := range []*model.Team{source, patched, open} {
		team.Exploiting.Init("svc", 2)
		team.Patched.Init("svc", 2)
	}
	source.Exploiting.Set("svc", 0)
	source.Exploiting.Set("svc", 1)
	patched.Patched.Set("svc", 0)

	targets := Targets(source, []*model.Team{source, patched, open}, []*model.Service{svc})

	var got []string
	for _, tg := range targets {
		got = append(got, tg.Team.Name+"/"+strconv.Itoa(tg.Flagstore))
	}
	want := []string{"B/1", "C/0", "C/1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("targets = %v, want %v", got, want)
	}
}

func TestCheckerForSpreadsTargets(t *testing.T) {
	svc := &model.Service{Checkers: []string{"http://c0/", "http://c1"}}
	if got := CheckerFor(svc, &model.Team{ID: 3}); got != "http://c1" {
		t.Fatalf("CheckerFor(3) = %q", got)
	}
	if got := CheckerFor(svc, &model.Team{ID: 4}); got != "http://c0" {
		t.Fatalf("CheckerFor(4) = %q", got)
	}
}

func TestExploitReturnsPartialResultsWhenOneTargetTimesOut(t *testing.T) {
	const slow = "10.1.4.1"

	var (
		mu       sync.Mutex
		chainIDs = map[string]bool{}
	)
	checker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task protocol.TaskMessage
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		chainIDs[task.TaskChainID] = true
		mu.Unlock()

		if task.Method != protocol.MethodExploit || task.FlagHash == nil || *task.FlagHash != protocol.IgnoreFlagHash {
			http.Error(w, "unexpected task", http.StatusBadRequest)
			return
		}
		if task.Address == slow {
			<-r.Context().Done()
			return
		}
		var n int
		fmt.Sscanf(task.Address, "10.1.%d.1", &n)
		fmt.Fprintf(w, `{"result":"OK","message":null,"attackInfo":null,"flag":%q}`, flagFor(n))
	}))
	defer checker.Close()

	reg := newRegistry(t, 6, checker.URL)
	reg.InitFlagstores("CVExchange", 1)
	_ = reg.SetFlagstores("CVExchange", 1)
	reg.UpdateTeams(func(teams []*model.Team) {
		teams[0].Exploiting.Set("CVExchange", 0)
	})

	promReg := prometheus.NewRegistry()
	collector, err := observability.NewSimulationCollector(promReg)
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	o := newOrchestrator(t, reg, "", nil, WithTaskTimeout(200*time.Millisecond), WithRecorder(collector))

	teams := reg.Teams()
	flags := o.Exploit(context.Background(), 7, teams[0], teams, reg.Services())

	sort.Strings(flags)
	want := []string{flagFor(2), flagFor(3), flagFor(5), flagFor(6)}
	if strings.Join(flags, ",") != strings.Join(want, ",") {
		t.Fatalf("flags = %v, want %v", flags, want)
	}
	mu.Lock()
	if len(chainIDs) != 5 {
		t.Fatalf("distinct chain ids = %d, want 5", len(chainIDs))
	}
	mu.Unlock()
	if got := testutil.ToFloat64(collector.FlagsCaptured.WithLabelValues("CVExchange")); got != 4 {
		t.Fatalf("flags captured = %v, want 4", got)
	}
	if got := testutil.ToFloat64(collector.ExploitRequests.WithLabelValues("CVExchange", resultError)); got != 1 {
		t.Fatalf("failed exploit requests = %v, want 1", got)
	}
}

func TestExploitSkipsNonOKResults(t *testing.T) {
	checker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":"MUMBLE","message":"service garbled","flag":"`+flagFor(0)+`"}`)
	}))
	defer checker.Close()

	reg := newRegistry(t, 2, checker.URL)
	reg.InitFlagstores("CVExchange", 1)
	_ = reg.SetFlagstores("CVExchange", 1)
	reg.UpdateTeams(func(teams []*model.Team) { teams[0].Exploiting.Set("CVExchange", 0) })

	o := newOrchestrator(t, reg, "", nil)
	teams := reg.Teams()
	if flags := o.Exploit(context.Background(), 1, teams[0], teams, reg.Services()); len(flags) != 0 {
		t.Fatalf("flags from MUMBLE result = %v", flags)
	}
}

func TestExploitExtractsFlagsFromEscapedJSON(t *testing.T) {
	payload := strings.Repeat("AB/=", 12)
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "escaped emoji sandwich",
			body: `{"result":"OK","message":null,"attackInfo":null,"flag":"\ud83e\udd7a` + payload + `\ud83e\udd7a\ud83e\udd7a"}`,
			want: "\U0001F97A" + payload + "\U0001F97A\U0001F97A",
		},
		{
			name: "escaped solidus",
			body: `{"result":"OK","message":null,"attackInfo":null,"flag":"ENO` + strings.ReplaceAll(payload, "/", `\/`) + `"}`,
			want: "ENO" + payload,
		},
		{
			name: "flag in message",
			body: `{"result":"OK","message":"got \u0045NO` + payload + `","attackInfo":null,"flag":null}`,
			want: "ENO" + payload,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tc.body)
			}))
			defer checker.Close()

			reg := newRegistry(t, 2, checker.URL)
			reg.InitFlagstores("CVExchange", 1)
			_ = reg.SetFlagstores("CVExchange", 1)
			reg.UpdateTeams(func(teams []*model.Team) { teams[0].Exploiting.Set("CVExchange", 0) })

			o := newOrchestrator(t, reg, "", nil)
			teams := reg.Teams()
			flags := o.Exploit(context.Background(), 1, teams[0], teams, reg.Services())
			if len(flags) != 1 || flags[0] != tc.want {
				t.Fatalf("flags = %q, want [%q]", flags, tc.want)
			}
		})
	}
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls map[string][]string
	fail  string
}

func (f *fakeSubmitter) Submit(_ context.Context, host string, flags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string][]string{}
	}
	f.calls[host] = flags
	if host == f.fail {
		return errors.New("ssh: handshake failed")
	}
	return nil
}

func TestSubmitFlagsIsolatesFailures(t *testing.T) {
	sub := &fakeSubmitter{fail: "20.0.0.2"}
	reg := newRegistry(t, 3)
	o, err := New(Config{
		EngineURL: "http://engine.invalid:5001",
		IPs: model.IpAddresses{
			Public:  map[string]string{"vulnbox1": "20.0.0.1", "vulnbox2": "20.0.0.2"},
			Private: map[string]string{"vulnbox1": "10.1.1.1", "vulnbox2": "10.1.2.1"},
		},
	}, reg, protocol.NewCodec("p"), sub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	failed := o.SubmitFlags(context.Background(), []Batch{
		{Team: "Team 1", Address: "10.1.1.1", Flags: []string{flagFor(1)}},
		{Team: "Team 2", Address: "10.1.2.1", Flags: []string{flagFor(2)}},
		{Team: "Team 3", Address: "10.1.3.1"},
	})

	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	if len(sub.calls) != 2 {
		t.Fatalf("submit calls = %v, want 2 hosts", sub.calls)
	}
	if got := sub.calls["20.0.0.1"]; len(got) != 1 || got[0] != flagFor(1) {
		t.Fatalf("vulnbox1 flags = %v", got)
	}
}

func TestCollectSystemAnalytics(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "# TYPE node_load1 gauge\nnode_load1 0.5\n"+
			"# TYPE node_memory_MemTotal_bytes gauge\nnode_memory_MemTotal_bytes 8000\n"+
			"# TYPE node_memory_MemAvailable_bytes gauge\nnode_memory_MemAvailable_bytes 2000\n")
	}))
	defer node.Close()
	cadvisor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "# TYPE container_memory_usage_bytes gauge\n"+
			"container_memory_usage_bytes{id=\"/\"} 99\n"+
			"container_memory_usage_bytes{id=\"/docker/a\",name=\"engine\"} 1024\n")
	}))
	defer cadvisor.Close()

	promReg := prometheus.NewRegistry()
	collector, err := observability.NewSimulationCollector(promReg)
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	o, err := New(Config{
		EngineURL: "http://engine.invalid:5001",
		IPs: model.IpAddresses{Public: map[string]string{
			"engine":   "127.0.0.1",
			"vulnbox1": "bad host",
		}},
	}, newRegistry(t, 1), protocol.NewCodec("p"), nil, nil,
		WithAnalyticsPorts(port(t, node.URL), port(t, cadvisor.URL)),
		WithRecorder(collector))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats := o.CollectSystemAnalytics(context.Background())
	if len(stats) != 1 {
		t.Fatalf("stats = %+v, want only the reachable host", stats)
	}
	got := stats[0]
	if got.Name != "engine" || got.Load1 != 0.5 || got.MemTotal != 8000 || got.MemAvailable != 2000 {
		t.Fatalf("unexpected stats %+v", got)
	}
	if got.MemUsedPercent() != 75 {
		t.Fatalf("MemUsedPercent = %v, want 75", got.MemUsedPercent())
	}
	if len(got.Containers) != 1 || got.Containers["engine"] != 1024 {
		t.Fatalf("containers = %v", got.Containers)
	}
	if v := testutil.ToFloat64(collector.HostLoad1.WithLabelValues("engine")); v != 0.5 {
		t.Fatalf("sim_host_load1 = %v", v)
	}
}

func port(t *testing.T, raw string) int {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port of %s: %v", raw, err)
	}
	return p
}
