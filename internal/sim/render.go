package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/orchestrator"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

// Renderer prints the per-round operator view.
type Renderer struct {
	out     io.Writer
	verbose bool
}

// NewRenderer returns a Renderer writing to out. A nil out discards output.
func NewRenderer(out io.Writer, verbose bool) *Renderer {
	if out == nil {
		out = io.Discard
	}
	return &Renderer{out: out, verbose: verbose}
}

// Header prints the round banner.
func (r *Renderer) Header(roundID, remaining int) {
	fmt.Fprintf(r.out, "\nRound %d (%d rounds remaining):\n\n", roundID, remaining)
}

// Teams prints one exploiting/patched table per team.
func (r *Renderer) Teams(teams []*model.Team) {
	for _, t := range teams {
		fmt.Fprintf(r.out, "Team %s - %s (%.2f points, %+.2f)\n", t.Name, t.Experience, t.Points, t.Gain)
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  Exploiting\tPatched")
		exploiting := t.Exploiting.Enabled()
		patched := t.Patched.Enabled()
		for i := 0; i < max(len(exploiting), len(patched)); i++ {
			fmt.Fprintf(tw, "  %s\t%s\n", refAt(exploiting, i), refAt(patched, i))
		}
		tw.Flush()
		fmt.Fprintln(r.out)
	}
}

func refAt(refs []model.FlagstoreRef, i int) string {
	if i < len(refs) {
		return refs[i].String()
	}
	return "-"
}

// Actions prints the behavior flips of the round when verbose.
func (r *Renderer) Actions(actions []Action) {
	if !r.verbose || len(actions) == 0 {
		return
	}
	for _, a := range actions {
		fmt.Fprintln(r.out, a)
	}
	fmt.Fprintln(r.out)
}

// AttackInfo dumps the engine's attack info when verbose.
func (r *Renderer) AttackInfo(info *orchestrator.AttackInfo) {
	if !r.verbose || info == nil {
		return
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(r.out, "Attack info:\n%s\n\n", b)
}

// Analytics prints host and container stats when verbose.
func (r *Renderer) Analytics(stats []orchestrator.HostStats) {
	if !r.verbose || len(stats) == 0 {
		return
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Host\tLoad1\tMem used\tContainers")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%.2f\t%.1f%%\t%s\n", s.Name, s.Load1, s.MemUsedPercent(), containerSummary(s.Containers))
	}
	tw.Flush()
	fmt.Fprintln(r.out)
}

func containerSummary(containers map[string]float64) string {
	if len(containers) == 0 {
		return "-"
	}
	names := make([]string, 0, len(containers))
	for name := range containers {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.0fMiB", name, containers[name]/(1<<20)))
	}
	return strings.Join(parts, " ")
}
