package sim

import (
	"fmt"
	"math/rand"

	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

// Variant is the kind of progress a team makes in a round.
type Variant int

const (
	VariantExploit Variant = iota
	VariantPatch
)

func (v Variant) String() string {
	if v == VariantPatch {
		return "patched"
	}
	return "started exploiting"
}

// Action is one sampled behavior flip.
type Action struct {
	Team    string
	Variant Variant
	Target  model.FlagstoreRef
}

func (a Action) String() string {
	return fmt.Sprintf("[!] Team %s %s %s", a.Team, a.Variant, a.Target)
}

// SampleBehavior decides what team does this round. It reads team and draws
// from rng but changes neither. ok is false when the team stays idle: the
// draw was above its experience probability, or nothing is left to flip for
// the chosen variant.
func SampleBehavior(team *model.Team, rng *rand.Rand) (Action, bool) {
	if rng.Float64() >= team.Experience.Probability() {
		return Action{}, false
	}
	variant := Variant(rng.Intn(2))
	candidates := team.Exploiting.Unset()
	if variant == VariantPatch {
		candidates = team.Patched.Unset()
	}
	if len(candidates) == 0 {
		return Action{}, false
	}
	return Action{
		Team:    team.Name,
		Variant: variant,
		Target:  candidates[rng.Intn(len(candidates))],
	}, true
}

// Apply flips the flagstore named by a. It reports whether anything changed.
func (a Action) Apply(team *model.Team) bool {
	if a.Variant == VariantPatch {
		return team.Patched.Set(a.Target.Service, a.Target.Flagstore)
	}
	return team.Exploiting.Set(a.Target.Service, a.Target.Flagstore)
}

// Distribution returns how many teams of each experience level to generate.
// Realistic fields follow each level's prevalence, with the rounding
// remainder given to NOOB so the counts always sum to teams.
func Distribution(simType model.SimulationType, teams int) map[model.Experience]int {
	switch simType {
	case model.SimulationBasicStressTest:
		return map[model.Experience]int{model.ExperienceHaxxor: 1}
	case model.SimulationStressTest:
		return map[model.Experience]int{model.ExperienceHaxxor: teams}
	}

	dist := make(map[model.Experience]int, len(model.RealisticLadder))
	sum := 0
	for _, exp := range model.RealisticLadder {
		n := int(exp.Prevalence() * float64(teams))
		dist[exp] = n
		sum += n
	}
	dist[model.ExperienceNoob] += teams - sum
	return dist
}
