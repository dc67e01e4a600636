package model

import (
	"fmt"
	"strings"
)

// Experience is a team's skill level. Each level carries the per-round
// probability of the team starting an exploit or patching a flagstore, and its
// prevalence among real competitors, which is only used when generating teams.
type Experience int

const (
	ExperienceNoob Experience = iota
	ExperienceBeginner
	ExperienceIntermediate
	ExperienceAdvanced
	ExperiencePro
	ExperienceHaxxor
)

type experienceLevel struct {
	name        string
	probability float64
	prevalence  float64
}

var experienceLevels = [...]experienceLevel{
	ExperienceNoob:         {name: "noob", probability: 0.015, prevalence: 0.08},
	ExperienceBeginner:     {name: "beginner", probability: 0.04, prevalence: 0.54},
	ExperienceIntermediate: {name: "intermediate", probability: 0.06, prevalence: 0.29},
	ExperienceAdvanced:     {name: "advanced", probability: 0.09, prevalence: 0.07},
	ExperiencePro:          {name: "pro", probability: 0.12, prevalence: 0.02},
	ExperienceHaxxor:       {name: "haxxor", probability: 1, prevalence: 1},
}

// RealisticLadder lists the levels that make up a realistic field of teams,
// in generation order. HAXXOR is reserved for stress tests.
var RealisticLadder = []Experience{
	ExperienceNoob,
	ExperienceBeginner,
	ExperienceIntermediate,
	ExperienceAdvanced,
	ExperiencePro,
}

// Valid reports whether e is a known level.
func (e Experience) Valid() bool {
	return e >= ExperienceNoob && e <= ExperienceHaxxor
}

// Probability is the chance per round that a team of this level acts.
func (e Experience) Probability() float64 {
	if !e.Valid() {
		return 0
	}
	return experienceLevels[e].probability
}

// Prevalence is the share of real competitors at this level.
func (e Experience) Prevalence() float64 {
	if !e.Valid() {
		return 0
	}
	return experienceLevels[e].prevalence
}

// String renders the level capitalised, e.g. "Noob".
func (e Experience) String() string {
	if !e.Valid() {
		return fmt.Sprintf("Experience(%d)", int(e))
	}
	name := experienceLevels[e].name
	return strings.ToUpper(name[:1]) + name[1:]
}

// ParseExperience maps a lower-case level name onto an Experience.
func ParseExperience(s string) (Experience, error) {
	for i, lvl := range experienceLevels {
		if strings.EqualFold(lvl.name, s) {
			return Experience(i), nil
		}
	}
	return 0, fmt.Errorf("unknown experience level %q", s)
}
