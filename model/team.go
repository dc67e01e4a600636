package model

import (
	"fmt"
	"sort"
)

// Flagstores maps a service name to the per-flagstore state of a single
// vulnerability dimension (exploiting or patched).
type Flagstores map[string]map[int]bool

// Init registers count flagstores for service, all false. Flagstores that
// already exist keep their value.
func (f Flagstores) Init(service string, count int) {
	stores, ok := f[service]
	if !ok {
		stores = make(map[int]bool, count)
		f[service] = stores
	}
	for i := 0; i < count; i++ {
		if _, ok := stores[i]; !ok {
			stores[i] = false
		}
	}
}

// Get reports the flag for (service, flagstore); unknown entries are false.
func (f Flagstores) Get(service string, flagstore int) bool {
	return f[service][flagstore]
}

// Set flips (service, flagstore) to true. It reports whether the entry
// changed; entries never go back to false.
func (f Flagstores) Set(service string, flagstore int) bool {
	stores, ok := f[service]
	if !ok {
		return false
	}
	cur, ok := stores[flagstore]
	if !ok || cur {
		return false
	}
	stores[flagstore] = true
	return true
}

// Unset returns every (service, flagstore) still false, ordered by service
// name then flagstore index.
func (f Flagstores) Unset() []FlagstoreRef {
	return f.collect(false)
}

// Enabled returns every (service, flagstore) that is true, in the same order
// as Unset.
func (f Flagstores) Enabled() []FlagstoreRef {
	return f.collect(true)
}

func (f Flagstores) collect(want bool) []FlagstoreRef {
	services := make([]string, 0, len(f))
	for s := range f {
		services = append(services, s)
	}
	sort.Strings(services)

	var refs []FlagstoreRef
	for _, s := range services {
		ids := make([]int, 0, len(f[s]))
		for id := range f[s] {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			if f[s][id] == want {
				refs = append(refs, FlagstoreRef{Service: s, Flagstore: id})
			}
		}
	}
	return refs
}

// Clone returns a deep copy.
func (f Flagstores) Clone() Flagstores {
	out := make(Flagstores, len(f))
	for s, stores := range f {
		cp := make(map[int]bool, len(stores))
		for id, v := range stores {
			cp[id] = v
		}
		out[s] = cp
	}
	return out
}

// FlagstoreRef names one flagstore of one service.
type FlagstoreRef struct {
	Service   string
	Flagstore int
}

func (r FlagstoreRef) String() string {
	return fmt.Sprintf("%s-%s", r.Service, FlagstoreName(r.Flagstore))
}

// FlagstoreName renders a flagstore index the way operators see it.
func FlagstoreName(id int) string {
	return fmt.Sprintf("Flagstore%d", id)
}

// Team is one simulated competitor.
type Team struct {
	ID         int
	Name       string
	Subnet     string // IPv6 team subnet, last octet normalised to the network address
	Address    string // vulnbox private address
	Experience Experience

	// Exploiting and Patched are independent; a flagstore may be both.
	Exploiting Flagstores
	Patched    Flagstores

	// Points and Gain mirror the engine scoreboard.
	Points float64
	Gain   float64
}

// NewTeam builds a team with empty exploiting/patched state.
func NewTeam(id int, name string, exp Experience) *Team {
	return &Team{
		ID:         id,
		Name:       name,
		Experience: exp,
		Exploiting: make(Flagstores),
		Patched:    make(Flagstores),
	}
}

// Clone returns a deep copy safe to hand to readers outside the registry lock.
func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Exploiting = t.Exploiting.Clone()
	cp.Patched = t.Patched.Clone()
	return &cp
}
