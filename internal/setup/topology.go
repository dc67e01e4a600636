package setup

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

// TeamSubnet derives the IPv6 team subnet from a host address: the address
// mapped into ::ffff: with its last character replaced by 0.
func TeamSubnet(address string) string {
	s := "::ffff:" + address
	return s[:len(s)-1] + "0"
}

// ApplyTopology places teams on vulnboxes round robin and points every
// service at the checker hosts. Team i (0-based, ID order) lives on
// vulnbox (i mod vulnboxes)+1.
func ApplyTopology(ips model.IpAddresses, vulnboxes int, teams []*model.Team, services []*model.Service, checkerPorts []int) error {
	if vulnboxes < 1 {
		return fmt.Errorf("%w: at least one vulnbox is required", ErrConfig)
	}
	if len(checkerPorts) != len(services) {
		return fmt.Errorf("%w: %d checker ports for %d services", ErrConfig, len(checkerPorts), len(services))
	}

	sort.SliceStable(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	for i, t := range teams {
		host := "vulnbox" + strconv.Itoa((i%vulnboxes)+1)
		addr, ok := ips.Private[host]
		if !ok || addr == "" {
			return fmt.Errorf("no private address for %s (team %s)", host, t.Name)
		}
		t.Address = addr
		t.Subnet = TeamSubnet(addr)
	}

	var checkers []string
	for name := range ips.Public {
		if strings.HasPrefix(name, "checker") {
			checkers = append(checkers, name)
		}
	}
	if len(checkers) == 0 {
		return fmt.Errorf("no checker hosts among %d public addresses", len(ips.Public))
	}
	sort.Strings(checkers)

	for i, svc := range services {
		svc.Checkers = svc.Checkers[:0]
		for _, name := range checkers {
			svc.Checkers = append(svc.Checkers, fmt.Sprintf("http://%s:%d", ips.Public[name], checkerPorts[i]))
		}
	}
	return nil
}

// NewServices builds one service per configured name with default
// multipliers and no checkers yet.
func NewServices(names []string) []*model.Service {
	out := make([]*model.Service, 0, len(names))
	for i, name := range names {
		out = append(out, &model.Service{
			ID:                       i + 1,
			Name:                     name,
			FlagsPerRoundMultiplier:  1,
			NoisesPerRoundMultiplier: 1,
			HavocsPerRoundMultiplier: 1,
			WeightFactor:             1,
		})
	}
	return out
}
