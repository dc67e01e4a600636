package model

import (
	"fmt"
	"strings"
)

// SimulationType selects how teams are generated and whether they act.
type SimulationType string

const (
	SimulationRealistic       SimulationType = "realistic"
	SimulationStressTest      SimulationType = "stress-test"
	SimulationBasicStressTest SimulationType = "basic-stress-test"
)

// ParseSimulationType validates a configured simulation type.
func ParseSimulationType(s string) (SimulationType, error) {
	switch t := SimulationType(strings.ToLower(s)); t {
	case SimulationRealistic, SimulationStressTest, SimulationBasicStressTest:
		return t, nil
	default:
		return "", fmt.Errorf("unknown simulation type %q", s)
	}
}

// SetupVariant names the infrastructure backend.
type SetupVariant string

const (
	SetupAzure   SetupVariant = "azure"
	SetupHetzner SetupVariant = "hetzner"
	SetupLocal   SetupVariant = "local"
)

// ParseSetupVariant validates a configured location.
func ParseSetupVariant(s string) (SetupVariant, error) {
	switch v := SetupVariant(strings.ToLower(s)); v {
	case SetupAzure, SetupHetzner, SetupLocal:
		return v, nil
	default:
		return "", fmt.Errorf("unknown setup location %q", s)
	}
}

// LoginUser is the account used for ssh sessions on team hosts.
func (v SetupVariant) LoginUser() string {
	if v == SetupAzure {
		return "groot"
	}
	return "root"
}

// IpAddresses maps host names (engine, checker1, vulnbox1, ...) to addresses.
type IpAddresses struct {
	Public  map[string]string
	Private map[string]string
}

// PublicForPrivate resolves the public address of the host owning private.
func (ip IpAddresses) PublicForPrivate(private string) (name, public string, ok bool) {
	for n, addr := range ip.Private {
		if addr == private {
			pub, found := ip.Public[n]
			return n, pub, found
		}
	}
	return "", "", false
}
