package setup

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

const (
	dnsSuffix             = "eno.host"
	teamSubnetBytesLength = 15
)

// CtfJSON is the engine's competition description.
type CtfJSON struct {
	Title                 string       `json:"title"`
	FlagValidityInRounds  int          `json:"flagValidityInRounds"`
	CheckedRoundsPerRound int          `json:"checkedRoundsPerRound"`
	RoundLengthInSeconds  int          `json:"roundLengthInSeconds"`
	DNSSuffix             string       `json:"dnsSuffix"`
	TeamSubnetBytesLength int          `json:"teamSubnetBytesLength"`
	FlagSigningKey        string       `json:"flagSigningKey"`
	Teams                 []CtfTeam    `json:"teams"`
	Services              []CtfService `json:"services"`
}

type CtfTeam struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	TeamSubnet string `json:"teamSubnet"`
	Address    string `json:"address"`
}

type CtfService struct {
	ID                       int      `json:"id"`
	Name                     string   `json:"name"`
	FlagsPerRoundMultiplier  int      `json:"flagsPerRoundMultiplier"`
	NoisesPerRoundMultiplier int      `json:"noisesPerRoundMultiplier"`
	HavocsPerRoundMultiplier int      `json:"havocsPerRoundMultiplier"`
	WeightFactor             int      `json:"weightFactor"`
	Checkers                 []string `json:"checkers"`
}

// NewFlagSigningKey returns a fresh random signing key.
func NewFlagSigningKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate flag signing key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// BuildCtfJSON describes the competition for the engine.
func BuildCtfJSON(cfg CtfJSONConfig, signingKey string, teams []*model.Team, services []*model.Service) *CtfJSON {
	out := &CtfJSON{
		Title:                 cfg.Title,
		FlagValidityInRounds:  cfg.FlagValidityInRounds,
		CheckedRoundsPerRound: cfg.CheckedRoundsPerRound,
		RoundLengthInSeconds:  cfg.RoundLengthInSeconds,
		DNSSuffix:             dnsSuffix,
		TeamSubnetBytesLength: teamSubnetBytesLength,
		FlagSigningKey:        signingKey,
		Teams:                 make([]CtfTeam, 0, len(teams)),
		Services:              make([]CtfService, 0, len(services)),
	}
	for _, t := range teams {
		out.Teams = append(out.Teams, CtfTeam{ID: t.ID, Name: t.Name, TeamSubnet: t.Subnet, Address: t.Address})
	}
	for _, s := range services {
		out.Services = append(out.Services, CtfService{
			ID:                       s.ID,
			Name:                     s.Name,
			FlagsPerRoundMultiplier:  s.FlagsPerRoundMultiplier,
			NoisesPerRoundMultiplier: s.NoisesPerRoundMultiplier,
			HavocsPerRoundMultiplier: s.HavocsPerRoundMultiplier,
			WeightFactor:             s.WeightFactor,
			Checkers:                 append([]string{}, s.Checkers...),
		})
	}
	return out
}

// Write stores the document as indented JSON, creating parent directories.
func (c *CtfJSON) Write(path string) error {
	b, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("encode ctf.json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
