package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/protocol"
)

// AttackInfo is the engine's published attack metadata:
// services[service][teamAddress][roundID][flagstoreID] lists the hints for
// one flag.
type AttackInfo struct {
	AvailableTeams []string                                             `json:"availableTeams"`
	Services       map[string]map[string]map[string]map[string][]string `json:"services"`
}

// RoundID returns the highest round present, or false when the engine has not
// published any round yet.
func (a *AttackInfo) RoundID() (int, bool) {
	if a == nil {
		return 0, false
	}
	best, found := 0, false
	for _, teams := range a.Services {
		for _, rounds := range teams {
			for key := range rounds {
				id, err := strconv.Atoi(key)
				if err != nil {
					continue
				}
				if !found || id > best {
					best, found = id, true
				}
			}
		}
	}
	return best, found
}

// Entry returns the first hint for one flag.
func (a *AttackInfo) Entry(service, address string, roundID, flagstore int) (string, bool) {
	if a == nil {
		return "", false
	}
	hints := a.Services[service][address][strconv.Itoa(roundID)][strconv.Itoa(flagstore)]
	if len(hints) == 0 {
		return "", false
	}
	return hints[0], true
}

// Scoreboard is the subset of the engine scoreboard the simulation reads.
type Scoreboard struct {
	Teams []ScoreboardTeam `json:"teams"`
}

// ScoreboardTeam is one scoreboard row.
type ScoreboardTeam struct {
	TeamName   string  `json:"teamName"`
	TeamID     int     `json:"teamId"`
	TotalScore float64 `json:"totalScore"`
}

// RefreshAttackInfo fetches attack info from the engine and caches it for
// exploit dispatch. On failure the cached value is kept.
func (o *Orchestrator) RefreshAttackInfo(ctx context.Context) (*AttackInfo, error) {
	body, err := o.get(ctx, o.cfg.EngineURL+"/scoreboard/attack.json")
	if err != nil {
		return nil, err
	}
	var info AttackInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: decode attack info: %v", protocol.ErrProtocol, err)
	}
	o.attackInfo.Store(&info)
	return &info, nil
}

// AttackInfo returns the last successfully fetched attack info, or nil.
func (o *Orchestrator) AttackInfo() *AttackInfo {
	return o.attackInfo.Load()
}

// GetRoundInfo returns the engine's current round id. It fails while the
// engine has not published attack info for any round.
func (o *Orchestrator) GetRoundInfo(ctx context.Context) (int, error) {
	info, err := o.RefreshAttackInfo(ctx)
	if err != nil {
		return 0, err
	}
	id, ok := info.RoundID()
	if !ok {
		return 0, fmt.Errorf("%w: engine has not published attack info yet", ErrNetwork)
	}
	return id, nil
}

// ParseScoreboard refreshes team points and gain from the engine scoreboard.
// On failure the previous values stay in place and the error is returned for
// logging only.
func (o *Orchestrator) ParseScoreboard(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.parse_scoreboard")
	defer span.End()

	body, err := o.get(ctx, o.cfg.EngineURL+"/scoreboard/scoreboard.json")
	if err != nil {
		span.RecordError(err)
		o.log.Warn(ctx, "scoreboard unavailable, keeping previous scores", logging.Err(err))
		return err
	}
	var board Scoreboard
	if err := json.Unmarshal(body, &board); err != nil {
		err = fmt.Errorf("%w: decode scoreboard: %v", protocol.ErrProtocol, err)
		span.RecordError(err)
		o.log.Warn(ctx, "malformed scoreboard, keeping previous scores", logging.Err(err))
		return err
	}

	sort.Slice(board.Teams, func(i, j int) bool { return board.Teams[i].TeamID < board.Teams[j].TeamID })
	for _, row := range board.Teams {
		if err := o.registry.SetScore(row.TeamName, row.TotalScore); err != nil {
			// The engine also lists its own service teams.
			o.log.Debug(ctx, "scoreboard team not simulated", logging.String("team", row.TeamName))
		}
	}
	return nil
}
