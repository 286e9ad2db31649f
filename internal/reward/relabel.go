package reward

import (
	"fmt"
	"math"

	"dodeka/internal/rollout"
)

// idleDistance is the per-step movement below which a participant counts
// as idle.
const idleDistance = 10.0

// Relabel recomputes per-step rewards from the aux block of a decoded
// episode stream. Stages per tick: event rewards, score-delta rewards,
// idle and skill-point penalties, team-spirit blend, zero-sum subtraction,
// time decay. Terminal outcome values are re-added to the final step,
// classified from the recorded terminal rewards. The result is indexed
// with aux.Index and replaces the producer-computed rewards.
func Relabel(aux *rollout.Aux, cfg Config) ([]float32, error) {
	if aux == nil {
		return nil, fmt.Errorf("aux data required for relabeling")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := aux.A
	if a < 2 || a%2 != 0 {
		return nil, fmt.Errorf("participant count %d does not split into two teams", a)
	}
	half := a / 2

	out := make([]float32, aux.T*a)
	tick := make([]float64, a)
	for t := 0; t < aux.T; t++ {
		for i := range tick {
			tick[i] = 0
		}

		// Every event is attributed to exactly one record, so the union
		// over the tick's records counts each occurrence once.
		for p := 0; p < a; p++ {
			for _, ev := range aux.Events[aux.Index(t, p)] {
				applyEvent(tick, ev, cfg, half)
			}
		}

		if t > 0 {
			prev := aux.Index(t-1, 0)
			cur := aux.Index(t, 0)
			if delta := aux.Team0Score[cur] - aux.Team0Score[prev]; delta > 0 {
				for i := 0; i < half; i++ {
					tick[i] += cfg.ScoreDelta * float64(delta)
				}
			}
			if delta := aux.Team1Score[cur] - aux.Team1Score[prev]; delta > 0 {
				for i := half; i < a; i++ {
					tick[i] += cfg.ScoreDelta * float64(delta)
				}
			}
		}

		for p := 0; p < a; p++ {
			i := aux.Index(t, p)
			if !aux.Alive[i] {
				continue
			}
			if t > 0 {
				j := aux.Index(t-1, p)
				dx := float64(aux.X[i] - aux.X[j])
				dy := float64(aux.Y[i] - aux.Y[j])
				if math.Sqrt(dx*dx+dy*dy) < idleDistance {
					tick[p] += cfg.Idle
				}
			}
			if sp := aux.SkillPoints[i]; sp > 0 {
				tick[p] += cfg.SkillPointsHeld * float64(sp)
			}
		}

		blendTeamSpirit(tick, cfg.TeamSpirit, half)
		if cfg.ZeroSum {
			subtractEnemyAverage(tick, half)
		}

		decay := math.Pow(cfg.TimeDecayBase, float64(aux.GameTime[aux.Index(t, 0)])/cfg.TimeDecayInterval)
		for p := 0; p < a; p++ {
			out[aux.Index(t, p)] = float32(tick[p] * decay)
		}
	}

	if aux.Terminal && len(aux.TerminalRewards) == a {
		addTerminal(out, aux, cfg)
	}
	return out, nil
}

func applyEvent(tick []float64, ev rollout.Event, cfg Config, half int) {
	a := len(tick)
	actor := int(ev.Actor)
	subject := int(ev.Subject)
	actorOK := actor >= 0 && actor < a

	switch ev.Type {
	case rollout.EventKill:
		if !actorOK || subject < 0 || subject >= a {
			return
		}
		if sameTeam(actor, subject, half) {
			tick[actor] += cfg.FriendlyKill
		} else {
			tick[actor] += cfg.Kill
		}
		tick[subject] += cfg.Death
	case rollout.EventCreepKill:
		if actorOK {
			tick[actor] += cfg.CreepKill
		}
	case rollout.EventLevelUp:
		if actorOK {
			tick[actor] += cfg.LevelUp
		}
	case rollout.EventObjectiveUse:
		if actorOK {
			tick[actor] += cfg.ObjectiveUse
		}
	case rollout.EventDamageDealt:
		// Subject carries the amount in thousandths of max health.
		if actorOK && subject > 0 {
			tick[actor] += cfg.DamageDealt * float64(subject) / 1000
		}
	case rollout.EventDamageTaken:
		if actorOK && subject > 0 {
			tick[actor] += cfg.DamageTaken * float64(subject) / 1000
		}
	}
}

func sameTeam(i, j, half int) bool {
	return (i < half) == (j < half)
}

func blendTeamSpirit(tick []float64, tau float64, half int) {
	if tau == 0 {
		return
	}
	for team := 0; team < 2; team++ {
		base := team * half
		sum := 0.0
		for i := 0; i < half; i++ {
			sum += tick[base+i]
		}
		avg := sum / float64(half)
		for i := 0; i < half; i++ {
			tick[base+i] = tau*avg + (1-tau)*tick[base+i]
		}
	}
}

func subtractEnemyAverage(tick []float64, half int) {
	sum0, sum1 := 0.0, 0.0
	for i := 0; i < half; i++ {
		sum0 += tick[i]
		sum1 += tick[half+i]
	}
	avg0 := sum0 / float64(half)
	avg1 := sum1 / float64(half)
	for i := 0; i < half; i++ {
		tick[i] -= avg1
		tick[half+i] -= avg0
	}
}

// addTerminal classifies the recorded outcome and re-adds it with the
// configured weights. Equal values on both teams mean a timeout draw;
// otherwise the sign of the recorded value marks the winning side.
func addTerminal(out []float32, aux *rollout.Aux, cfg Config) {
	a := aux.A
	recorded := aux.TerminalRewards

	allEqual := true
	for i := 1; i < a; i++ {
		if recorded[i] != recorded[0] {
			allEqual = false
			break
		}
	}

	last := (aux.T - 1) * a
	if allEqual {
		for p := 0; p < a; p++ {
			out[last+p] += float32(cfg.Timeout)
		}
		return
	}
	for p := 0; p < a; p++ {
		if recorded[p] > 0 {
			out[last+p] += float32(cfg.Win)
		} else {
			out[last+p] += float32(cfg.Lose)
		}
	}
}
