package warmup

import "github.com/znz-systems/relaywarm/internal/models"

type Action string

const (
	ActionRetreatCritical Action = "retreat_critical"
	ActionAdvance         Action = "advance"
	ActionDecay           Action = "decay"
	ActionStagnate        Action = "stagnate"
)

// Thresholds drive the smart decision.
type Thresholds struct {
	AdvancePercent int
	RetreatPercent int
	MinVolume      int
}

func DefaultThresholds() Thresholds {
	return Thresholds{AdvancePercent: 80, RetreatPercent: 3, MinVolume: 10}
}

// Decision is the verdict for one server × class for the day just ended.
type Decision struct {
	Action    Action
	OldDay    int
	NewDay    int
	Sent      int
	Quota     int
	ErrorRate float64
}

// Decide applies the rules in priority order: critical retreat, advance,
// decay, stagnate. quota is the curve value for the stat's current day.
func Decide(stat models.ClassStat, quota int, th Thresholds) Decision {
	day := stat.WarmupDay
	if day < 1 {
		day = 1
	}
	sent := stat.SentToday
	var errorRate float64
	if sent > 0 {
		errorRate = float64(stat.FailsToday) / float64(sent) * 100
	}

	d := Decision{Action: ActionStagnate, OldDay: day, NewDay: day, Sent: sent, Quota: quota, ErrorRate: errorRate}
	switch {
	case sent > th.MinVolume && errorRate > float64(th.RetreatPercent):
		d.Action = ActionRetreatCritical
		d.NewDay = max(1, day-3)
	case quota > 0 && float64(sent) >= float64(quota)*float64(th.AdvancePercent)/100 && errorRate < 1:
		d.Action = ActionAdvance
		d.NewDay = day + 1
	case sent == 0 && day > 5:
		d.Action = ActionDecay
		d.NewDay = max(1, day-1)
	}
	return d
}

// Notable reports whether the decision is worth logging and publishing.
func (d Decision) Notable() bool {
	return d.Action != ActionStagnate || d.ErrorRate > 0
}
