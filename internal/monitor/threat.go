package monitor

// ThreatLevel is derived from the windowed counters.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Rank orders threat levels: low 0 .. critical 3.
func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatMedium:
		return 1
	case ThreatHigh:
		return 2
	case ThreatCritical:
		return 3
	default:
		return 0
	}
}

type threshold struct {
	level                              ThreatLevel
	errorRate, blockedRate, suspicious float64
}

// Checked highest first; any one rate above its bound selects the level.
var thresholds = []threshold{
	{ThreatCritical, 50, 20, 10},
	{ThreatHigh, 30, 10, 5},
	{ThreatMedium, 10, 5, 2},
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// deriveThreatLevel takes the three rates as percentages.
func deriveThreatLevel(errorRate, blockedRate, suspiciousRate float64) ThreatLevel {
	for _, t := range thresholds {
		if errorRate > t.errorRate || blockedRate > t.blockedRate || suspiciousRate > t.suspicious {
			return t.level
		}
	}
	return ThreatLow
}
