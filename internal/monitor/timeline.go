package monitor

import "time"

const maxTimelineHours = 24 * 7

// TimelineBucket counts events in one clock hour.
type TimelineBucket struct {
	Hour     time.Time `json:"hour"`
	Total    int       `json:"total"`
	Info     int       `json:"info"`
	Warning  int       `json:"warning"`
	Error    int       `json:"error"`
	Critical int       `json:"critical"`
}

// GetThreatTimeline returns one bucket per hour, oldest first, ending with the
// current hour. hours outside [1, 168] defaults to 24 or is capped.
func (mo *Monitor) GetThreatTimeline(hours int) []TimelineBucket {
	if hours <= 0 {
		hours = 24
	}
	if hours > maxTimelineHours {
		hours = maxTimelineHours
	}

	mo.mu.RLock()
	defer mo.mu.RUnlock()

	current := mo.clock.Now().Truncate(time.Hour)
	first := current.Add(-time.Duration(hours-1) * time.Hour)
	buckets := make([]TimelineBucket, hours)
	for i := range buckets {
		buckets[i].Hour = first.Add(time.Duration(i) * time.Hour)
	}

	for i := len(mo.events) - 1; i >= 0; i-- {
		e := &mo.events[i]
		if e.Timestamp.Before(first) {
			break
		}
		idx := int(e.Timestamp.Sub(first) / time.Hour)
		if idx >= hours {
			continue
		}
		b := &buckets[idx]
		b.Total++
		switch e.Severity {
		case SeverityInfo:
			b.Info++
		case SeverityWarning:
			b.Warning++
		case SeverityError:
			b.Error++
		case SeverityCritical:
			b.Critical++
		}
	}
	return buckets
}
