package monitor

import (
	"fmt"
	"sort"
	"time"
)

const (
	topEventTypes     = 10
	reportCriticalMax = 20
)

// Period is a report window.
type Period string

const (
	PeriodHour Period = "hour"
	PeriodDay  Period = "day"
	PeriodWeek Period = "week"
)

// Duration of the period, or an error for an unknown one.
func (p Period) Duration() (time.Duration, error) {
	switch p {
	case PeriodHour:
		return time.Hour, nil
	case PeriodDay:
		return 24 * time.Hour, nil
	case PeriodWeek:
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown report period %q", p)
}

// TypeCount is the number of events of one type.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Report summarises the event log over a period.
type Report struct {
	Period           Period           `json:"period"`
	From             time.Time        `json:"from"`
	To               time.Time        `json:"to"`
	Metrics          Metrics          `json:"metrics"`
	TotalEvents      int              `json:"totalEvents"`
	EventsBySeverity map[Severity]int `json:"eventsBySeverity"`
	TopEventTypes    []TypeCount      `json:"topEventTypes"`
	CriticalEvents   []Event          `json:"criticalEvents"`
	Recommendations  []string         `json:"recommendations"`
}

// GenerateReport tallies events in the period: the 10 most frequent types, up
// to 20 most recent critical events and advisory recommendations.
func (mo *Monitor) GenerateReport(period Period) (Report, error) {
	window, err := period.Duration()
	if err != nil {
		return Report{}, err
	}

	mo.mu.RLock()
	now := mo.clock.Now()
	from := now.Add(-window)
	r := Report{
		Period:           period,
		From:             from,
		To:               now,
		Metrics:          mo.m,
		EventsBySeverity: make(map[Severity]int),
		CriticalEvents:   []Event{},
	}
	counts := make(map[string]int)
	for i := len(mo.events) - 1; i >= 0; i-- {
		e := mo.events[i]
		if e.Timestamp.Before(from) {
			break
		}
		r.TotalEvents++
		counts[e.Type]++
		r.EventsBySeverity[e.Severity]++
		if e.Severity == SeverityCritical && len(r.CriticalEvents) < reportCriticalMax {
			r.CriticalEvents = append(r.CriticalEvents, e)
		}
	}
	mo.mu.RUnlock()

	r.TopEventTypes = topTypes(counts, topEventTypes)
	r.Recommendations = recommend(r.Metrics)
	return r, nil
}

func topTypes(counts map[string]int, n int) []TypeCount {
	out := make([]TypeCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, TypeCount{Type: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func recommend(m Metrics) []string {
	var recs []string
	if m.ErrorRate > 10 {
		recs = append(recs, fmt.Sprintf("Error rate is %.1f%%: review application logs for failing endpoints", m.ErrorRate))
	}
	if blocked := percent(m.BlockedRequests, m.TotalRequests); blocked > 5 || m.BlockedRequests > 100 {
		recs = append(recs, "High number of blocked requests: review WAF rules and rate limits for false positives or an ongoing attack")
	}
	if m.SuspiciousActivities > 10 {
		recs = append(recs, "Elevated suspicious activity: investigate the reported users and IP addresses")
	}
	if m.AverageResponseTime > 1000 {
		recs = append(recs, fmt.Sprintf("Average response time is %.0fms: check for resource exhaustion or slow dependencies", m.AverageResponseTime))
	}
	if m.ThreatLevel.Rank() >= ThreatHigh.Rank() {
		recs = append(recs, fmt.Sprintf("Threat level is %s: consider tightening rate limits and denylisting offending addresses", m.ThreatLevel))
	}
	if len(recs) == 0 {
		recs = append(recs, "No immediate action required")
	}
	return recs
}
