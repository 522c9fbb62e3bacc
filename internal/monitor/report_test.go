package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReport_TalliesWithinPeriod(t *testing.T) {
	mo, clock := newTestMonitor(t)
	mo.LogEvent(EventInput{Type: "stale", Severity: SeverityCritical})
	clock.Advance(2 * time.Hour)

	for i := 0; i < 3; i++ {
		mo.LogEvent(EventInput{Type: "waf_block", Severity: SeverityError})
	}
	mo.LogEvent(EventInput{Type: "user_login", Severity: SeverityInfo})
	mo.LogEvent(EventInput{Type: "security_threat", Severity: SeverityCritical, Message: "latest"})

	r, err := mo.GenerateReport(PeriodHour)
	require.NoError(t, err)
	assert.Equal(t, 5, r.TotalEvents)
	assert.Equal(t, []TypeCount{
		{Type: "waf_block", Count: 3},
		{Type: "security_threat", Count: 1},
		{Type: "user_login", Count: 1},
	}, r.TopEventTypes)
	require.Len(t, r.CriticalEvents, 1)
	assert.Equal(t, "latest", r.CriticalEvents[0].Message)
	assert.Equal(t, 3, r.EventsBySeverity[SeverityError])
	assert.Equal(t, clock.Now().Add(-time.Hour), r.From)

	day, err := mo.GenerateReport(PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 6, day.TotalEvents)
}

func TestGenerateReport_Limits(t *testing.T) {
	mo, _ := newTestMonitor(t)
	for i := 0; i < 15; i++ {
		for j := 0; j <= i; j++ {
			mo.LogEvent(EventInput{Type: fmt.Sprintf("type-%02d", i), Severity: SeverityInfo})
		}
	}
	for i := 0; i < 25; i++ {
		mo.LogEvent(EventInput{Type: "crit", Severity: SeverityCritical, Message: fmt.Sprint(i)})
	}

	r, err := mo.GenerateReport(PeriodWeek)
	require.NoError(t, err)
	require.Len(t, r.TopEventTypes, 10)
	assert.Equal(t, "crit", r.TopEventTypes[0].Type)
	assert.Equal(t, "type-14", r.TopEventTypes[1].Type)
	require.Len(t, r.CriticalEvents, 20)
	assert.Equal(t, "24", r.CriticalEvents[0].Message)
}

func TestGenerateReport_UnknownPeriod(t *testing.T) {
	mo, _ := newTestMonitor(t)
	_, err := mo.GenerateReport("month")
	assert.Error(t, err)
}

func TestGenerateReport_Recommendations(t *testing.T) {
	mo, _ := newTestMonitor(t)
	r, err := mo.GenerateReport(PeriodHour)
	require.NoError(t, err)
	assert.Equal(t, []string{"No immediate action required"}, r.Recommendations)

	for i := 0; i < 4; i++ {
		mo.TrackRequest(RequestSample{Failed: true})
	}
	for i := 0; i < 11; i++ {
		mo.TrackSuspiciousActivity("probe", "", "", nil)
	}
	r, err = mo.GenerateReport(PeriodHour)
	require.NoError(t, err)
	assert.Len(t, r.Recommendations, 3)
	assert.Contains(t, r.Recommendations[0], "Error rate")
	assert.Contains(t, r.Recommendations[1], "suspicious activity")
	assert.Contains(t, r.Recommendations[2], "Threat level is critical")
}

func TestGetThreatTimeline(t *testing.T) {
	mo, clock := newTestMonitor(t) // 10:30
	mo.LogEvent(EventInput{Type: "a", Severity: SeverityWarning})
	clock.Advance(time.Hour) // 11:30
	mo.LogEvent(EventInput{Type: "b", Severity: SeverityCritical})
	mo.LogEvent(EventInput{Type: "c", Severity: SeverityInfo})

	tl := mo.GetThreatTimeline(3)
	require.Len(t, tl, 3)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), tl[0].Hour)
	assert.Zero(t, tl[0].Total)
	assert.Equal(t, 1, tl[1].Warning)
	assert.Equal(t, 2, tl[2].Total)
	assert.Equal(t, 1, tl[2].Critical)
	assert.Equal(t, 1, tl[2].Info)

	assert.Len(t, mo.GetThreatTimeline(0), 24)
	assert.Len(t, mo.GetThreatTimeline(1000), 168)
}
