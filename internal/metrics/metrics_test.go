package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/reconcile"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveScan(t *testing.T) {
	m := New()
	m.ObserveScan(attendance.Outcome{Accepted: true, Action: attendance.ActionCheckIn})
	m.ObserveScan(attendance.Outcome{Accepted: false, Action: attendance.ActionRejected, Kind: attendance.KindPolicy})
	m.ObserveScan(attendance.Outcome{Accepted: false, Action: attendance.ActionRejected, Kind: attendance.KindPolicy})

	body := scrape(t, m)
	assert.Contains(t, body, `attendance_scans_total{outcome="check-in"} 1`)
	assert.Contains(t, body, `attendance_scans_total{outcome="policy"} 2`)
}

func TestObserveCycle(t *testing.T) {
	m := New()
	m.ObserveCycle(reconcile.Report{
		Outcome:  reconcile.OutcomeOK,
		Duration: 1200 * time.Millisecond,
		Pushed:   3,
		Rejected: 1,
		Pull:     reconcile.PullReport{Added: 5, Kept: 2},
	}, 0)
	m.ObserveCycle(reconcile.Report{Outcome: reconcile.OutcomeSkipped}, 0)
	m.ObserveCycle(reconcile.Report{Outcome: reconcile.OutcomeFailed}, 1)
	m.SetQueueSize(4)

	body := scrape(t, m)
	assert.Contains(t, body, `attendance_sync_cycles_total{outcome="ok"} 1`)
	assert.Contains(t, body, `attendance_sync_cycles_total{outcome="skipped"} 1`)
	assert.Contains(t, body, `attendance_sync_cycles_total{outcome="failed"} 1`)
	assert.Contains(t, body, `attendance_push_records_total{result="acked"} 3`)
	assert.Contains(t, body, `attendance_pull_records_total{action="added"} 5`)
	assert.Contains(t, body, `attendance_sync_consecutive_failures 1`)
	assert.Contains(t, body, `attendance_offline_queue_size 4`)
	assert.Contains(t, body, `attendance_sync_cycle_seconds_count 2`)
}
