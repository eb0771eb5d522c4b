package attendance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
)

func ts(hh, mm int) time.Time { return time.Date(2025, 3, 10, hh, mm, 0, 0, pkt) }

func ptr[T any](v T) *T { return &v }

func TestFold(t *testing.T) {
	const id, day = "24-SWT-01", "2025-03-10"
	in := attendance.Record{SubjectID: id, Timestamp: ts(9, 15), Status: attendance.StatusCheckIn, CheckInTime: ptr(ts(9, 15))}
	amended := in.Clone()
	amended.Status = attendance.StatusCheckOut
	amended.CheckOutTime = ptr(ts(12, 5))
	appendedOut := attendance.Record{
		SubjectID: id, Timestamp: ts(12, 5), Status: attendance.StatusCheckOut,
		CheckInTime: ptr(ts(9, 15)), CheckOutTime: ptr(ts(12, 5)),
	}
	orphanOut := appendedOut
	absent := attendance.Record{SubjectID: id, Timestamp: ts(11, 0), Status: attendance.StatusAbsent}
	second := attendance.Record{SubjectID: id, Timestamp: ts(9, 40), Status: attendance.StatusCheckIn}

	cases := []struct {
		name    string
		records []attendance.Record
		want    attendance.State
	}{
		{"empty", nil, attendance.NotCheckedIn},
		{"open", []attendance.Record{in}, attendance.CheckedIn},
		{"amended", []attendance.Record{amended}, attendance.CheckedOut},
		{"appended", []attendance.Record{appendedOut, in}, attendance.CheckedOut},
		{"absent", []attendance.Record{absent, absent}, attendance.Absent},
		{"orphan check-out", []attendance.Record{orphanOut}, attendance.Invalid},
		{"two open", []attendance.Record{in, second}, attendance.Invalid},
		{"open after completed", []attendance.Record{amended, second}, attendance.Invalid},
		{"absent and present", []attendance.Record{absent, in}, attendance.Invalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := attendance.Fold(id, day, tc.records)
			assert.Equal(t, tc.want, st.State)
			if tc.want == attendance.Invalid {
				assert.NotEmpty(t, st.Problem)
			}
		})
	}
}

func TestFold_DerivesDuration(t *testing.T) {
	in := attendance.Record{SubjectID: "s", Timestamp: ts(9, 15), Status: attendance.StatusCheckIn}
	out := attendance.Record{
		SubjectID: "s", Timestamp: ts(12, 5), Status: attendance.StatusCheckOut,
		CheckInTime: ptr(ts(9, 15)), CheckOutTime: ptr(ts(12, 5)),
	}
	st := attendance.Fold("s", "2025-03-10", []attendance.Record{in, out})
	require.Equal(t, attendance.CheckedOut, st.State)
	require.NotNil(t, st.Duration)
	assert.Equal(t, 170*time.Minute, *st.Duration)
}

func TestSessionDuration(t *testing.T) {
	assert.Nil(t, attendance.SessionDuration(nil, ptr(ts(12, 0))))
	assert.Nil(t, attendance.SessionDuration(ptr(ts(9, 0)), ptr(time.Time{})))
	d := attendance.SessionDuration(ptr(ts(12, 0)), ptr(ts(9, 0)))
	require.NotNil(t, d)
	assert.Equal(t, time.Duration(0), *d)
}

func TestErrorKinds(t *testing.T) {
	err := attendance.Wrap(attendance.KindNetwork, "push", assert.AnError)
	assert.True(t, attendance.IsRetryable(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, attendance.IsRetryable(attendance.Errorf(attendance.KindPolicy, "closed")))
	assert.Equal(t, attendance.Kind(""), attendance.KindOf(assert.AnError))
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]attendance.Status{
		"Check-in":    attendance.StatusCheckIn,
		"check_out":   attendance.StatusCheckOut,
		"CheckedIn":   attendance.StatusCheckIn,
		" absent ":    attendance.StatusAbsent,
		"Checked-Out": attendance.StatusCheckOut,
	} {
		got, err := attendance.ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := attendance.ParseStatus("late")
	assert.Error(t, err)
}

func TestRecordDate_AppendedCheckOutCountsTowardsCheckInDay(t *testing.T) {
	in := ts(21, 30)
	out := in.Add(8 * time.Hour)
	rec := attendance.Record{
		SubjectID: "24-SWT-07", Timestamp: out, Status: attendance.StatusCheckOut,
		CheckInTime: ptr(in), CheckOutTime: ptr(out),
	}
	assert.Equal(t, "2025-03-10", rec.Date(pkt))

	checkIn := attendance.Record{SubjectID: "24-SWT-07", Timestamp: out, Status: attendance.StatusCheckIn, CheckInTime: ptr(out)}
	assert.Equal(t, "2025-03-11", checkIn.Date(pkt))
}
