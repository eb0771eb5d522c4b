package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
)

var pkt = time.FixedZone("PKT", 5*60*60)

func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 10, hh, mm, 0, 0, pkt)
}

func checkIn(id string, ts time.Time) attendance.Record {
	in := ts
	return attendance.Record{
		SubjectID:   id,
		Name:        "Ayesha Khan",
		Timestamp:   ts,
		Status:      attendance.StatusCheckIn,
		Shift:       "Morning",
		Program:     "SWT",
		CurrentYear: 2,
		CheckInTime: &in,
	}
}

func open(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attendance.csv")
	l, err := Open(path, pkt)
	require.NoError(t, err)
	return l, path
}

func TestOpen_CreatesHeaderOnlyFile(t *testing.T) {
	_, path := open(t)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(Header, ",")+"\n", string(raw))
}

func TestAppendAndReload(t *testing.T) {
	l, path := open(t)
	require.NoError(t, l.Append(checkIn("24-SWT-01", at(9, 15))))
	require.NoError(t, l.Append(checkIn("24-SWT-02", at(9, 20))))

	err := l.Append(checkIn("24-SWT-01", at(9, 15)))
	assert.ErrorIs(t, err, ErrDuplicate)

	reopened, err := Open(path, pkt)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	assert.Empty(t, reopened.Quarantined())

	rec, ok := reopened.Lookup(attendance.KeyOf("24-SWT-01", at(9, 15)))
	require.True(t, ok)
	assert.Equal(t, "Ayesha Khan", rec.Name)
	assert.Equal(t, 2, rec.CurrentYear)
	require.NotNil(t, rec.CheckInTime)
	assert.True(t, rec.CheckInTime.Equal(at(9, 15)))
	assert.Nil(t, rec.CheckOutTime)
	assert.Nil(t, rec.Duration)
}

func TestAmend_ClosesOpenCheckIn(t *testing.T) {
	l, path := open(t)
	require.NoError(t, l.Append(checkIn("24-SWT-01", at(9, 15))))

	status := attendance.StatusCheckOut
	out := at(12, 5)
	d := out.Sub(at(9, 15))
	rec, err := l.Amend("24-SWT-01", "2025-03-10", attendance.Patch{Status: &status, CheckOutTime: &out, Duration: &d})
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusCheckOut, rec.Status)

	reopened, err := Open(path, pkt)
	require.NoError(t, err)
	st, err := reopened.StatusFor("24-SWT-01", "2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, attendance.CheckedOut, st.State)
	require.NotNil(t, st.Duration)
	assert.Equal(t, 2*time.Hour+50*time.Minute, *st.Duration)

	_, err = l.Amend("24-SWT-01", "2025-03-10", attendance.Patch{Status: &status})
	assert.ErrorIs(t, err, ErrNoOpen)
}

func TestStatusFor_IsIdempotent(t *testing.T) {
	l, _ := open(t)
	require.NoError(t, l.Append(checkIn("24-SWT-01", at(9, 15))))

	first, err := l.StatusFor("24-SWT-01", "2025-03-10")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := l.StatusFor("24-SWT-01", "2025-03-10")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, l.Len())
}

func TestPut_UpsertsByKey(t *testing.T) {
	l, _ := open(t)
	require.NoError(t, l.Append(checkIn("24-SWT-01", at(9, 15))))

	replaced := checkIn("24-SWT-01", at(9, 15))
	replaced.Status = attendance.StatusAbsent
	replaced.CheckInTime = nil
	require.NoError(t, l.Put(replaced, checkIn("24-SWT-03", at(10, 0))))
	require.NoError(t, l.Put(replaced))

	assert.Equal(t, 2, l.Len())
	got, ok := l.Lookup(replaced.Key())
	require.True(t, ok)
	assert.Equal(t, attendance.StatusAbsent, got.Status)
}

func TestAllForDate(t *testing.T) {
	l, _ := open(t)
	require.NoError(t, l.Append(checkIn("b", at(10, 0))))
	require.NoError(t, l.Append(checkIn("a", at(9, 0))))
	require.NoError(t, l.Append(checkIn("a", at(9, 0).AddDate(0, 0, 1))))

	recs, err := l.AllForDate("2025-03-10")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].SubjectID)
	assert.Equal(t, "b", recs[1].SubjectID)
}

func TestOpen_QuarantinesSchemaDrift(t *testing.T) {
	cases := map[string]string{
		"missing column": "subject_id,name,timestamp,status\n24-SWT-01,A,2025-03-10T09:15:00+05:00,Check-in\n",
		"extra field": strings.Join(Header, ",") + "\n" +
			"24-SWT-01,A,2025-03-10T09:15:00+05:00,Check-in,Morning,SWT,2,2024,,,,surplus\n",
		"bad timestamp": strings.Join(Header, ",") + "\n" +
			"24-SWT-01,A,yesterday,Check-in,Morning,SWT,2,2024,,,\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "attendance.csv")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			l, err := Open(path, pkt)
			require.NoError(t, err)
			assert.Equal(t, 0, l.Len())

			moved := l.Quarantined()
			require.Len(t, moved, 1)
			assert.Contains(t, filepath.Base(moved[0]), "attendance.csv.corrupt-")
			kept, err := os.ReadFile(moved[0])
			require.NoError(t, err)
			assert.Equal(t, content, string(kept))

			fresh, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, strings.Join(Header, ",")+"\n", string(fresh))
		})
	}
}

func TestOpen_UnreadableOptionalTimesBecomeUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attendance.csv")
	content := strings.Join(Header, ",") + "\n" +
		"24-SWT-01,A,2025-03-10T09:15:00+05:00,Check-out,Morning,SWT,2,2024,2025-03-10T09:15:00+05:00,0000-00-00 00:00:00,abc\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	l, err := Open(path, pkt)
	require.NoError(t, err)
	require.Empty(t, l.Quarantined())
	rec, ok := l.Lookup(attendance.KeyOf("24-SWT-01", at(9, 15)))
	require.True(t, ok)
	assert.Nil(t, rec.CheckOutTime)
	assert.Nil(t, rec.Duration)
}

func TestWrites_LeaveNoTempFiles(t *testing.T) {
	l, path := open(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(checkIn("s", at(9, i))))
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "attendance.csv", entries[0].Name())
}
