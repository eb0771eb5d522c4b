package reconcile

import (
	"time"

	"qrattend/internal/attendance"
)

// Decision is the outcome of comparing a local and a remote record with the same key.
type Decision string

const (
	KeepLocal           Decision = "keep local"
	RemoteNewer         Decision = "remote newer"
	AuthorityCorrection Decision = "authority correction"
)

// Resolve applies last-writer-plus-authority-bias on record timestamps: a
// strictly newer remote wins, and so does a remote whose status differs
// within tolerance.
func Resolve(local, remote attendance.Record, tolerance time.Duration) Decision {
	if remote.Timestamp.After(local.Timestamp) {
		return RemoteNewer
	}
	if local.Status != remote.Status && local.Timestamp.Sub(remote.Timestamp) <= tolerance {
		return AuthorityCorrection
	}
	return KeepLocal
}

// Merge returns remote with blanks filled from local, so an authority row
// without metadata does not erase what the station knows.
func Merge(local, remote attendance.Record) attendance.Record {
	out := remote.Clone()
	if out.Name == "" {
		out.Name = local.Name
	}
	if out.Shift == "" {
		out.Shift = local.Shift
	}
	if out.Program == "" {
		out.Program = local.Program
	}
	if out.CurrentYear == 0 {
		out.CurrentYear = local.CurrentYear
	}
	if out.AdmissionYear == 0 {
		out.AdmissionYear = local.AdmissionYear
	}
	if out.Status == attendance.StatusAbsent {
		return out
	}
	if out.CheckInTime == nil && local.CheckInTime != nil {
		t := *local.CheckInTime
		out.CheckInTime = &t
	}
	if out.Status == attendance.StatusCheckOut {
		if out.CheckOutTime == nil && local.CheckOutTime != nil {
			t := *local.CheckOutTime
			out.CheckOutTime = &t
		}
		if out.Duration == nil {
			out.Duration = attendance.SessionDuration(out.CheckInTime, out.CheckOutTime)
		}
	}
	return out
}
