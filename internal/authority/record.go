package authority

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"qrattend/internal/attendance"
)

// TimeLayout is the authority's datetime format, in the station's zone.
const TimeLayout = "2006-01-02 15:04:05"

// FlexInt decodes numbers sent either as JSON numbers or numeric strings.
// Null, empty and non-numeric values decode to zero.
type FlexInt int

func (n *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = FlexInt(int(v))
	return nil
}

// Minutes is an optional session length in minutes.
type Minutes struct {
	Value float64
	Valid bool
}

func (m *Minutes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*m = Minutes{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) {
		return nil
	}
	*m = Minutes{Value: v, Valid: true}
	return nil
}

func (m Minutes) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(m.Value, 'f', -1, 64)), nil
}

// RemoteRecord is the authority's JSON shape of an attendance row.
type RemoteRecord struct {
	StudentID       string  `json:"student_id"`
	StudentName     string  `json:"student_name"`
	Timestamp       string  `json:"timestamp"`
	Status          string  `json:"status"`
	Shift           string  `json:"shift"`
	Program         string  `json:"program"`
	CurrentYear     FlexInt `json:"current_year"`
	AdmissionYear   FlexInt `json:"admission_year"`
	CheckInTime     *string `json:"check_in_time"`
	CheckOutTime    *string `json:"check_out_time"`
	SessionDuration Minutes `json:"session_duration"`
}

// parseTime reads an authority datetime. Empty values and placeholder
// sentinels such as "0000-00-00 00:00:00" are reported as absent.
func parseTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, false
	}
	for _, layout := range []string{TimeLayout, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			if t.Year() <= 1 {
				return time.Time{}, false
			}
			return t, true
		}
	}
	return time.Time{}, false
}

func optionalTime(s *string, loc *time.Location) *time.Time {
	if s == nil {
		return nil
	}
	t, ok := parseTime(*s, loc)
	if !ok {
		return nil
	}
	return &t
}

func formatOptional(t *time.Time, loc *time.Location) *string {
	if t == nil {
		return nil
	}
	s := t.In(loc).Format(TimeLayout)
	return &s
}

// ToRecord converts the wire shape to a local record.
func (r RemoteRecord) ToRecord(loc *time.Location) (attendance.Record, error) {
	id := strings.TrimSpace(r.StudentID)
	if id == "" {
		return attendance.Record{}, fmt.Errorf("remote record without student_id")
	}
	ts, ok := parseTime(r.Timestamp, loc)
	if !ok {
		return attendance.Record{}, fmt.Errorf("remote record %s: invalid timestamp %q", id, r.Timestamp)
	}
	status, err := attendance.ParseStatus(r.Status)
	if err != nil {
		return attendance.Record{}, fmt.Errorf("remote record %s: %w", id, err)
	}
	rec := attendance.Record{
		SubjectID:     id,
		Name:          r.StudentName,
		Timestamp:     ts,
		Status:        status,
		Shift:         r.Shift,
		Program:       r.Program,
		CurrentYear:   int(r.CurrentYear),
		AdmissionYear: int(r.AdmissionYear),
		CheckInTime:   optionalTime(r.CheckInTime, loc),
		CheckOutTime:  optionalTime(r.CheckOutTime, loc),
	}
	if r.SessionDuration.Valid {
		d := time.Duration(r.SessionDuration.Value * float64(time.Minute)).Round(time.Second)
		rec.Duration = &d
	}
	return rec, nil
}

// FromRecord converts a local record to the wire shape.
func FromRecord(rec attendance.Record, loc *time.Location) RemoteRecord {
	r := RemoteRecord{
		StudentID:     rec.SubjectID,
		StudentName:   rec.Name,
		Timestamp:     rec.Timestamp.In(loc).Format(TimeLayout),
		Status:        string(rec.Status),
		Shift:         rec.Shift,
		Program:       rec.Program,
		CurrentYear:   FlexInt(rec.CurrentYear),
		AdmissionYear: FlexInt(rec.AdmissionYear),
		CheckInTime:   formatOptional(rec.CheckInTime, loc),
		CheckOutTime:  formatOptional(rec.CheckOutTime, loc),
	}
	if rec.Duration != nil {
		r.SessionDuration = Minutes{Value: math.Round(rec.Duration.Minutes()*100) / 100, Valid: true}
	}
	return r
}

// DecodeRecords parses remote records sent either as a bare array or
// wrapped as {"records": [...]}.
func DecodeRecords(raw []byte) ([]RemoteRecord, error) {
	var out []RemoteRecord
	err := json.Unmarshal(raw, &out)
	if err == nil {
		return out, nil
	}
	var wrapped struct {
		Records []RemoteRecord `json:"records"`
	}
	if werr := json.Unmarshal(raw, &wrapped); werr != nil {
		return nil, err
	}
	return wrapped.Records, nil
}
