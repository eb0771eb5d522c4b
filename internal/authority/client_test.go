package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
)

var pkt = time.FixedZone("PKT", 5*60*60)

func at(hh, mm int) time.Time { return time.Date(2025, 3, 10, hh, mm, 0, 0, pkt) }

func sampleRecords() []attendance.Record {
	in, out := at(9, 15), at(12, 5)
	d := out.Sub(in)
	return []attendance.Record{
		{
			SubjectID: "24-SWT-01", Name: "Ayesha Khan", Timestamp: in, Status: attendance.StatusCheckOut,
			Shift: "Morning", Program: "SWT", CurrentYear: 2, AdmissionYear: 2024,
			CheckInTime: &in, CheckOutTime: &out, Duration: &d,
		},
		{
			SubjectID: "24-SWT-02", Name: "Bilal Ahmed", Timestamp: at(11, 0), Status: attendance.StatusAbsent,
			Shift: "Morning", Program: "SWT", CurrentYear: 2, AdmissionYear: 2024,
		},
	}
}

func TestEncodePush_Golden(t *testing.T) {
	c := New("http://authority.test", "test-key", time.Second, pkt)
	raw, err := c.EncodePush(sampleRecords())
	require.NoError(t, err)

	var pretty bytes.Buffer
	require.NoError(t, json.Indent(&pretty, raw, "", "  "))
	pretty.WriteByte('\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "push_payload", pretty.Bytes())
}

func TestPush_PartialRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/attendance", r.URL.Path)
		var body struct {
			APIKey  string         `json:"api_key"`
			Records []RemoteRecord `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "k", body.APIKey)
		assert.Len(t, body.Records, 2)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"accepted": 1,
			"rejected": []map[string]any{{"index": 1, "reason": "unknown student"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second, pkt)
	res, err := c.Push(context.Background(), sampleRecords())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, Rejection{Index: 1, Reason: "unknown student"}, res.Rejected[0])
}

func TestPush_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k", time.Second, pkt).Push(context.Background(), sampleRecords())
	require.Error(t, err)
	assert.True(t, attendance.IsRetryable(err))
	assert.True(t, errors.Is(err, ErrUnreachable))
}

func TestPush_RefusedBatchIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"Invalid API key"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "bad", time.Second, pkt).Push(context.Background(), sampleRecords())
	require.Error(t, err)
	assert.False(t, attendance.IsRetryable(err))
	assert.True(t, errors.Is(err, ErrBatchRefused))
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestPush_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "k", time.Second, pkt).Push(context.Background(), sampleRecords())
	require.Error(t, err)
	assert.Equal(t, attendance.KindNetwork, attendance.KindOf(err))
}

func TestPull_NormalisesSentinels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-03-03", r.URL.Query().Get("since"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "100", r.URL.Query().Get("offset"))
		_, _ = w.Write([]byte(`{"success":true,"data":[{
			"student_id":"24-SWT-01","student_name":"Ayesha Khan","timestamp":"2025-03-10 09:15:00",
			"status":"Check-in","shift":"Morning","program":"SWT","current_year":"2","admission_year":2024,
			"check_in_time":"2025-03-10 09:15:00","check_out_time":"0000-00-00 00:00:00","session_duration":""
		}]}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "k", time.Second, pkt).Pull(context.Background(), "2025-03-03", 50, 100)
	require.NoError(t, err)
	require.Len(t, page, 1)

	rec, err := page[0].ToRecord(pkt)
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusCheckIn, rec.Status)
	assert.Equal(t, 2, rec.CurrentYear)
	assert.True(t, rec.Timestamp.Equal(at(9, 15)))
	require.NotNil(t, rec.CheckInTime)
	assert.Nil(t, rec.CheckOutTime)
	assert.Nil(t, rec.Duration)
}

func TestToRecord_RejectsUnusableRows(t *testing.T) {
	_, err := RemoteRecord{StudentID: "x", Timestamp: "0000-00-00 00:00:00", Status: "Check-in"}.ToRecord(pkt)
	assert.Error(t, err)
	_, err = RemoteRecord{StudentID: "x", Timestamp: "2025-03-10 09:00:00", Status: "Late"}.ToRecord(pkt)
	assert.Error(t, err)
	_, err = RemoteRecord{Timestamp: "2025-03-10 09:00:00", Status: "Absent"}.ToRecord(pkt)
	assert.Error(t, err)
}

func TestRecordRoundTripKeepsKey(t *testing.T) {
	for _, rec := range sampleRecords() {
		back, err := FromRecord(rec, pkt).ToRecord(pkt)
		require.NoError(t, err)
		assert.Equal(t, rec.Key(), back.Key())
		assert.Equal(t, rec.Status, back.Status)
	}
}

func TestStudents_AcceptsBothShapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data":[{"student_id":"24-SWT-02","name":"Bilal","shift":"Evening","current_year":"1"}],
			"students":{"24-SWT-01":{"name":"Ayesha","shift":"Morning","is_active":false}}
		}`))
	}))
	defer srv.Close()

	students, err := New(srv.URL, "k", time.Second, pkt).Students(context.Background())
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, "24-SWT-01", students[0].ID)
	assert.False(t, students[0].Active)
	assert.Equal(t, 1, students[1].CurrentYear)
	assert.True(t, students[1].Active)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	assert.NoError(t, New(srv.URL, "", time.Second, pkt).Health(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.Error(t, New(down.URL, "", time.Second, pkt).Health(context.Background()))
}

func TestDecodeRecords_AcceptsBothShapes(t *testing.T) {
	row := `{"student_id":"24-SWT-01","student_name":"Ayesha Khan","timestamp":"2025-03-10 09:15:00","status":"Check-in","shift":"Morning"}`

	bare, err := DecodeRecords([]byte("[" + row + "]"))
	require.NoError(t, err)
	require.Len(t, bare, 1)
	assert.Equal(t, "24-SWT-01", bare[0].StudentID)

	wrapped, err := DecodeRecords([]byte(`{"records":[` + row + `]}`))
	require.NoError(t, err)
	assert.Equal(t, bare, wrapped)

	_, err = DecodeRecords([]byte(`{"records":`))
	assert.Error(t, err)
}
