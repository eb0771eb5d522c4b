package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/registry"
)

// ErrUnreachable marks transport failures and server-side errors.
var ErrUnreachable = errors.New("authority unreachable")

// ErrBatchRefused marks a push the authority refused as a whole, without
// naming the records at fault.
var ErrBatchRefused = errors.New("batch refused")

const userAgent = "qrattend-kiosk/1.0"

// Client calls the remote attendance authority.
type Client struct {
	BaseURL  string
	APIKey   string
	HTTP     *http.Client
	Location *time.Location
}

// New creates a client with configurable timeout.
func New(baseURL, apiKey string, timeout time.Duration, loc *time.Location) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		Location: loc,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// Rejection is one record the authority refused, by position in the batch.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// PushResult is the authority's reply to a bulk upsert.
type PushResult struct {
	Success  bool        `json:"success"`
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
	Message  string      `json:"message,omitempty"`
}

type pushRequest struct {
	APIKey  string         `json:"api_key"`
	Records []RemoteRecord `json:"records"`
}

// EncodePush renders the bulk upsert body for recs.
func (c *Client) EncodePush(recs []attendance.Record) ([]byte, error) {
	body := pushRequest{APIKey: c.APIKey, Records: make([]RemoteRecord, len(recs))}
	for i, rec := range recs {
		body.Records[i] = FromRecord(rec, c.Location)
	}
	return json.Marshal(body)
}

// Push sends recs in one bulk upsert.
func (c *Client) Push(ctx context.Context, recs []attendance.Record) (PushResult, error) {
	body, err := c.EncodePush(recs)
	if err != nil {
		return PushResult{}, attendance.Wrap(attendance.KindValidation, "encode push", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/attendance", bytes.NewReader(body))
	if err != nil {
		return PushResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out PushResult
	if err := c.do(req, "push", &out); err != nil {
		return PushResult{}, err
	}
	if !out.Success && len(out.Rejected) == 0 {
		msg := out.Message
		if msg == "" {
			msg = "unknown error"
		}
		return out, attendance.Wrap(attendance.KindValidation, "authority refused batch: "+msg, ErrBatchRefused)
	}
	sort.Slice(out.Rejected, func(i, j int) bool { return out.Rejected[i].Index < out.Rejected[j].Index })
	return out, nil
}

// Pull fetches one page of records on or after since (a calendar date).
func (c *Client) Pull(ctx context.Context, since string, limit, offset int) ([]RemoteRecord, error) {
	q := url.Values{}
	q.Set("api_key", c.APIKey)
	q.Set("since", since)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/attendance?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Success *bool          `json:"success"`
		Data    []RemoteRecord `json:"data"`
		Message string         `json:"message"`
	}
	if err := c.do(req, "pull", &out); err != nil {
		return nil, err
	}
	if out.Success != nil && !*out.Success {
		return nil, attendance.Errorf(attendance.KindValidation, "authority refused pull: %s", out.Message)
	}
	return out.Data, nil
}

type remoteStudent struct {
	StudentID     string  `json:"student_id"`
	Name          string  `json:"name"`
	Shift         string  `json:"shift"`
	Program       string  `json:"program"`
	AdmissionYear FlexInt `json:"admission_year"`
	CurrentYear   FlexInt `json:"current_year"`
	Active        *bool   `json:"is_active"`
}

func (s remoteStudent) student(id string) registry.Student {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	if s.StudentID != "" {
		id = s.StudentID
	}
	return registry.Student{
		ID:            id,
		Name:          s.Name,
		Shift:         s.Shift,
		Program:       s.Program,
		AdmissionYear: int(s.AdmissionYear),
		CurrentYear:   int(s.CurrentYear),
		Active:        active,
	}
}

// Students fetches the roster. Both the list form {data:[...]} and the keyed
// form {students:{id:{...}}} are accepted.
func (c *Client) Students(ctx context.Context) ([]registry.Student, error) {
	q := url.Values{}
	q.Set("api_key", c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/students?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data     []remoteStudent          `json:"data"`
		Students map[string]remoteStudent `json:"students"`
	}
	if err := c.do(req, "students", &out); err != nil {
		return nil, err
	}

	students := make([]registry.Student, 0, len(out.Data)+len(out.Students))
	for _, s := range out.Data {
		students = append(students, s.student(""))
	}
	for id, s := range out.Students {
		students = append(students, s.student(id))
	}
	sort.Slice(students, func(i, j int) bool { return students[i].ID < students[j].ID })
	return students, nil
}

// Health reports whether the authority answers at all. Any reply below 500
// counts, since the root may require a key.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return attendance.Wrap(attendance.KindNetwork, "health", fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return attendance.Wrap(attendance.KindNetwork, "health", fmt.Errorf("%w: %s", ErrUnreachable, resp.Status))
	}
	return nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return attendance.Wrap(attendance.KindNetwork, op, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return attendance.Wrap(attendance.KindNetwork, op, fmt.Errorf("%w: %s: %s", ErrUnreachable, resp.Status, bytes.TrimSpace(bodyBytes)))
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return attendance.Errorf(attendance.KindValidation, "authority %s error %s: %s", op, resp.Status, bytes.TrimSpace(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return attendance.Wrap(attendance.KindNetwork, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
