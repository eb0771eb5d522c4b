package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/reconcile"
)

type handler struct {
	deps Deps
}

func (h *handler) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.deps.Checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	if h.deps.Queue != nil {
		if n, err := h.deps.Queue.Size(c.Request.Context()); err == nil {
			body["queue_size"] = n
		}
	}
	c.JSON(status, body)
}

func (h *handler) register(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := h.deps.Signer.Issue(req.DeviceID)
	if err != nil {
		log.Printf("token issue failed for %s: %v", req.DeviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	log.Printf("station %s registered", req.DeviceID)
	c.JSON(http.StatusCreated, tokens)
}

func (h *handler) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := h.deps.Signer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (h *handler) scan(c *gin.Context) {
	var req struct {
		SubjectID string `json:"subject_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.deps.Service.Scan(c.Request.Context(), req.SubjectID)
	if err != nil {
		c.JSON(scanStatus(err), out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func scanStatus(err error) int {
	if errors.Is(err, attendance.ErrSubjectNotFound) {
		return http.StatusNotFound
	}
	switch attendance.KindOf(err) {
	case attendance.KindValidation:
		return http.StatusBadRequest
	case attendance.KindPolicy:
		return http.StatusConflict
	case attendance.KindConflict:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) date(c *gin.Context) (string, bool) {
	date := c.Query("date")
	if date == "" {
		return h.deps.Service.CurrentDate(), true
	}
	if _, err := time.Parse(attendance.DateLayout, date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return "", false
	}
	return date, true
}

func (h *handler) status(c *gin.Context) {
	date, ok := h.date(c)
	if !ok {
		return
	}
	st, err := h.deps.Service.StatusFor(c.Param("subject"), date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) attendance(c *gin.Context) {
	date, ok := h.date(c)
	if !ok {
		return
	}
	recs, err := h.deps.Service.Records(date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "records": recs})
}

func (h *handler) syncNow(c *gin.Context) {
	rep, err := h.deps.Sync.SyncNow(c.Request.Context(), h.deps.SyncTimeout)
	if errors.Is(err, reconcile.ErrTimedOut) {
		c.JSON(http.StatusGatewayTimeout, rep)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(cycleStatus(rep.Outcome), rep)
}

func cycleStatus(o reconcile.Outcome) int {
	switch o {
	case reconcile.OutcomeOK:
		return http.StatusOK
	case reconcile.OutcomeSkipped:
		return http.StatusServiceUnavailable
	case reconcile.OutcomeBusy:
		return http.StatusConflict
	case reconcile.OutcomeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *handler) syncStatus(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{"consecutive_failures": h.deps.Sync.ConsecutiveFailures()}
	if h.deps.Links != nil {
		network, authority := h.deps.Links.LastKnown()
		body["network"] = network
		body["authority"] = authority
	}
	if n, err := h.deps.Queue.Size(ctx); err == nil {
		body["queue_size"] = n
	}
	if parked, err := h.deps.Queue.Parked(ctx); err == nil {
		body["parked"] = len(parked)
	}
	if last, ok := h.deps.Sync.Last(); ok {
		body["last"] = last
	}
	c.JSON(http.StatusOK, body)
}
