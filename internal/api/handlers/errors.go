package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printq/internal/api/middleware"
	"github.com/orrn/printq/internal/core"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errorCodes = []struct {
	target error
	status int
	code   string
}{
	{core.ErrValidation, http.StatusBadRequest, "validation_failed"},
	{core.ErrNotFound, http.StatusNotFound, "not_found"},
	{core.ErrConflict, http.StatusConflict, "conflict"},
	{core.ErrIllegalTransition, http.StatusUnprocessableEntity, "illegal_transition"},
	{core.ErrForbidden, http.StatusForbidden, "forbidden"},
	{core.ErrDeviceUnavailable, http.StatusServiceUnavailable, "device_unavailable"},
	{core.ErrIllegalState, http.StatusConflict, "illegal_state"},
}

// respondError maps a domain error onto its HTTP status. Anything outside
// the taxonomy is logged with the request and reported as internal.
func respondError(c *gin.Context, err error) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.target) {
			c.JSON(ec.status, ErrorResponse{Error: ec.code, Message: err.Error()})
			return
		}
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "internal server error"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: msg})
}

func requester(c *gin.Context) core.Requester {
	id, _ := middleware.GetIdentity(c)
	return core.Requester{UserID: id.UserID, Admin: id.Admin}
}

// redact hides owner contact details on jobs the caller does not own.
// Admins see everything.
func redact(c *gin.Context, jobs ...*core.Job) []*core.Job {
	req := requester(c)
	out := make([]*core.Job, len(jobs))
	for i, j := range jobs {
		if req.Admin || j.OwnerID == req.UserID || j.OwnerEmail == "" {
			out[i] = j
			continue
		}
		cp := *j
		cp.OwnerEmail = ""
		out[i] = &cp
	}
	return out
}

// clampLimit applies the default and ceiling used by every list endpoint.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
