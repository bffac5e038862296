package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paywise/flowengine/internal/engine"
	"github.com/paywise/flowengine/pkg/api"
)

var (
	ErrInvalidJSON = errors.New("invalid JSON in request body")
	ErrListFlows   = errors.New("failed to list flows")
)

// controlRequest carries the optional free-text argument of the flow
// control endpoints
type controlRequest struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) startFlow(c *gin.Context) {
	var req api.StartFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	if req.Type == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "flow type is required",
			Status: http.StatusBadRequest,
		})
		return
	}

	res, err := s.engine.StartFlow(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) getFlow(c *gin.Context) {
	flowID := api.FlowID(c.Param("flowID"))

	flow, err := s.engine.GetFlow(c.Request.Context(), flowID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (s *Server) listFlows(c *gin.Context) {
	filter, page, err := parseListQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusBadRequest,
		})
		return
	}

	res, err := s.engine.ListFlows(c.Request.Context(), filter, page)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrListFlows, err),
			Status: http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleStatistics(c *gin.Context) {
	res, err := s.engine.Statistics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listFlowTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"types": s.engine.Catalog().Types(),
	})
}

func (s *Server) pauseFlow(c *gin.Context) {
	req := bindControl(c)
	if req == nil {
		return
	}
	flowID := api.FlowID(c.Param("flowID"))

	st, err := s.engine.PauseFlow(c.Request.Context(), flowID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{
		Message: "flow paused",
		Version: st.Version,
	})
}

func (s *Server) resumeFlow(c *gin.Context) {
	flowID := api.FlowID(c.Param("flowID"))

	st, err := s.engine.ResumeFlow(c.Request.Context(), flowID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{
		Message: "flow resumed",
		Version: st.Version,
	})
}

func (s *Server) cancelFlow(c *gin.Context) {
	req := bindControl(c)
	if req == nil {
		return
	}
	flowID := api.FlowID(c.Param("flowID"))

	st, err := s.engine.CancelFlow(c.Request.Context(), flowID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{
		Message: "flow cancellation requested",
		Version: st.Version,
	})
}

func (s *Server) retryFlow(c *gin.Context) {
	flowID := api.FlowID(c.Param("flowID"))

	st, err := s.engine.RetryFlow(c.Request.Context(), flowID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{
		Message: "flow retried",
		Version: st.Version,
	})
}

func (s *Server) resolveFlow(c *gin.Context) {
	req := bindControl(c)
	if req == nil {
		return
	}
	flowID := api.FlowID(c.Param("flowID"))

	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "resolve requires a reason",
			Status: http.StatusBadRequest,
		})
		return
	}

	st, err := s.engine.ResolveFlow(c.Request.Context(), flowID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{
		Message: "flow resolved",
		Version: st.Version,
	})
}

func (s *Server) handleBatch(c *gin.Context) {
	var req api.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}
	if len(req.FlowIDs) == 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "at least one flow ID is required",
			Status: http.StatusBadRequest,
		})
		return
	}

	res, err := s.engine.Batch(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func bindControl(c *gin.Context) *controlRequest {
	req := &controlRequest{}
	if c.Request.ContentLength == 0 {
		return req
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return nil
	}
	return req
}

func parseListQuery(c *gin.Context) (*api.FlowFilter, *api.Page, error) {
	filter := &api.FlowFilter{
		Status:        api.FlowStatus(c.Query("status")),
		Type:          api.FlowType(c.Query("type")),
		CorrelationID: api.CorrelationID(c.Query("correlation_id")),
		UserID:        api.UserID(c.Query("user_id")),
	}

	if v := c.Query("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid created_after: %w", err)
		}
		filter.CreatedAfter = t
	}
	if v := c.Query("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid created_before: %w", err)
		}
		filter.CreatedBefore = t
	}

	page := &api.Page{}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("invalid offset: %s", v)
		}
		page.Offset = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("invalid limit: %s", v)
		}
		page.Limit = n
	}
	return filter, page, nil
}

// writeError maps an engine error to an HTTP response using the engine's
// error codes
func writeError(c *gin.Context, err error) {
	code := engine.CodeOf(err)
	status := httpStatus(code)
	c.JSON(status, api.ErrorResponse{
		Error:  err.Error(),
		Code:   string(code),
		Status: status,
	})
}

func httpStatus(code engine.Code) int {
	switch code {
	case engine.CodeOK:
		return http.StatusOK
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidTransition, engine.CodeConflict:
		return http.StatusConflict
	case engine.CodeUnknownFlowType:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
