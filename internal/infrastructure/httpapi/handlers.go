package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/usecase"
)

type createSearchRequest struct {
	UserChatID int64  `json:"user_chat_id" binding:"required"`
	Username   string `json:"username"`
	URL        string `json:"url" binding:"required"`
}

type searchResponse struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Provider  string     `json:"provider"`
	URL       string     `json:"url"`
	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	SeededAt  *time.Time `json:"seeded_at,omitempty"`
}

type createSearchResponse struct {
	Search       searchResponse `json:"search"`
	TotalResults int            `json:"total_results"`
	Seeded       int            `json:"seeded"`
	Warning      string         `json:"warning,omitempty"`
}

type runResponse struct {
	Report usecase.Report `json:"report"`
	Error  string         `json:"error,omitempty"`
}

func toSearchResponse(s domain.Search) searchResponse {
	return searchResponse{
		ID:        s.ID,
		UserID:    s.UserID,
		Provider:  string(s.Provider),
		URL:       s.URL,
		CreatedAt: s.CreatedAt,
		LastRunAt: s.LastRunAt,
		SeededAt:  s.SeededAt,
	}
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runETL accepts ?refresh=<duration> to override the refresh interval; refresh=0s refreshes everything.
func (s *Server) runETL(c *gin.Context) {
	var override *time.Duration
	if raw := c.Query("refresh"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh must be a non-negative duration like 0s or 30m"})
			return
		}
		override = &d
	}

	ctx, cancel := s.runContext(c)
	defer cancel()

	report, err := s.deps.Runner.RunETL(ctx, override)
	s.writeRun(c, report, err)
}

func (s *Server) runNotify(c *gin.Context) {
	ctx, cancel := s.runContext(c)
	defer cancel()

	report, err := s.deps.Runner.RunNotify(ctx)
	s.writeRun(c, report, err)
}

// runContext detaches a run from the client connection.
func (s *Server) runContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.deps.RunTimeout)
}

// writeRun answers 200 for completed runs, failures included, 409 when locked and 500 on aborted runs.
func (s *Server) writeRun(c *gin.Context, report usecase.Report, err error) {
	var runErr *usecase.RunError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, runResponse{Report: report})
	case errors.Is(err, usecase.ErrRunInProgress):
		c.JSON(http.StatusConflict, runResponse{Report: report, Error: err.Error()})
	case errors.As(err, &runErr):
		c.JSON(http.StatusOK, runResponse{Report: report, Error: err.Error()})
	default:
		s.logger.Error("run aborted", "phase", report.Phase, "error", err)
		c.JSON(http.StatusInternalServerError, runResponse{Report: report, Error: err.Error()})
	}
}

func (s *Server) createSearch(c *gin.Context) {
	var req createSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.deps.Searches.CreateSearch(c.Request.Context(), usecase.UserRef{ChatID: req.UserChatID, Username: req.Username}, req.URL)
	if err != nil {
		c.JSON(searchErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, createSearchResponse{
		Search:       toSearchResponse(result.Search),
		TotalResults: result.TotalResults,
		Seeded:       result.Seeded,
		Warning:      result.Warning,
	})
}

func (s *Server) listSearches(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chatID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatID must be an integer"})
		return
	}

	searches, err := s.deps.Searches.ListSearches(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(searchErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	out := make([]searchResponse, 0, len(searches))
	for _, search := range searches {
		out = append(out, toSearchResponse(search))
	}
	c.JSON(http.StatusOK, gin.H{"searches": out})
}

func searchErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSearchURL), errors.Is(err, domain.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSearchExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSearchQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNoResults), errors.Is(err, domain.ErrTooManyResults):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
