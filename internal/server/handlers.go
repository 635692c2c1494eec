package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/service"
	"github.com/socialdash/autopost/internal/store"
)

const (
	defaultErrorLimit = 50
	maxErrorLimit     = 500
)

func (s *Server) handleListPosts(c *gin.Context) {
	filter := store.PostFilter{UserID: c.Query("user_id")}
	if raw := c.Query("status"); raw != "" {
		status, err := models.ParsePostStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Status = status
	}

	posts, err := s.Components.Deps.Store.QueryPosts(c.Request.Context(), filter)
	if err != nil {
		s.Logger.Error("Failed to query posts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query posts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"posts": posts, "count": len(posts)})
}

func (s *Server) handleGetPost(c *gin.Context) {
	post, err := s.Components.Deps.Store.GetPost(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	}
	if err != nil {
		s.Logger.Error("Failed to get post", zap.String("post_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get post"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post})
}

type resubmitRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

func (s *Server) handleResubmitPost(c *gin.Context) {
	var req resubmitRequest
	// The body is optional, chunked empty bodies included
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	at := time.Now()
	if req.ScheduledAt != nil {
		at = *req.ScheduledAt
	}

	post, err := service.Resubmit(c.Request.Context(), s.Components.Deps.Store, c.Param("id"), at)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	case errors.Is(err, service.ErrNotResubmittable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.Logger.Error("Failed to resubmit post", zap.String("post_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resubmit post"})
		return
	}

	s.Logger.Info("Post resubmitted",
		zap.String("post_id", post.ID),
		zap.String("resubmitted_from", c.Param("id")),
		zap.Time("scheduled_at", post.ScheduledAt))
	c.JSON(http.StatusCreated, gin.H{"post": post})
}

type sessionView struct {
	UserID     string              `json:"user_id"`
	LastTick   *time.Time          `json:"last_tick,omitempty"`
	LastReport *service.TickReport `json:"last_report,omitempty"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	users := s.Sessions.Users()
	views := make([]sessionView, 0, len(users))
	for _, userID := range users {
		view := sessionView{UserID: userID}
		if session, ok := s.Sessions.Get(userID); ok {
			if last, report := session.Poller().LastTick(); !last.IsZero() {
				view.LastTick = &last
				view.LastReport = &report
			}
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "sessions": views})
}

func (s *Server) handleOpenSession(c *gin.Context) {
	session, err := s.Sessions.Open(c.Param("user_id"))
	if err != nil {
		s.Logger.Error("Failed to open session", zap.String("user_id", c.Param("user_id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      session.UserID(),
		"cached_posts": session.Cache().Len(),
	})
}

func (s *Server) handleCloseSession(c *gin.Context) {
	if !s.Sessions.Close(c.Param("user_id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session closed"})
}

func (s *Server) handleTick(c *gin.Context) {
	session, ok := s.Sessions.Get(c.Param("user_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	// A client hanging up must not abandon a post between claim and finalize
	ctx := context.WithoutCancel(c.Request.Context())
	report := session.Poller().RunTick(ctx, time.Now())

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) handleStats(c *gin.Context) {
	posts, err := s.Components.Deps.Store.QueryPosts(c.Request.Context(), store.PostFilter{UserID: c.Query("user_id")})
	if err != nil {
		s.Logger.Error("Failed to query posts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}

	counts := map[models.PostStatus]int{
		models.PostStatusDraft:      0,
		models.PostStatusScheduled:  0,
		models.PostStatusPublishing: 0,
		models.PostStatusPublished:  0,
		models.PostStatusFailed:     0,
	}
	for _, post := range posts {
		counts[post.Status]++
	}

	c.JSON(http.StatusOK, gin.H{"total": len(posts), "by_status": counts})
}

func (s *Server) handleRecentErrors(c *gin.Context) {
	limit := defaultErrorLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxErrorLimit)
	}

	logs, err := s.Components.Deps.Monitoring.GetRecentErrors(limit)
	if err != nil {
		s.Logger.Error("Failed to get recent errors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get errors"})
		return
	}
	if logs == nil {
		logs = []models.ErrorLog{}
	}

	c.JSON(http.StatusOK, gin.H{"errors": logs})
}
