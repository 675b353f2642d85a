package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"remindbot/internal/directory"
	"remindbot/internal/localtime"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
)

type userInput struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

type timezoneInput struct {
	Timezone string `json:"timezone" binding:"required"`
}

type reminderInput struct {
	Message   string    `json:"message" binding:"required"`
	TriggerAt time.Time `json:"trigger_at" binding:"required"`
}

type reminderView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message,omitempty"`
	TriggerAt time.Time `json:"trigger_at"`
	Stage     string    `json:"stage,omitempty"`
	Zone      string    `json:"zone,omitempty"`
}

func respondError(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

// respondDomainError maps scheduler and directory errors onto status codes.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, directory.ErrUnknownUser), errors.Is(err, scheduler.ErrUserInactive):
		respondError(c, http.StatusNotFound, "user not found")
	case errors.Is(err, scheduler.ErrNotFound):
		respondError(c, http.StatusNotFound, "reminder not found")
	case errors.Is(err, localtime.ErrUnknownTimezone):
		respondError(c, http.StatusBadRequest, "unknown timezone")
	case errors.Is(err, scheduler.ErrInstantInPast):
		respondError(c, http.StatusUnprocessableEntity, "trigger_at must be in the future")
	case errors.Is(err, scheduler.ErrEmptyMessage):
		respondError(c, http.StatusUnprocessableEntity, "message is empty")
	case errors.Is(err, scheduler.ErrStoreUnavailable):
		respondError(c, http.StatusServiceUnavailable, "store unavailable")
	default:
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}

func userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func (s *Server) upsertUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var in userInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
			return
		}
	}
	u, created, err := s.users.Register(c.Request.Context(), id, in.Name, in.Language)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, u)
}

func (s *Server) deleteUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if err := s.users.Delete(c.Request.Context(), id); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setTimezone(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var in timezoneInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	if err := s.users.SetTimezone(c.Request.Context(), id, in.Timezone); err != nil {
		respondDomainError(c, err)
		return
	}
	u, _ := s.users.Get(id)
	c.JSON(http.StatusOK, u)
}

func (s *Server) ensureDigest(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if u, found := s.users.Get(id); !found || !u.Active {
		respondError(c, http.StatusNotFound, "user not found")
		return
	}
	if err := s.sched.EnsureDailyDigest(c.Request.Context(), id); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createReminder(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var in reminderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	rid, err := s.sched.ScheduleOneOff(c.Request.Context(), id, in.Message, in.TriggerAt)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rid, "trigger_at": in.TriggerAt.UTC()})
}

func (s *Server) listReminders(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	rows, err := s.sched.Pending(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	out := make([]reminderView, 0, len(rows))
	for _, r := range rows {
		v := reminderView{ID: r.ID, Kind: string(r.Kind), TriggerAt: r.TriggerAt, Zone: r.Zone}
		if r.Kind == storage.KindOneOff {
			v.Message, v.Stage = r.Message, string(r.Stage)
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"reminders": out})
}

func (s *Server) cancelReminder(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if err := s.sched.CancelReminder(c.Request.Context(), id, c.Param("rid")); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
