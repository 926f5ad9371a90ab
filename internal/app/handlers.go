package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/availability"
	"clinic-scheduler/internal/booking"
	"clinic-scheduler/internal/conflict"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/settings"
)

// GET /providers/:id/availability?date=YYYY-MM-DD
func (a *App) AvailabilityHandler(c *gin.Context) {
	slots, err := a.Calc.Compute(c.Request.Context(), c.Param("id"), c.Query("date"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, slots)
}

// GET /providers/:id/schedule
func (a *App) GetScheduleHandler(c *gin.Context) {
	tpl, err := a.Calc.Template(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

type scheduleReq struct {
	Timezone string              `json:"timezone"`
	Days     []model.DaySchedule `json:"days"`
}

// PUT /providers/:id/schedule
// Replaces the weekly template wholesale. Provider or admin only.
func (a *App) PutScheduleHandler(c *gin.Context) {
	providerID := c.Param("id")
	who := IdentityFrom(c)
	if !who.IsAdmin() && !(who.Role == model.RoleDoctor && who.UserID == providerID) {
		a.respondError(c, apperr.Forbidden("only the provider or an admin may change this schedule"))
		return
	}

	var req scheduleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		a.respondError(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	tpl := &model.WeeklyTemplate{ProviderID: providerID, Timezone: req.Timezone, Days: req.Days}
	if err := availability.ValidateTemplate(tpl); err != nil {
		a.respondError(c, err)
		return
	}
	if err := a.Store.ReplaceTemplate(c.Request.Context(), tpl); err != nil {
		a.respondError(c, err)
		return
	}
	a.Log.Info("schedule replaced", zap.String("provider_id", providerID), zap.String("actor_id", who.UserID))
	a.publish(c.Request.Context(), model.ChangeEvent{
		Type:       model.EventNotifications,
		Payload:    gin.H{"action": "schedule_updated", "provider_id": providerID},
		Scope:      model.Scope{UserIDs: []string{providerID}},
		OccurredAt: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, tpl)
}

type reserveReq struct {
	PatientID    string         `json:"patientId"`
	Start        string         `json:"start"`
	DurationMins int            `json:"durationMins"`
	Metadata     map[string]any `json:"metadata"`
}

// POST /providers/:id/appointments
func (a *App) ReserveHandler(c *gin.Context) {
	var req reserveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		a.respondError(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		a.respondError(c, apperr.Validationf("invalid start, expected RFC3339"))
		return
	}

	appt, err := a.Arbiter.Reserve(c.Request.Context(), IdentityFrom(c), booking.ReserveRequest{
		ProviderID:   c.Param("id"),
		PatientID:    req.PatientID,
		Start:        start,
		DurationMins: req.DurationMins,
		Metadata:     req.Metadata,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, appt)
}

// GET /users/:id/appointments?from=&to=
func (a *App) ListAppointmentsHandler(c *gin.Context) {
	from, err := optionalTime(c, "from")
	if err != nil {
		a.respondError(c, err)
		return
	}
	to, err := optionalTime(c, "to")
	if err != nil {
		a.respondError(c, err)
		return
	}
	appts, err := a.Arbiter.List(c.Request.Context(), IdentityFrom(c), c.Param("id"), from, to)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, appts)
}

func optionalTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Validationf("invalid %s, expected RFC3339", key)
	}
	return &t, nil
}

// GET /appointments/:id
func (a *App) GetAppointmentHandler(c *gin.Context) {
	appt, err := a.Arbiter.Get(c.Request.Context(), IdentityFrom(c), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

// DELETE /appointments/:id
func (a *App) CancelAppointmentHandler(c *gin.Context) {
	appt, err := a.Arbiter.Cancel(c.Request.Context(), IdentityFrom(c), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

type checkReq struct {
	RecordType    string `json:"recordType" binding:"required"`
	RecordID      string `json:"recordId" binding:"required"`
	ClientVersion int64  `json:"clientVersion"`
}

// POST /conflicts/check
func (a *App) CheckConflictHandler(c *gin.Context) {
	var req checkReq
	if err := c.ShouldBindJSON(&req); err != nil {
		a.respondError(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	rep, err := a.Conflicts.Detect(c.Request.Context(), IdentityFrom(c), model.RecordType(req.RecordType), req.RecordID, req.ClientVersion)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if rep == nil {
		c.JSON(http.StatusOK, gin.H{"noConflict": true})
		return
	}
	c.JSON(http.StatusConflict, conflictBody{Code: apperr.CodeVersionConflict, Report: rep})
}

type resolveReq struct {
	Strategy     string         `json:"strategy"`
	ProposedData map[string]any `json:"proposedData"`
}

// POST /conflicts/:conflictId/resolve
func (a *App) ResolveConflictHandler(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		a.respondError(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	res, err := a.Conflicts.Resolve(c.Request.Context(), IdentityFrom(c), c.Param("conflictId"), req.Strategy, req.ProposedData)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type saveReq struct {
	ClientVersion int64          `json:"clientVersion"`
	Data          map[string]any `json:"data"`
	PatientID     string         `json:"patientId"`
	DoctorID      string         `json:"doctorId"`
}

// PUT /records/:type/:id
func (a *App) SaveRecordHandler(c *gin.Context) {
	var req saveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		a.respondError(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	rec, err := a.Conflicts.Save(c.Request.Context(), IdentityFrom(c), conflict.SaveRequest{
		Type:          model.RecordType(c.Param("type")),
		ID:            c.Param("id"),
		ClientVersion: req.ClientVersion,
		Data:          req.Data,
		PatientID:     req.PatientID,
		DoctorID:      req.DoctorID,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	status := http.StatusOK
	if rec.Version == 1 {
		status = http.StatusCreated
	}
	c.JSON(status, rec)
}

// GET /admin/settings
func (a *App) GetSettingsHandler(c *gin.Context) {
	s, err := a.Settings.Load(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// PUT /admin/settings
func (a *App) PutSettingsHandler(c *gin.Context) {
	who := IdentityFrom(c)
	if !who.IsAdmin() {
		a.respondError(c, apperr.Forbidden("admin only"))
		return
	}
	var s settings.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		a.respondError(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	if err := s.Validate(); err != nil {
		a.respondError(c, apperr.Validationf("%v", err))
		return
	}
	if err := a.Settings.Save(c.Request.Context(), s); err != nil {
		a.respondError(c, err)
		return
	}
	a.Log.Info("settings updated", zap.String("actor_id", who.UserID))
	c.JSON(http.StatusOK, s)
}

// GET /calendar/auth
// Starts linking the calling provider's Google Calendar.
func (a *App) CalendarAuthHandler(c *gin.Context) {
	who := IdentityFrom(c)
	if who.Role != model.RoleDoctor {
		a.respondError(c, apperr.Forbidden("only providers can link a calendar"))
		return
	}
	url, state, err := a.Calendar.AuthURL(who.UserID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": url, "state": state})
}

// GET /oauth2callback
func (a *App) CalendarCallbackHandler(c *gin.Context) {
	providerID, err := a.Calendar.Complete(c.Request.Context(), c.Query("state"), c.Query("code"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	a.Log.Info("calendar linked", zap.String("provider_id", providerID))
	c.JSON(http.StatusOK, gin.H{"message": "Authorization successful", "provider_id": providerID})
}

func (a *App) publish(ctx context.Context, ev model.ChangeEvent) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		a.Log.Warn("publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}
