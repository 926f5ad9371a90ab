package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"clinic-scheduler/internal/availability"
	"clinic-scheduler/internal/booking"
	"clinic-scheduler/internal/calendar"
	"clinic-scheduler/internal/conflict"
	"clinic-scheduler/internal/metrics"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/notify"
	"clinic-scheduler/internal/settings"
	"clinic-scheduler/internal/store/memory"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const tokens = "pat:pat-1:patient,pat2:pat-2:patient,doc:doc-1:doctor,adm:root:admin"

// 2026-03-02 is a Monday.
var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, cfg RouterConfig) (*gin.Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	bs, be := "12:00", "13:00"
	tpl := &model.WeeklyTemplate{ProviderID: "doc-1", Timezone: "UTC", Days: []model.DaySchedule{{
		Day: "MONDAY", StartTime: "09:00", EndTime: "17:00", IsActive: true, BreakStart: &bs, BreakEnd: &be,
	}}}
	if err := st.ReplaceTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("seed template: %v", err)
	}

	log := zap.NewNop()
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	hub := notify.NewHub(log, notify.WithHeartbeat(time.Hour), notify.WithMetrics(m))
	clock := func() time.Time { return now }
	cfgStore := settings.NewMemoryStore(settings.Defaults())

	a := &App{
		Store:     st,
		Calc:      availability.NewCalculator(st, st, log, availability.WithClock(clock)),
		Arbiter:   booking.NewArbiter(st, cfgStore, log, booking.WithClock(clock), booking.WithPublisher(hub), booking.WithMetrics(m)),
		Conflicts: conflict.NewEngine(st, st, conflict.NewMemoryCache(), log, conflict.WithPublisher(hub), conflict.WithMetrics(m)),
		Hub:       hub,
		Publisher: hub,
		Settings:  cfgStore,
		Calendar:  calendar.NewLinker(nil, st),
		Metrics:   m,
		Log:       log,
	}
	if cfg.StaticTokens == "" {
		cfg.StaticTokens = tokens
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS, cfg.RateLimitBurst = 1000, 1000
	}
	return a.Router(cfg), st
}

func do(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestAuth(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{JWTSecret: "s3cret"})
	path := "/api/providers/doc-1/availability?date=2026-03-02"

	if w := do(t, r, http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, path, "nope", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", w.Code)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "pat-1", "role": "patient", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, r, http.MethodGet, path, signed, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid jwt, got %d: %s", w.Code, w.Body)
	}

	noRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "pat-1"}).SignedString([]byte("s3cret"))
	if w := do(t, r, http.MethodGet, path, noRole, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a jwt without role, got %d", w.Code)
	}
}

func TestAvailability(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{})
	w := do(t, r, http.MethodGet, "/api/providers/doc-1/availability?date=2026-03-02", "pat", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var slots []struct {
		Time      string `json:"time"`
		Available bool   `json:"available"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &slots); err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, s := range slots {
		got[s.Time] = s.Available
	}
	if !got["09:00"] || got["12:00"] || got["12:30"] || !got["13:00"] {
		t.Fatalf("unexpected availability %v", got)
	}

	if w := do(t, r, http.MethodGet, "/api/providers/doc-1/availability?date=tomorrow", "pat", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/providers/doc-9/availability?date=2026-03-02", "pat", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", w.Code)
	}
}

func TestReserveAndCancel(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{})
	body := map[string]any{"patientId": "pat-1", "start": "2026-03-02T14:00:00Z", "durationMins": 30}

	w := do(t, r, http.MethodPost, "/api/providers/doc-1/appointments", "pat", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	id, _ := decode(t, w)["id"].(string)

	w = do(t, r, http.MethodPost, "/api/providers/doc-1/appointments", "pat", body)
	if w.Code != http.StatusConflict || decode(t, w)["code"] != "SLOT_TAKEN" {
		t.Fatalf("expected 409 SLOT_TAKEN, got %d: %s", w.Code, w.Body)
	}

	w = do(t, r, http.MethodPost, "/api/providers/doc-1/appointments", "pat2", body)
	if w.Code != http.StatusForbidden || decode(t, w)["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d: %s", w.Code, w.Body)
	}
	w = do(t, r, http.MethodPost, "/api/providers/doc-9/appointments", "adm", body)
	if w.Code != http.StatusNotFound || decode(t, w)["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d: %s", w.Code, w.Body)
	}

	w = do(t, r, http.MethodGet, "/api/users/pat-1/appointments", "pat", nil)
	var list []map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("expected one appointment, got %d: %s", w.Code, w.Body)
	}

	w = do(t, r, http.MethodDelete, "/api/appointments/"+id, "doc", nil)
	if w.Code != http.StatusOK || decode(t, w)["status"] != "CANCELLED" {
		t.Fatalf("expected cancellation, got %d: %s", w.Code, w.Body)
	}
	w = do(t, r, http.MethodPost, "/api/providers/doc-1/appointments", "pat", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("slot should be bookable again, got %d: %s", w.Code, w.Body)
	}
}

func TestSchedule(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{})
	body := map[string]any{"timezone": "UTC", "days": []map[string]any{
		{"day": "TUESDAY", "start_time": "10:00", "end_time": "12:00", "is_active": true},
	}}
	if w := do(t, r, http.MethodPut, "/api/providers/doc-1/schedule", "pat", body); w.Code != http.StatusForbidden {
		t.Fatalf("patients may not edit schedules, got %d", w.Code)
	}
	if w := do(t, r, http.MethodPut, "/api/providers/doc-1/schedule", "doc", body); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	w := do(t, r, http.MethodGet, "/api/providers/doc-1/availability?date=2026-03-03", "pat", nil)
	var slots []map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &slots)
	if len(slots) != 4 {
		t.Fatalf("expected 4 tuesday slots after replacement, got %d", len(slots))
	}

	bad := map[string]any{"days": []map[string]any{{"day": "MONDAY", "start_time": "12:00", "end_time": "09:00"}}}
	if w := do(t, r, http.MethodPut, "/api/providers/doc-1/schedule", "adm", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted hours, got %d", w.Code)
	}
}

func TestConflictFlow(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{})
	create := map[string]any{"clientVersion": 0, "patientId": "pat-1", "data": map[string]any{"systolic": 120, "tags": []any{"am"}}}
	if w := do(t, r, http.MethodPut, "/api/records/vital/v-1", "pat", create); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d: %s", w.Code, w.Body)
	}
	update := map[string]any{"clientVersion": 1, "data": map[string]any{"systolic": 125, "tags": []any{"am", "noon"}}}
	if w := do(t, r, http.MethodPut, "/api/records/vital/v-1", "pat", update); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d: %s", w.Code, w.Body)
	}

	check := map[string]any{"recordType": "vital", "recordId": "v-1", "clientVersion": 2}
	w := do(t, r, http.MethodPost, "/api/conflicts/check", "pat", check)
	if w.Code != http.StatusOK || decode(t, w)["noConflict"] != true {
		t.Fatalf("current version should not conflict, got %d: %s", w.Code, w.Body)
	}

	check["clientVersion"] = 1
	w = do(t, r, http.MethodPost, "/api/conflicts/check", "pat", check)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body)
	}
	rep := decode(t, w)
	if rep["code"] != "VERSION_CONFLICT" || rep["remoteVersion"] != 2.0 || rep["localVersion"] != 1.0 {
		t.Fatalf("unexpected report %v", rep)
	}
	conflictID, _ := rep["conflictId"].(string)

	if w := do(t, r, http.MethodPost, "/api/conflicts/check", "doc", check); w.Code != http.StatusForbidden {
		t.Fatalf("vitals are patient-owned, got %d", w.Code)
	}
	bad := map[string]any{"strategy": "mine", "proposedData": map[string]any{}}
	if w := do(t, r, http.MethodPost, "/api/conflicts/"+conflictID+"/resolve", "pat", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown strategy, got %d", w.Code)
	}

	merge := map[string]any{"strategy": "merge", "proposedData": map[string]any{"tags": []any{"am", "pm"}, "pulse": 70}}
	w = do(t, r, http.MethodPost, "/api/conflicts/"+conflictID+"/resolve", "pat", merge)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	res := decode(t, w)
	result, _ := res["result"].(map[string]any)
	if res["success"] != true || result["version"] != 3.0 {
		t.Fatalf("unexpected resolution %v", res)
	}
}

func TestSettings(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{})
	body := map[string]any{"clinic_name": "Northside", "booking_horizon_days": 30, "min_appointment_mins": 15, "max_appointment_mins": 60}
	if w := do(t, r, http.MethodPut, "/api/admin/settings", "doc", body); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", w.Code)
	}
	if w := do(t, r, http.MethodPut, "/api/admin/settings", "adm", body); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	w := do(t, r, http.MethodGet, "/api/admin/settings", "pat", nil)
	if decode(t, w)["clinic_name"] != "Northside" {
		t.Fatalf("settings not persisted: %s", w.Body)
	}

	reserve := map[string]any{"patientId": "pat-1", "start": "2026-03-02T14:00:00Z", "durationMins": 90}
	if w := do(t, r, http.MethodPost, "/api/providers/doc-1/appointments", "pat", reserve); w.Code != http.StatusBadRequest {
		t.Fatalf("duration above the new maximum should be rejected, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{RateLimitRPS: 0.001, RateLimitBurst: 1})
	path := "/api/providers/doc-1/schedule"
	if w := do(t, r, http.MethodGet, path, "pat", nil); w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, path, "pat", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, path, "doc", nil); w.Code != http.StatusOK {
		t.Fatalf("limits are per caller, got %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{})
	if w := do(t, r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w := do(t, r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "test_http_requests_total") {
		t.Fatalf("expected http metrics, got %d", w.Code)
	}
}

func TestCalendarNotConfigured(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{})
	if w := do(t, r, http.MethodGet, "/api/calendar/auth", "pat", nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for patients, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/calendar/auth", "doc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when calendar linking is disabled, got %d", w.Code)
	}
}

func TestSSEStream(t *testing.T) {
	r, _ := newTestApp(t, RouterConfig{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?access_token=pat", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
		close(events)
	}()

	expect := func(want string) {
		t.Helper()
		select {
		case got := <-events:
			if got != want {
				t.Fatalf("expected %s event, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	expect("connected")

	body := map[string]any{"patientId": "pat-1", "start": "2026-03-02T15:00:00Z", "durationMins": 30}
	if w := do(t, r, http.MethodPost, "/api/providers/doc-1/appointments", "pat", body); w.Code != http.StatusCreated {
		t.Fatalf("reserve: %d %s", w.Code, w.Body)
	}
	expect("appointments")
}
