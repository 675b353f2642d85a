package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"remindbot/internal/directory"
	"remindbot/internal/eventbus"
	"remindbot/internal/lifecycle"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/testutil/clock"
	logx "remindbot/pkg/logx"
)

const testSecret = "test-secret"

type nopChannel struct{}

func (nopChannel) Deliver(context.Context, int64, string) error { return nil }

type fixture struct {
	srv   *Server
	sched *scheduler.Service
	dir   *directory.Directory
	store storage.Store
	token string
}

func newFixture(t *testing.T, recovered bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.New(clock.Reference)
	store := storage.NewMemory()
	bus := eventbus.New()
	dir, err := directory.Open("", logx.Nop(), directory.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	sched := scheduler.New(scheduler.DefaultConfig(), scheduler.Deps{Store: store, Channel: nopChannel{}, Dir: dir, Bus: bus, Now: clk.Now})
	if recovered {
		if _, err := sched.Recover(context.Background()); err != nil {
			t.Fatalf("recover: %v", err)
		}
	}
	dir.SetHooks(lifecycle.New(store, sched, bus, logx.Nop(), clk.Now))

	tok, err := IssueToken(testSecret, "expense-extractor", "remindbot", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return &fixture{
		srv:   New(Config{JWTSecret: testSecret, Issuer: "remindbot"}, sched, dir, logx.Nop()),
		sched: sched,
		dir:   dir,
		store: store,
		token: tok,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"valid", f.token, http.StatusOK},
	}
	for _, tc := range cases {
		f.token = tc.token
		if w := f.do(t, http.MethodGet, "/v1/users/1/reminders", nil); w.Code != tc.want {
			t.Fatalf("%s: status=%d want %d", tc.name, w.Code, tc.want)
		}
	}

	wrongIssuer, _ := IssueToken(testSecret, "x", "someone-else", time.Hour)
	f.token = wrongIssuer
	if w := f.do(t, http.MethodGet, "/v1/users/1/reminders", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong issuer accepted: %d", w.Code)
	}
	otherKey, _ := IssueToken("other-secret", "x", "remindbot", time.Hour)
	f.token = otherKey
	if w := f.do(t, http.MethodGet, "/v1/users/1/reminders", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("foreign signature accepted: %d", w.Code)
	}
}

func TestReadiness(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	if w := f.do(t, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz=%d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/readyz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before recovery=%d", w.Code)
	}
	if _, err := f.sched.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if w := f.do(t, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Fatalf("readyz after recovery=%d", w.Code)
	}
}

func TestUserReminderFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	if w := f.do(t, http.MethodPut, "/v1/users/77", userInput{Name: "Aziz", Language: "uz"}); w.Code != http.StatusCreated {
		t.Fatalf("create user=%d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPut, "/v1/users/77/digest", nil); w.Code != http.StatusNoContent {
		t.Fatalf("digest=%d %s", w.Code, w.Body)
	}

	at := clock.Reference.Add(2 * time.Hour)
	w := f.do(t, http.MethodPost, "/v1/users/77/reminders", reminderInput{Message: "pay rent", TriggerAt: at})
	if w.Code != http.StatusCreated {
		t.Fatalf("create reminder=%d %s", w.Code, w.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatalf("no id in %s", w.Body)
	}

	w = f.do(t, http.MethodGet, "/v1/users/77/reminders", nil)
	var list struct {
		Reminders []reminderView `json:"reminders"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Reminders) != 2 {
		t.Fatalf("list=%s err=%v", w.Body, err)
	}

	if w := f.do(t, http.MethodPost, "/v1/users/77/reminders", reminderInput{Message: "late", TriggerAt: clock.Reference.Add(-time.Minute)}); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("past reminder=%d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/users/12/reminders", reminderInput{Message: "x", TriggerAt: at}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown user=%d", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/v1/users/77/reminders/"+created.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("cancel=%d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodDelete, "/v1/users/77/reminders/"+created.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second cancel=%d", w.Code)
	}
}

func TestTimezoneAndDeletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.do(t, http.MethodPut, "/v1/users/9", userInput{Language: "en"})
	f.do(t, http.MethodPut, "/v1/users/9/digest", nil)

	if w := f.do(t, http.MethodPut, "/v1/users/9/timezone", timezoneInput{Timezone: "Nowhere/Land"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad zone=%d", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/v1/users/9/timezone", timezoneInput{Timezone: "Europe/Moscow"}); w.Code != http.StatusOK {
		t.Fatalf("set zone=%d %s", w.Code, w.Body)
	}
	job, ok := f.sched.Registry().Lookup(scheduler.DigestKey(9))
	// 20:00 Moscow (UTC+3) on the reference day.
	if !ok || !job.FireAt.Equal(time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("digest job=%+v ok=%v", job, ok)
	}

	if w := f.do(t, http.MethodDelete, "/v1/users/9", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete=%d", w.Code)
	}
	if f.sched.Registry().Len() != 0 {
		t.Fatalf("jobs left after deletion")
	}
	if rows, _ := f.store.ByUser(context.Background(), 9); len(rows) != 0 {
		t.Fatalf("rows left after deletion: %d", len(rows))
	}
	if w := f.do(t, http.MethodDelete, "/v1/users/404", nil); w.Code != http.StatusNotFound {
		t.Fatalf("delete unknown=%d", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/v1/users/abc/digest", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id=%d", w.Code)
	}
}
