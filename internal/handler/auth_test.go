package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/branchtalk/internal/auth"
	"github.com/branchtalk/internal/middleware"
)

var testSecret = []byte("test-secret")

func authPost(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestRegister(t *testing.T) {
	users := newFakeUserStore()
	h := NewAuthHandler(users, testSecret, time.Hour)

	rec := authPost(h.Register, `{"email":"Alice@Example.com","username":"alice","password":"letmein123"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.User.Username != "alice" {
		t.Errorf("username = %q", resp.User.Username)
	}
	// Emails are normalized to lower case.
	if _, err := users.GetByEmail(context.Background(), "alice@example.com"); err != nil {
		t.Errorf("lookup normalized email: %v", err)
	}
	userID, err := auth.ParseToken(testSecret, resp.Token)
	if err != nil || userID != resp.User.ID {
		t.Errorf("token subject = %q err = %v, want %q", userID, err, resp.User.ID)
	}
}

func TestRegisterValidation(t *testing.T) {
	users := newFakeUserStore()
	h := NewAuthHandler(users, testSecret, time.Hour)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing email", `{"username":"alice","password":"letmein123"}`, http.StatusBadRequest},
		{"invalid email", `{"email":"nope","username":"alice","password":"letmein123"}`, http.StatusBadRequest},
		{"short username", `{"email":"a@b.co","username":"al","password":"letmein123"}`, http.StatusBadRequest},
		{"short password", `{"email":"a@b.co","username":"alice","password":"short"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := authPost(h.Register, tc.body); rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	users := newFakeUserStore()
	h := NewAuthHandler(users, testSecret, time.Hour)

	body := `{"email":"a@b.co","username":"alice","password":"letmein123"}`
	if rec := authPost(h.Register, body); rec.Code != http.StatusCreated {
		t.Fatalf("first register status = %d", rec.Code)
	}
	if rec := authPost(h.Register, body); rec.Code != http.StatusConflict {
		t.Errorf("second register status = %d, want 409", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	users := newFakeUserStore()
	h := NewAuthHandler(users, testSecret, time.Hour)
	authPost(h.Register, `{"email":"a@b.co","username":"alice","password":"letmein123"}`)

	rec := authPost(h.Login, `{"email":"a@b.co","password":"letmein123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.User.Username != "alice" {
		t.Errorf("response = %+v", resp)
	}
}

func TestLoginRejects(t *testing.T) {
	users := newFakeUserStore()
	h := NewAuthHandler(users, testSecret, time.Hour)
	authPost(h.Register, `{"email":"a@b.co","username":"alice","password":"letmein123"}`)

	cases := []struct {
		name string
		body string
	}{
		{"unknown email", `{"email":"x@y.z","password":"letmein123"}`},
		{"wrong password", `{"email":"a@b.co","password":"wrongwrong"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := authPost(h.Login, tc.body); rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	users := newFakeUserStore()
	h := NewAuthHandler(users, testSecret, time.Hour)
	authPost(h.Register, `{"email":"a@b.co","username":"alice","password":"letmein123"}`)

	u, _ := users.GetByEmail(context.Background(), "a@b.co")
	users.users[u.ID].IsActive = false

	if rec := authPost(h.Login, `{"email":"a@b.co","password":"letmein123"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestUpdateMe(t *testing.T) {
	users := newFakeUserStore()
	users.addUser("u1", "alice")
	users.addUser("u2", "bob")
	h := NewUserHandler(users)

	do := func(userID, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
		req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
		rec := httptest.NewRecorder()
		h.UpdateMe(rec, req)
		return rec
	}

	if rec := do("u1", `{"username":"al"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("short username status = %d, want 400", rec.Code)
	}
	if rec := do("u1", `{"username":"bob"}`); rec.Code != http.StatusConflict {
		t.Errorf("taken username status = %d, want 409", rec.Code)
	}
	rec := do("u1", `{"username":"alicia"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	u, _ := users.GetByID(context.Background(), "u1")
	if u.Username != "alicia" {
		t.Errorf("username = %q, want alicia", u.Username)
	}
}
