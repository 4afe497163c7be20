package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signed(t *testing.T, method jwt.SigningMethod, key any, c Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, c).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func claimsFor(sub, username string, ttl time.Duration) Claims {
	return Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetUserID(r.Context()) + "/" + GetUsername(r.Context())))
	})
}

func TestJWTAuth(t *testing.T) {
	h := JWTAuth(testSecret)(echoIdentity())
	valid := signed(t, jwt.SigningMethodHS256, testSecret, claimsFor("u1", "alice", time.Hour))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) }, 200, "u1/alice"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=" + valid }, 200, "u1/alice"},
		{"missing", func(*http.Request) {}, 401, ""},
		{"expired", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signed(t, jwt.SigningMethodHS256, testSecret, claimsFor("u1", "alice", -time.Minute)))
		}, 401, ""},
		{"wrong key", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signed(t, jwt.SigningMethodHS256, []byte("other"), claimsFor("u1", "alice", time.Hour)))
		}, 401, ""},
		{"no username", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signed(t, jwt.SigningMethodHS256, testSecret, claimsFor("u1", "", time.Hour)))
		}, 401, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
			tt.setup(r)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.status {
				t.Fatalf("status %d, want %d", w.Code, tt.status)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Fatalf("body %q", w.Body.String())
			}
		})
	}
}

func TestAuthServiceValidate(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/validate" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"user_id":"u7","username":"bob"}`))
	}))
	defer auth.Close()

	h := AuthServiceValidate(auth.URL+"/", auth.Client())(echoIdentity())
	r := httptest.NewRequest(http.MethodGet, "/api/chats?session_id=s&timestamp=1&signature=x", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != 200 || w.Body.String() != "u7/bob" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chats", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing headers: %d", w.Code)
	}
}

func TestSyncUserOncePerIdentity(t *testing.T) {
	calls := 0
	fail := true
	h := SyncUser(func(_ context.Context, userID, username string) error {
		calls++
		if fail {
			fail = false
			return errors.New("store down")
		}
		return nil
	})(echoIdentity())

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(WithIdentity(r.Context(), "u1", "alice"))
		h.ServeHTTP(httptest.NewRecorder(), r)
	}
	if calls != 2 {
		t.Fatalf("sync calls = %d, want 2 (failed attempt is retried, success is cached)", calls)
	}
}

func TestRateLimitAPI(t *testing.T) {
	h := RateLimitAPI(2, 0)(echoIdentity())
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes %v", codes)
	}
}

func TestInternalOnly(t *testing.T) {
	h := InternalOnly("s3cret")(echoIdentity())
	cases := []struct {
		remote string
		secret string
		want   int
	}{
		{"127.0.0.1:1", "", 200},
		{"203.0.113.5:1", "", 403},
		{"203.0.113.5:1", "s3cret", 200},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodPost, "/internal/users", nil)
		r.RemoteAddr = c.remote
		if c.secret != "" {
			r.Header.Set("X-Internal-Secret", c.secret)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != c.want {
			t.Errorf("%s secret=%q: %d", c.remote, c.secret, w.Code)
		}
	}
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", w.Code)
	}
}

func TestRecoverJSONAfterWrite(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusAccepted || w.Body.Len() != 0 {
		t.Fatalf("started response must be left alone: %d %q", w.Code, w.Body.String())
	}
}

func TestRecoverJSONRethrowsAbort(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	t.Fatal("abort must propagate")
}
