package hmacauth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func protected(v *Verifier) http.Handler {
	return v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddlewareAcceptsValidSignature(t *testing.T) {
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute}

	body := `{"paymentId":"p1"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/auto-verify", strings.NewReader(body))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, Sign("secret", ts, []byte(body)))

	rec := httptest.NewRecorder()
	protected(v).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestMiddlewareRejectsBadSignature(t *testing.T) {
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("body"))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, Sign("wrong-secret", ts, []byte("body")))

	rec := httptest.NewRecorder()
	protected(v).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestMiddlewareRejectsStaleTimestamp(t *testing.T) {
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute}

	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("body"))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, Sign("secret", ts, []byte("body")))

	rec := httptest.NewRecorder()
	protected(v).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestMiddlewareSkipsWhenNoSecret(t *testing.T) {
	v := &Verifier{MaxSkew: time.Minute}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("body"))
	rec := httptest.NewRecorder()
	protected(v).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}
