package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/leasebroker/internal/idempotency"
	"github.com/VenkatGGG/leasebroker/pkg/httpx"
)

const idempotencyHeader = "Idempotency-Key"

// handleIdempotentRequest replays the stored response for a repeated
// Idempotency-Key, or runs execute and stores its response. It returns false
// when the request carries no key and the caller should execute directly.
func (s *Server) handleIdempotentRequest(w http.ResponseWriter, r *http.Request, scope string, body []byte, execute func(http.ResponseWriter)) bool {
	if s.idempotency == nil {
		return false
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return false
	}

	fingerprint := idempotency.Fingerprint(body)
	cached, ok, err := s.idempotency.Lookup(r.Context(), scope, key, fingerprint)
	if err != nil {
		writeIdempotencyError(w, err)
		return true
	}
	if ok {
		replayIdempotencyEntry(w, cached)
		return true
	}

	owner := "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	claimed, err := s.idempotency.Claim(r.Context(), scope, key, owner, fingerprint)
	if err != nil {
		writeIdempotencyError(w, err)
		return true
	}
	if !claimed {
		cached, ok, err := s.waitForIdempotentEntry(r.Context(), scope, key, fingerprint, 4*time.Second)
		switch {
		case errors.Is(err, idempotency.ErrKeyReused):
			writeIdempotencyError(w, err)
		case err == nil && ok:
			replayIdempotencyEntry(w, cached)
		default:
			httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
		}
		return true
	}
	defer func() {
		_ = s.idempotency.Release(context.Background(), scope, key, owner)
	}()

	rec := httptest.NewRecorder()
	execute(rec)

	result := rec.Result()
	defer result.Body.Close()
	response, _ := io.ReadAll(result.Body)

	entry := idempotency.Entry{
		StatusCode:  result.StatusCode,
		ContentType: result.Header.Get("Content-Type"),
		Body:        bytes.Clone(response),
		Fingerprint: fingerprint,
	}
	if result.StatusCode < 500 {
		if err := s.idempotency.Save(context.Background(), scope, key, entry); err != nil {
			s.logger.Warn("idempotent response not stored", "scope", scope, "error", err)
		}
	}
	copyResponse(w, result.Header, result.StatusCode, response)
	return true
}

func (s *Server) waitForIdempotentEntry(ctx context.Context, scope, key, fingerprint string, timeout time.Duration) (idempotency.Entry, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		entry, ok, err := s.idempotency.Lookup(waitCtx, scope, key, fingerprint)
		if err != nil {
			return idempotency.Entry{}, false, err
		}
		if ok {
			return entry, true, nil
		}

		select {
		case <-waitCtx.Done():
			return idempotency.Entry{}, false, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

func writeIdempotencyError(w http.ResponseWriter, err error) {
	if errors.Is(err, idempotency.ErrKeyReused) {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was already used with a different request body")
		return
	}
	httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
}

func replayIdempotencyEntry(w http.ResponseWriter, entry idempotency.Entry) {
	w.Header().Set("Idempotent-Replayed", "true")
	writeIdempotencyEntry(w, entry)
}

func writeIdempotencyEntry(w http.ResponseWriter, entry idempotency.Entry) {
	contentType := strings.TrimSpace(entry.ContentType)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	status := entry.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

func copyResponse(w http.ResponseWriter, header http.Header, status int, body []byte) {
	for key, values := range header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
