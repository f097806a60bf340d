package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// Middleware stores the first response to each keyed POST and replays it for
// repeats with the same body. A repeat with a different body, or one that
// arrives while the first is still running, gets 409. Server errors are not
// stored so the client may retry them.
func Middleware(store Store, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(HeaderKey)
			if r.Method != http.MethodPost || header == "" {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeConflict(w, http.StatusBadRequest, "invalid_body", "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])
			// Keys are scoped to the caller's credential.
			caller := sha256.Sum256([]byte(r.Header.Get("Authorization")))
			key := r.Method + " " + r.URL.Path + " " + hex.EncodeToString(caller[:8]) + " " + header

			existing, reserved, err := store.Reserve(r.Context(), key, fingerprint, ttl)
			if err != nil {
				logger.ErrorContext(r.Context(), "idempotency store unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				switch {
				case existing.Fingerprint != fingerprint:
					writeConflict(w, http.StatusConflict, "idempotency_conflict", "idempotency key reused with a different request body")
				case !existing.Done:
					writeConflict(w, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is still running")
				default:
					if existing.ContentType != "" {
						w.Header().Set("Content-Type", existing.ContentType)
					}
					w.Header().Set(HeaderReplayed, "true")
					w.WriteHeader(existing.Status)
					_, _ = w.Write(existing.Body)
				}
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if rec.status >= http.StatusInternalServerError {
					_ = store.Release(r.Context(), key)
					return
				}
				if err := store.Complete(r.Context(), key, Record{
					Fingerprint: fingerprint,
					Status:      rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.body.Bytes(),
				}, ttl); err != nil {
					logger.WarnContext(r.Context(), "idempotency record not stored", slog.String("error", err.Error()))
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func writeConflict(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
