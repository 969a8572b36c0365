package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"payment-core/internal/errors"
	"payment-core/internal/idempotency"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

// Idempotency replays the first response to a POST carrying an
// Idempotency-Key. Keys are scoped to the request path. Responses that invite
// a retry (5xx, or anything with Retry-After) are not stored.
func Idempotency(store idempotency.Store, ttl time.Duration, logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeError(w, errors.NewAppError(errors.InvalidInput, "idempotency key too long"))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error()))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := digest(r.URL.Path, key)
			fingerprint := digest(r.Method, r.URL.Path, string(body))

			rec, err := store.Begin(r.Context(), scoped, ttl)
			if err != nil {
				if !errors.HasCode(err, errors.DuplicateRequest) {
					logger.Error("Idempotency store unavailable", zap.Error(err))
				}
				writeError(w, err)
				return
			}
			if rec != nil {
				if rec.Fingerprint != fingerprint {
					writeError(w, errors.NewAppError(errors.InvalidInput, "idempotency key was already used for a different request"))
					return
				}
				if rec.ContentType != "" {
					w.Header().Set("Content-Type", rec.ContentType)
				}
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(rec.StatusCode)
				w.Write(rec.Body)
				return
			}

			cw := &capturingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.statusCode >= http.StatusInternalServerError || w.Header().Get("Retry-After") != "" {
				if err := store.Abort(r.Context(), scoped); err != nil {
					logger.Warn("Failed to release idempotency key", zap.Error(err))
				}
				return
			}
			err = store.Complete(r.Context(), scoped, idempotency.Record{
				Fingerprint: fingerprint,
				StatusCode:  cw.statusCode,
				ContentType: w.Header().Get("Content-Type"),
				Body:        cw.body.Bytes(),
			}, ttl)
			if err != nil {
				logger.Warn("Failed to store idempotent response", zap.Error(err))
			}
		})
	}
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// capturingWriter keeps a copy of the response for the idempotency record.
type capturingWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (cw *capturingWriter) WriteHeader(code int) {
	cw.statusCode = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *capturingWriter) Write(b []byte) (int, error) {
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}
