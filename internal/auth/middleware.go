package auth

import (
	"bytes"
	"io"
	"net/http"

	"github.com/relaymesh/agentgate/internal/observability"
)

// HeaderReplay marks responses served from the idempotency cache.
const HeaderReplay = "X-Idempotency-Replay"

// Middleware authenticates every request through the orchestrator. Rejected
// requests get the error envelope; replays get the cached response; accepted
// requests proceed with the auth context injected and, for mutating verbs,
// have their response recorded into the idempotency cache.
func (o *Orchestrator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := observability.RequestIDFromContext(r.Context())

			body, err := readBody(r, o.maxBodyBytes)
			if err != nil {
				WriteError(w, requestID, CodeProtocolError, "unreadable request body", nil)
				return
			}

			hdr := Headers{
				KeyID:       r.Header.Get(HeaderKeyID),
				Timestamp:   r.Header.Get(HeaderTimestamp),
				Signature:   r.Header.Get(HeaderSignature),
				ClientToken: r.Header.Get(HeaderIdempotency),
			}

			result, rej := o.Authenticate(r.Context(), r.Method, r.URL.Path, hdr, body, requestID)
			if rej != nil {
				WriteRejection(w, requestID, rej)
				return
			}

			if result.Replay != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(result.Replay.Status)
				w.Write(result.Replay.Response)
				return
			}

			ctx := ContextWithAuth(r.Context(), result.Auth)
			r = r.WithContext(ctx)
			r.Body = io.NopCloser(bytes.NewReader(body))

			if o.cache == nil || !isMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if cacheable(rec.status) {
				err := o.cache.Store(ctx, result.Auth.KeyID, result.BodyHash,
					result.ClientToken, rec.status, rec.body.Bytes())
				if err != nil {
					o.logger.Warn("storing idempotency record failed",
						observability.String("key_id", result.Auth.KeyID),
						observability.Error(err))
				}
			}
		})
	}
}

func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	// One extra byte lets the orchestrator distinguish "too large" from
	// "exactly at the limit" and answer with the protocol error.
	return io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
}

// cacheable reports whether a completed status should be replayed: 2xx and
// 4xx terminal outcomes only. Rate-limited and step-up rejections are
// retryable with the same body and must not pin the replay window.
func cacheable(status int) bool {
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return false
	}
	return (status >= 200 && status < 300) || (status >= 400 && status < 500)
}

// responseRecorder captures the status and body while streaming them
// through to the client.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
