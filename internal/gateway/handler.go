package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/risk"
)

// coordinateRequest is the accepted coordination payload. Extra fields are
// carried through untouched; only message_id matters to the gate.
type coordinateRequest struct {
	MessageID string          `json:"message_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// coordinateResponse acknowledges an accepted coordination request.
type coordinateResponse struct {
	Accepted    bool   `json:"accepted"`
	MessageID   string `json:"message_id,omitempty"`
	RequestID   string `json:"request_id"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	RiskLevel   string `json:"risk_level,omitempty"`
}

func newCoordinateMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/coordinate", handleCoordinate)
	return mux
}

// handleCoordinate is the demo business handler behind the gate. By the
// time it runs, the request is authenticated, classified and within its
// rate budget.
func handleCoordinate(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())

	if r.Method != http.MethodPost {
		auth.WriteError(w, requestID, auth.CodeProtocolError,
			"coordinate accepts POST only", nil)
		return
	}

	ac, ok := auth.FromContext(r.Context())
	if !ok {
		// The auth middleware guarantees a context; reaching here means
		// the handler was mounted outside the chain.
		auth.WriteError(w, requestID, auth.CodeInternalError,
			"missing authentication context", nil)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		auth.WriteError(w, requestID, auth.CodeProtocolError,
			"unreadable request body", nil)
		return
	}

	var req coordinateRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			auth.WriteError(w, requestID, auth.CodeProtocolError,
				"request body is not valid JSON", nil)
			return
		}
	}

	subjectType, subjectID := ac.Subject()
	resp := coordinateResponse{
		Accepted:    true,
		MessageID:   req.MessageID,
		RequestID:   requestID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
	}
	if assessment, ok := risk.AssessmentFromContext(r.Context()); ok {
		resp.RiskLevel = string(assessment.Level)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
