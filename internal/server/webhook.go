package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/webhook"
)

// maxWebhookBody caps inbound payloads at GitHub's own delivery limit.
const maxWebhookBody = 25 << 20

// handleGitHubWebhook reads the exact raw body (the signature covers the
// bytes on the wire, not a re-serialization) and hands the delivery to the
// ingestor. Verification, dedup, and dispatch all happen there; this handler
// only translates HTTP to a Delivery and the outcome back to JSON.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.DaemonError("webhook ingestor not available"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.adapter.WriteErrorResponse(w, r, rerrors.ValidationError("webhook payload exceeds size limit").
				WithContext("limit_bytes", tooLarge.Limit))
			return
		}
		s.adapter.WriteErrorResponse(w, r, rerrors.WrapError(err, rerrors.CategoryValidation, "failed to read webhook payload"))
		return
	}

	delivery := webhook.Delivery{
		EventType:  r.Header.Get("X-GitHub-Event"),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		Signature:  r.Header.Get("X-Hub-Signature-256"),
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}

	result, err := s.deps.Ingestor.Process(r.Context(), delivery)
	if err != nil {
		s.adapter.WriteErrorResponse(w, r, err)
		return
	}

	if err := writeJSONPretty(w, r, http.StatusOK, result); err != nil {
		s.adapter.WriteErrorResponse(w, r, rerrors.WrapError(err, rerrors.CategoryInternal, "failed to write webhook response"))
	}
}
