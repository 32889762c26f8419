package dispatch

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/voice"
)

// StatusPath is where Twilio posts call status callbacks.
const StatusPath = "/twilio/status"

// WebhookValidator checks Twilio's request signature.
type WebhookValidator interface {
	ValidWebhook(fullURL string, form url.Values, signature string) bool
}

// StatusHandler returns the handler for Twilio call status callbacks. It ends
// the call's voice session and reports the outcome to the engine. Repeated
// callbacks for the same call are harmless.
func (d *Dispatcher) StatusHandler(validator WebhookValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			d.log.Warn().Err(err).Msg("status webhook: parse error")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if validator != nil && !validator.ValidWebhook(d.baseURL+r.URL.RequestURI(), r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			d.log.Warn().Str("remote", r.RemoteAddr).Msg("status webhook: invalid signature")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		callSID := r.PostForm.Get("CallSid")
		status := r.PostForm.Get("CallStatus")
		logger := d.log.With().Str("call_sid", callSID).Str("call_status", status).Logger()

		sess, hadSession := d.sessions.End(callSID)

		query := r.URL.Query()
		kind := voice.CallKind(query.Get("kind"))
		id, idErr := strconv.ParseUint(query.Get("id"), 10, 64)
		unix, firedErr := strconv.ParseInt(query.Get("fired"), 10, 64)
		if idErr != nil || firedErr != nil {
			if !hadSession {
				logger.Warn().Msg("status webhook: callback without call reference")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			kind, id, unix = sess.Kind, uint64(sess.RecordID), sess.FiredAt.Unix()
		}
		fired := time.Unix(unix, 0).UTC()
		answered := status == "completed"

		var err error
		switch kind {
		case voice.CallReminder:
			if answered {
				_, err = d.reminders.CompleteOccurrence(r.Context(), uint(id), fired)
			}
		case voice.CallSchedule:
			_, err = d.schedules.RecordCallOutcome(r.Context(), uint(id), fired, answered)
		default:
			logger.Warn().Str("kind", string(kind)).Msg("status webhook: unknown call kind")
		}

		switch {
		case err == nil:
			logger.Info().Str("kind", string(kind)).Uint64("record_id", id).Bool("answered", answered).Msg("call finished")
		case errors.Is(err, apperr.ErrNotFound):
			logger.Warn().Err(err).Msg("status webhook: record gone")
		default:
			logger.Error().Err(err).Msg("status webhook: record outcome")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
