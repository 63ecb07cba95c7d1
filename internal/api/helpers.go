package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/taskmail/taskmail/internal/mail"
)

// genericMailError replaces transport details when error redaction is enabled.
const genericMailError = "Mail server request failed"

// WriteJSONResponse encodes v and writes it with the given status.
// The body is encoded to a buffer first so a failed encode never produces a partial write.
func WriteJSONResponse(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.WithError(err).Error("api_encode_failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.WithError(err).Warn("api_write_failed")
	}
}

// writeMailError reports a failed mail operation as 500. The cause is included
// in the body unless redact is set.
func writeMailError(w http.ResponseWriter, err error, redact bool) {
	fields := log.Fields{}
	var te *mail.TransportError
	if errors.As(err, &te) {
		fields["role"] = te.Role
		fields["host"] = te.Host
		fields["op"] = te.Op
	}
	log.WithFields(fields).WithError(err).Error("api_mail_failed")

	if redact {
		http.Error(w, genericMailError, http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// parseTaskID parses a positive task id from a path or query value.
func parseTaskID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// validationMessage flattens validator errors into one line per field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	var buf bytes.Buffer
	for i, fe := range verrs {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(fe.Field())
		buf.WriteString(" failed on ")
		buf.WriteString(fe.Tag())
		if fe.Param() != "" {
			buf.WriteString("=")
			buf.WriteString(fe.Param())
		}
	}
	return buf.String()
}
