package email

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

const maxMessageBytes = 25 << 20

// IntakeHandler serves Receive over HTTP. A JSON body is decoded as an
// EmailReceipt; a message/rfc822 body is taken as the raw message with the
// recipient in the "recipient" query parameter.
func IntakeHandler(intake *Intake, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body := http.MaxBytesReader(w, r.Body, maxMessageBytes)

		var receipt models.EmailReceipt
		if strings.HasPrefix(r.Header.Get("Content-Type"), "message/rfc822") {
			raw, err := io.ReadAll(body)
			if err != nil {
				http.Error(w, "could not read message", http.StatusBadRequest)
				return
			}
			receipt = models.EmailReceipt{Recipient: r.URL.Query().Get("recipient"), Raw: raw}
		} else if err := json.NewDecoder(body).Decode(&receipt); err != nil {
			logger.Error("Could not decode email receipt", "error", err)
			http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
			return
		}

		ack, err := intake.Receive(r.Context(), receipt)
		switch {
		case errors.Is(err, ErrUnknownRecipient):
			http.Error(w, "unknown recipient", http.StatusForbidden)
			return
		case errors.Is(err, ErrMalformedMessage):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(ack); err != nil {
			logger.Error("Failed to write response", "error", err)
		}
	}
}
