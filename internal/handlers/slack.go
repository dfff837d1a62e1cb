package handlers

import (
	"bytes"
	"io"
	"net/http"

	"github.com/slack-go/slack"

	"genie/internal/logging"
)

const maxSlackBody = 1 << 20

// VerifySlackSignature rejects Slack callbacks whose X-Slack-Signature does
// not match the signing secret. An empty secret disables the check.
func VerifySlackSignature(signingSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if signingSecret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := logging.LoggerFromContext(r.Context())

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSlackBody))
			r.Body.Close()
			if err != nil {
				logger.Error("Error reading request body", "error", err)
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}

			if !verifySignature(r.Header, body, signingSecret) {
				logger.Warn("Invalid Slack signature")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func verifySignature(header http.Header, body []byte, secret string) bool {
	sv, err := slack.NewSecretsVerifier(header, secret)
	if err != nil {
		return false
	}
	if _, err := sv.Write(body); err != nil {
		return false
	}
	return sv.Ensure() == nil
}
