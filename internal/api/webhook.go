package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/crm-research/internal/adapter"
	"github.com/sells-group/crm-research/pkg/contactforge"
)

const (
	signatureHeader = "X-Signature-256"
	maxWebhookBytes = 1 << 20
	signaturePrefix = "sha256="
)

// handleEnrichmentWebhook ingests provider result deliveries. The body is
// the provider's envelope; when a secret is configured the hex HMAC-SHA256
// signature header must match before the payload is trusted.
func (s *Server) handleEnrichmentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.webhookSecret != "" && !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		zap.L().Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var env contactforge.ResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	d, err := adapter.ParseEnvelope(&env)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unrecognized payload: "+err.Error())
		return
	}

	if err := s.exec.HandleDelivery(r.Context(), d); err != nil {
		zap.L().Error("webhook delivery failed", zap.String("provider_ref", d.ProviderJobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// verifySignature checks the hex-encoded HMAC-SHA256 of the body in constant
// time.
func (s *Server) verifySignature(body []byte, header string) bool {
	decoded, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil || len(decoded) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
