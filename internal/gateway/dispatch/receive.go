package dispatch

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/schemabus/schemabus/internal/gateway/batch"
	"github.com/schemabus/schemabus/internal/gateway/codes"
	"github.com/schemabus/schemabus/internal/gateway/envelope"
	"github.com/schemabus/schemabus/internal/gateway/guard"
	"github.com/schemabus/schemabus/internal/gateway/jsoncodec"
	"github.com/schemabus/schemabus/internal/gateway/logging"
	"github.com/schemabus/schemabus/internal/gateway/token"
)

// TokenHeader carries the signed token authenticating a receive call.
const TokenHeader = "x-pbjx-token"

// ReceiveHandler is the inbound relay endpoint: it authenticates the
// caller with a signed token over the body and the request URI, then
// replays the body's newline-delimited messages through the buses.
type ReceiveHandler struct {
	processor *batch.Processor
	signer    *token.Signer
	logger    logging.ServiceLogger
}

// NewReceiveHandler constructs a ReceiveHandler.
func NewReceiveHandler(processor *batch.Processor, signer *token.Signer, logger logging.ServiceLogger) *ReceiveHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ReceiveHandler{processor: processor, signer: signer, logger: logger}
}

func (h *ReceiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeReceiveError(w, codes.Unimplemented, http.StatusMethodNotAllowed, "MethodNotAllowed", "method "+r.Method+" is not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeReceiveError(w, codes.Internal, http.StatusInternalServerError, "Internal", "failed to read request body")
		return
	}

	presented := r.Header.Get(TokenHeader)
	if err := h.signer.Validate(r.Context(), string(body), r.URL.RequestURI(), presented); err != nil {
		h.logger.Error("receive token rejected", err, logging.LogFields{
			"uri": r.URL.RequestURI(),
		})
		if errors.Is(err, token.ErrNoSecret) {
			writeReceiveError(w, codes.Internal, http.StatusInternalServerError, "Internal", "token validation is not configured")
			return
		}
		writeReceiveError(w, codes.Unauthenticated, http.StatusUnauthorized, "Unauthenticated", "token validation failed")
		return
	}

	// A valid token marks the caller as a trusted relay; lines run
	// without field restriction and skip the permission check.
	ctx := guard.WithRequestContext(r.Context(), &guard.RequestContext{Console: true})
	result, err := h.processor.Process(ctx, bytes.NewReader(body))
	if err != nil {
		h.logger.Error("receive processing aborted", err, nil)
		writeReceiveError(w, codes.Internal, http.StatusInternalServerError, "Internal", "batch processing aborted")
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if err := jsoncodec.Encode(w, result); err != nil {
		h.logger.Error("failed to encode receive result", err, nil)
	}
}

// writeReceiveError renders a terminal receive failure as an envelope.
func writeReceiveError(w http.ResponseWriter, code codes.Code, httpCode int, name, text string) {
	env := envelope.New()
	env.SetCodeWithHTTP(code, httpCode)
	env.ErrorName = name
	env.ErrorMessage = text
	WriteHTTP(w, env)
}
