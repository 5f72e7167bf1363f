// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/registration"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// maxDCRBodySize caps registration request bodies (64 KiB), generous enough
// for the redirect URI limit.
const maxDCRBodySize = 64 * 1024

// RegisterClientHandler handles POST /reg. It implements RFC 7591 Dynamic
// Client Registration for public native clients.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	req.Body = http.MaxBytesReader(w, req.Body, maxDCRBodySize)

	contentType := req.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		writeDCRError(w, http.StatusBadRequest, &registration.DCRError{
			Error:            registration.DCRErrorInvalidClientMetadata,
			ErrorDescription: "Content-Type must be application/json",
		})
		return
	}

	var dcrReq registration.DCRRequest
	if err := json.NewDecoder(req.Body).Decode(&dcrReq); err != nil {
		writeDCRError(w, http.StatusBadRequest, &registration.DCRError{
			Error:            registration.DCRErrorInvalidClientMetadata,
			ErrorDescription: "invalid JSON request body",
		})
		return
	}

	validated, dcrErr := registration.ValidateDCRRequest(&dcrReq)
	if dcrErr != nil {
		writeDCRError(w, http.StatusBadRequest, dcrErr)
		return
	}

	client := registration.NewClient(uuid.NewString(), validated, h.cfg.ProxyScopes)

	if err := h.store.CreateClient(ctx, client); err != nil {
		logger.Errorw("failed to register client",
			"error", err.Error(),
		)
		writeDCRError(w, http.StatusInternalServerError, &registration.DCRError{
			Error:            "server_error",
			ErrorDescription: "failed to register client",
		})
		return
	}

	logger.Debugw("registered new client",
		"client_id", client.ID,
		"client_name", validated.ClientName,
	)

	response := registration.DCRResponse{
		ClientID:                 client.ID,
		ClientIDIssuedAt:         time.Now().Unix(),
		RedirectURIs:             validated.RedirectURIs,
		ClientName:               validated.ClientName,
		TokenEndpointAuthMethod:  validated.TokenEndpointAuthMethod,
		GrantTypes:               validated.GrantTypes,
		ResponseTypes:            validated.ResponseTypes,
		PostLogoutRedirectURIs:   validated.PostLogoutRedirectURIs,
		ApplicationType:          validated.ApplicationType,
		IDTokenSignedResponseAlg: client.IDTokenSignedResponseAlg,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Debugw("failed to encode registration response",
			"error", err.Error(),
		)
	}
}

// writeDCRError writes a registration error per RFC 7591 Section 3.2.2.
func writeDCRError(w http.ResponseWriter, statusCode int, dcrErr *registration.DCRError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(dcrErr); err != nil {
		logger.Debugw("failed to encode registration error response",
			"error", err.Error(),
		)
	}
}
