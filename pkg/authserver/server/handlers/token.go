// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/session"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// TokenHandler handles POST /token for the authorization_code and
// refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	// Empty template session; fosite hydrates it from the stored code or
	// refresh token.
	sess := session.New("", "", "", "")

	accessRequest, err := h.provider.NewAccessRequest(ctx, req, sess)
	if err != nil {
		logger.Debugw("rejecting access request",
			"error", err.Error(),
		)
		h.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := h.provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		logger.Errorw("failed to build access response",
			"error", err.Error(),
		)
		h.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	h.provider.WriteAccessResponse(ctx, w, accessRequest, response)
}

// IntrospectionHandler handles POST /token/introspection (RFC 7662).
func (h *Handler) IntrospectionHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	ir, err := h.provider.NewIntrospectionRequest(ctx, req, session.New("", "", "", ""))
	if err != nil {
		logger.Debugw("rejecting introspection request",
			"error", err.Error(),
		)
		h.provider.WriteIntrospectionError(ctx, w, err)
		return
	}

	h.provider.WriteIntrospectionResponse(ctx, w, ir)
}

// RevocationHandler handles POST /token/revocation (RFC 7009).
func (h *Handler) RevocationHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	err := h.provider.NewRevocationRequest(ctx, req)
	if err != nil {
		logger.Debugw("revocation request failed",
			"error", err.Error(),
		)
	}
	h.provider.WriteRevocationResponse(ctx, w, err)
}
