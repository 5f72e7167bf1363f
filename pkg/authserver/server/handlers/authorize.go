// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// AuthorizeHandler handles GET /auth. It validates the authorization request
// with fosite, opens an interaction and sends the browser to it. The actual
// authorize response is written by the identity callback once the upstream
// IdP round-trip completes.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	ar, err := h.provider.NewAuthorizeRequest(ctx, req)
	if err != nil {
		logger.Debugw("rejecting authorization request",
			"error", err.Error(),
		)
		h.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	client, err := h.store.GetDownstreamClient(ctx, ar.GetClient().GetID())
	if err != nil {
		h.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrInvalidClient)
		return
	}

	sess, err := h.store.EnsureSession(ctx, sessionCookieID(req))
	if err != nil {
		h.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError)
		return
	}

	// Consent happened at the upstream IdP; the only local prompt is the
	// one-time login confirmation per client.
	prompt := storage.PromptConfirmLogin
	if client.LoginConfirmed {
		prompt = storage.PromptLogin
	}

	interaction := &storage.Interaction{
		UID:       uuid.NewString(),
		Prompt:    prompt,
		ClientID:  client.ID,
		Params:    req.URL.Query(),
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateInteraction(ctx, interaction); err != nil {
		logger.Errorw("failed to create interaction",
			"error", err.Error(),
		)
		h.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError)
		return
	}

	logger.Debugw("interaction opened",
		"interaction_id", interaction.UID,
		"client_id", client.ID,
		"prompt", prompt,
	)

	h.setSessionCookie(w, sess.ID)
	h.setInteractionCookie(w, interaction.UID)
	http.Redirect(w, req, "/interaction/"+interaction.UID, http.StatusFound)
}

// rebuildAuthorizeRequest re-validates the authorization parameters an
// interaction was opened with. fosite requesters are not serialized across
// the IdP round-trip; the parameters are, and validation is cheap.
func (h *Handler) rebuildAuthorizeRequest(
	ctx context.Context,
	interaction *storage.Interaction,
) (fosite.AuthorizeRequester, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/auth?"+interaction.Params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return h.provider.NewAuthorizeRequest(ctx, req)
}
