// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// InteractionHandler handles GET /interaction/{uid}: it dispatches on the
// interaction's prompt. confirm-login renders the confirmation page; login
// sends the browser to the upstream IdP.
func (h *Handler) InteractionHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	uid := chi.URLParam(req, "uid")

	interaction, err := h.store.GetInteraction(ctx, uid)
	if err != nil {
		logger.Debugw("interaction not found",
			"interaction_id", uid,
		)
		redirectReset(w, req)
		return
	}

	switch interaction.Prompt {
	case storage.PromptConfirmLogin:
		h.renderConfirmPage(w, interaction)
	case storage.PromptLogin:
		authorizeURL, _, err := h.upstream.BuildAuthorizeURL(ctx, interaction.UID, h.cfg.CallbackURL())
		if err != nil {
			logger.Errorw("failed to build upstream authorize URL",
				"interaction_id", interaction.UID,
				"error", err.Error(),
			)
			redirectReset(w, req)
			return
		}
		http.Redirect(w, req, authorizeURL, http.StatusFound)
	default:
		redirectReset(w, req)
	}
}

// ConfirmHandler handles POST /interaction/{uid}/confirm. A confirmed form
// marks the client so future authorizations skip the prompt; anything else
// re-prompts.
func (h *Handler) ConfirmHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	uid := chi.URLParam(req, "uid")

	interaction, err := h.store.GetInteraction(ctx, uid)
	if err != nil {
		redirectReset(w, req)
		return
	}

	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	if req.PostFormValue("confirmed") == "true" {
		client, err := h.store.GetDownstreamClient(ctx, interaction.ClientID)
		if err != nil {
			redirectReset(w, req)
			return
		}
		client.LoginConfirmed = true
		if err := h.store.UpdateClient(ctx, client); err != nil {
			logger.Errorw("failed to persist login confirmation",
				"client_id", client.ID,
				"error", err.Error(),
			)
			redirectReset(w, req)
			return
		}

		interaction.Prompt = storage.PromptLogin
		if err := h.store.UpdateInteraction(ctx, interaction); err != nil {
			redirectReset(w, req)
			return
		}
	}

	http.Redirect(w, req, "/interaction/"+uid, http.StatusFound)
}

// AbortHandler handles GET /interaction/{uid}/abort: the end user declined,
// so the downstream client gets an access_denied redirect.
func (h *Handler) AbortHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	uid := chi.URLParam(req, "uid")

	interaction, err := h.store.GetInteraction(ctx, uid)
	if err != nil {
		redirectReset(w, req)
		return
	}

	ar, err := h.rebuildAuthorizeRequest(ctx, interaction)
	if err != nil {
		redirectReset(w, req)
		return
	}

	if err := h.store.FinishInteraction(ctx, uid); err != nil && !errors.Is(err, kv.ErrNotFound) {
		logger.Debugw("failed to finish aborted interaction",
			"interaction_id", uid,
			"error", err.Error(),
		)
	}

	h.provider.WriteAuthorizeError(ctx, w, ar,
		fosite.ErrAccessDenied.WithDescription("End-User aborted interaction"))
}

// confirmPageData feeds the confirm-login template.
type confirmPageData struct {
	Title     string
	LogoURI   string
	PolicyURI string
	TOSURI    string
	UID       string
	ClientID  string
}

var confirmPageTemplate = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; background: #f5f5f5; margin: 0; }
.card { max-width: 24rem; margin: 10vh auto; background: #fff; border-radius: 8px;
        padding: 2rem; box-shadow: 0 1px 4px rgba(0,0,0,.15); text-align: center; }
.logo { max-height: 48px; margin-bottom: 1rem; }
button { width: 100%; padding: .75rem; border: 0; border-radius: 6px;
         background: #1a73e8; color: #fff; font-size: 1rem; cursor: pointer; }
a.abort { display: inline-block; margin-top: 1rem; color: #666; font-size: .9rem; }
footer { margin-top: 1.5rem; font-size: .8rem; color: #999; }
footer a { color: #999; }
</style>
</head>
<body>
<div class="card">
{{if .LogoURI}}<img class="logo" src="{{.LogoURI}}" alt="">{{end}}
<h1>{{.Title}}</h1>
<p>An application ({{.ClientID}}) wants to sign in on your behalf. Continue to
your identity provider?</p>
<form method="post" action="/interaction/{{.UID}}/confirm">
<input type="hidden" name="confirmed" value="true">
<button type="submit">Continue</button>
</form>
<a class="abort" href="/interaction/{{.UID}}/abort">Cancel</a>
<footer>
{{if .PolicyURI}}<a href="{{.PolicyURI}}">Privacy</a>{{end}}
{{if .TOSURI}} <a href="{{.TOSURI}}">Terms</a>{{end}}
</footer>
</div>
</body>
</html>
`))

func (h *Handler) renderConfirmPage(w http.ResponseWriter, interaction *storage.Interaction) {
	data := confirmPageData{
		Title:     h.cfg.Branding.Title,
		LogoURI:   h.cfg.Branding.LogoURI,
		PolicyURI: h.cfg.Branding.PolicyURI,
		TOSURI:    h.cfg.Branding.TOSURI,
		UID:       interaction.UID,
		ClientID:  interaction.ClientID,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := confirmPageTemplate.Execute(w, data); err != nil {
		logger.Errorw("failed to render confirm page",
			"error", err.Error(),
		)
	}
}
