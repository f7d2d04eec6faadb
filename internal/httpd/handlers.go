package httpd

import (
	"errors"
	"log"
	"net/http"
	"net/url"

	"github.com/federata/samlidp/internal/authn"
	"github.com/federata/samlidp/internal/flow"
	"github.com/federata/samlidp/internal/saml"
	"github.com/federata/samlidp/internal/sp"
)

const sessionCookieName = "samlidp_session"

type handlers struct {
	get func() *Runtime
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) metadata(w http.ResponseWriter, _ *http.Request) {
	rt := h.get()
	descriptor := saml.BuildMetadata(
		rt.EntityID(), rt.SSOURL(), rt.SLOURL(),
		rt.Keys.AllCertsDER(),
		rt.Clock.Now().UTC().Add(rt.Cfg.Security.MetadataValidity()),
		rt.Cfg.Security.MetadataCacheDuration(),
	)
	signed, err := saml.SignedMetadata(rt.Signer, descriptor)
	if err != nil {
		log.Printf("metadata: sign failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` + "\n"))
	_, _ = w.Write(signed)
}

// sso receives the AuthnRequest over either binding. Any failure here
// happens before a destination is trusted, so the browser only ever sees
// the generic error page; nothing redirects on unvalidated input.
func (h *handlers) sso(w http.ResponseWriter, r *http.Request) {
	rt := h.get()
	maxSize := rt.Cfg.Security.MaxMessageSize()

	var (
		raw      []byte
		binding  sp.Binding
		rawQuery string
		err      error
	)
	relay := r.FormValue("RelayState")

	if r.Method == http.MethodGet {
		binding = sp.BindingRedirect
		// the signature covers the query octets exactly as the SP sent them
		rawQuery = r.URL.RawQuery
		encoded := r.URL.Query().Get(saml.ParamRequest)
		if encoded == "" {
			h.genericError(w, http.StatusBadRequest, "sso: missing SAMLRequest")
			return
		}
		raw, err = saml.DecodeRedirect(encoded, maxSize)
	} else {
		binding = sp.BindingPost
		encoded := r.PostFormValue(saml.ParamRequest)
		if encoded == "" {
			h.genericError(w, http.StatusBadRequest, "sso: missing SAMLRequest")
			return
		}
		raw, err = saml.DecodePost(encoded, maxSize)
	}
	if err != nil {
		h.genericError(w, http.StatusBadRequest, "sso: decode: "+err.Error())
		return
	}

	info, err := saml.ParseAuthnRequest(raw, binding, relay)
	if err != nil {
		h.genericError(w, http.StatusBadRequest, "sso: parse: "+err.Error())
		return
	}

	fl, err := rt.Coordinator.Begin(info, raw, rawQuery)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, saml.ErrReplayedMessage) {
			status = http.StatusConflict
		}
		h.genericError(w, status, "sso: reject request "+info.ID+" from "+info.Issuer+": "+err.Error())
		return
	}
	h.continueFlow(w, r, rt, fl)
}

// initiate starts an IdP-initiated flow for a registered SP.
func (h *handlers) initiate(w http.ResponseWriter, r *http.Request) {
	rt := h.get()
	entityID := r.URL.Query().Get("sp")
	fl, err := rt.Coordinator.BeginIdPInitiated(entityID, r.URL.Query().Get("RelayState"))
	if err != nil {
		h.genericError(w, http.StatusBadRequest, "initiate: "+err.Error())
		return
	}
	h.continueFlow(w, r, rt, fl)
}

// continueFlow either finishes immediately off an existing session or
// suspends the flow behind the correlation cookie and sends the browser to
// the login step.
func (h *handlers) continueFlow(w http.ResponseWriter, r *http.Request, rt *Runtime, fl *flow.Flow) {
	if !fl.Request.ForceAuthn {
		user, err := rt.Backend.IsAuthenticated(r.Context(), h.sessionToken(r))
		if err == nil && user != nil {
			h.finish(w, r, rt, fl, user)
			return
		}
	}

	rt.Coordinator.MarkAuthenticating(fl)
	token, err := rt.Tokens.Issue(fl.ID, rt.Cfg.Security.FlowTTL())
	if err != nil {
		h.genericError(w, http.StatusInternalServerError, "flow token: "+err.Error())
		return
	}
	h.setCookie(w, rt, h.flowCookieName(rt), token, int(rt.Cfg.Security.FlowTTL().Seconds()))

	if rt.OIDC != nil {
		http.Redirect(w, r, rt.OIDC.AuthCodeURL(fl.ID), http.StatusFound)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *handlers) loginForm(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTpl.Execute(w, map[string]string{})
}

func (h *handlers) loginSubmit(w http.ResponseWriter, r *http.Request) {
	rt := h.get()
	fl, err := h.resumeFromCookie(r, rt)
	if err != nil {
		h.genericError(w, http.StatusBadRequest, "login: "+err.Error())
		return
	}

	if r.PostFormValue("action") == "deny" {
		d, err := rt.Coordinator.Deny(fl, saml.StatusAuthnFailed, "authentication denied")
		if err != nil {
			h.genericError(w, http.StatusInternalServerError, "deny: "+err.Error())
			return
		}
		h.writeDelivery(w, r, d)
		return
	}

	user, sessionToken, err := rt.Backend.Authenticate(r.Context(), authn.Credentials{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	})
	if err != nil {
		if errors.Is(err, authn.ErrInvalidCredentials) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			_ = loginTpl.Execute(w, map[string]string{"Error": "Invalid username or password."})
			return
		}
		h.genericError(w, http.StatusInternalServerError, "authenticate: "+err.Error())
		return
	}

	h.setCookie(w, rt, sessionCookieName, sessionToken, 0)
	h.finish(w, r, rt, fl, user)
}

// oidcCallback resumes a flow suspended on the upstream OIDC provider.
func (h *handlers) oidcCallback(w http.ResponseWriter, r *http.Request) {
	rt := h.get()
	if rt.OIDC == nil {
		h.genericError(w, http.StatusNotFound, "oidc callback without oidc backend")
		return
	}
	fl, err := h.resumeFromCookie(r, rt)
	if err != nil {
		h.genericError(w, http.StatusBadRequest, "oidc callback: "+err.Error())
		return
	}
	if state := r.URL.Query().Get("state"); state != fl.ID {
		h.genericError(w, http.StatusBadRequest, "oidc callback: state mismatch")
		return
	}
	user, sessionToken, err := rt.Backend.Authenticate(r.Context(), authn.Credentials{
		Code: r.URL.Query().Get("code"),
	})
	if err != nil {
		d, derr := rt.Coordinator.Deny(fl, saml.StatusAuthnFailed, "upstream authentication failed")
		if derr != nil {
			h.genericError(w, http.StatusBadGateway, "oidc: "+err.Error())
			return
		}
		log.Printf("oidc: upstream denied flow=%s: %v", fl.ID, err)
		h.writeDelivery(w, r, d)
		return
	}
	h.setCookie(w, rt, sessionCookieName, sessionToken, 0)
	h.finish(w, r, rt, fl, user)
}

func (h *handlers) finish(w http.ResponseWriter, r *http.Request, rt *Runtime, fl *flow.Flow, user *authn.User) {
	d, err := rt.Coordinator.Complete(fl, user)
	if err != nil {
		h.genericError(w, http.StatusInternalServerError, "complete flow "+fl.ID+": "+err.Error())
		return
	}
	h.clearCookie(w, rt, h.flowCookieName(rt))
	log.Printf("sso: issued response sp=%s inResponseTo=%s subject=%s", fl.SPEntity, fl.Request.ID, user.SubjectID)
	h.writeDelivery(w, r, d)
}

// slo answers a SAML LogoutRequest over either binding.
func (h *handlers) slo(w http.ResponseWriter, r *http.Request) {
	rt := h.get()
	maxSize := rt.Cfg.Security.MaxMessageSize()

	var (
		raw      []byte
		binding  sp.Binding
		rawQuery string
		err      error
	)
	relay := r.FormValue("RelayState")

	if r.Method == http.MethodGet {
		binding = sp.BindingRedirect
		rawQuery = r.URL.RawQuery
		encoded := r.URL.Query().Get(saml.ParamRequest)
		if encoded == "" {
			h.genericError(w, http.StatusBadRequest, "slo: missing SAMLRequest")
			return
		}
		raw, err = saml.DecodeRedirect(encoded, maxSize)
	} else {
		binding = sp.BindingPost
		encoded := r.PostFormValue(saml.ParamRequest)
		if encoded == "" {
			h.genericError(w, http.StatusBadRequest, "slo: missing SAMLRequest")
			return
		}
		raw, err = saml.DecodePost(encoded, maxSize)
	}
	if err != nil {
		h.genericError(w, http.StatusBadRequest, "slo: decode: "+err.Error())
		return
	}

	info, err := saml.ParseLogoutRequest(raw, binding, relay)
	if err != nil {
		h.genericError(w, http.StatusBadRequest, "slo: parse: "+err.Error())
		return
	}
	serviceProvider, err := rt.LogoutValidator.Validate(info, raw, rawQuery)
	if err != nil {
		h.genericError(w, http.StatusBadRequest, "slo: reject request "+info.ID+" from "+info.Issuer+": "+err.Error())
		return
	}
	if err := rt.Coordinator.RememberLogout(info.ID); err != nil {
		h.genericError(w, http.StatusConflict, "slo: reject request "+info.ID+" from "+info.Issuer+": "+err.Error())
		return
	}

	logoutOK := true
	if err := rt.Backend.Logout(r.Context(), h.sessionToken(r)); err != nil {
		log.Printf("slo: backend logout: %v", err)
		logoutOK = false
	}
	h.clearCookie(w, rt, sessionCookieName)

	if serviceProvider.SLOURL == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = loggedOutTpl.Execute(w, nil)
		return
	}

	resp, err := rt.Builder.BuildLogoutResponse(info, serviceProvider.SLOURL, logoutOK)
	if err != nil {
		h.genericError(w, http.StatusInternalServerError, "slo: build: "+err.Error())
		return
	}
	signed, err := saml.SignLogoutResponse(rt.Signer, resp)
	if err != nil {
		h.genericError(w, http.StatusInternalServerError, "slo: sign: "+err.Error())
		return
	}

	switch binding {
	case sp.BindingRedirect:
		encoded, err := saml.EncodeRedirect(signed)
		if err != nil {
			h.genericError(w, http.StatusInternalServerError, "slo: encode: "+err.Error())
			return
		}
		key, err := rt.Keys.ActiveRSAKey()
		if err != nil {
			h.genericError(w, http.StatusInternalServerError, "slo: "+err.Error())
			return
		}
		u, err := saml.RedirectURL(serviceProvider.SLOURL, saml.ParamResponse, encoded, relay, key)
		if err != nil {
			h.genericError(w, http.StatusInternalServerError, "slo: "+err.Error())
			return
		}
		http.Redirect(w, r, u, http.StatusFound)
	default:
		form, err := saml.PostForm(serviceProvider.SLOURL, saml.ParamResponse, saml.EncodePost(signed), relay)
		if err != nil {
			h.genericError(w, http.StatusInternalServerError, "slo: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(form)
	}
}

// logout is the non-SAML convenience endpoint some SPs use. Redirect
// targets are honored only when they point at a registered SP origin.
func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	rt := h.get()
	if err := rt.Backend.Logout(r.Context(), h.sessionToken(r)); err != nil {
		log.Printf("logout: backend: %v", err)
	}
	h.clearCookie(w, rt, sessionCookieName)

	for _, param := range []string{"RelayState", "redirect_to"} {
		target := r.URL.Query().Get(param)
		if target != "" && h.isSafeRedirect(rt, target) {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loggedOutTpl.Execute(w, nil)
}

func (h *handlers) isSafeRedirect(rt *Runtime, target string) bool {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	for _, serviceProvider := range rt.Registry.All() {
		for _, known := range []string{serviceProvider.ACSURL, serviceProvider.SLOURL} {
			if known == "" {
				continue
			}
			ku, err := url.Parse(known)
			if err == nil && ku.Scheme == u.Scheme && ku.Host == u.Host {
				return true
			}
		}
	}
	return false
}

func (h *handlers) writeDelivery(w http.ResponseWriter, r *http.Request, d *flow.Delivery) {
	if d.Binding == sp.BindingRedirect {
		http.Redirect(w, r, d.RedirectURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(d.FormHTML)
}

func (h *handlers) resumeFromCookie(r *http.Request, rt *Runtime) (*flow.Flow, error) {
	c, err := r.Cookie(h.flowCookieName(rt))
	if err != nil {
		return nil, saml.ErrFlowExpired
	}
	flowID, err := rt.Tokens.Parse(c.Value)
	if err != nil {
		return nil, err
	}
	return rt.Coordinator.Resume(flowID)
}

func (h *handlers) flowCookieName(rt *Runtime) string {
	if rt.Cfg.Session.CookieName != "" {
		return rt.Cfg.Session.CookieName
	}
	return "samlidp_flow"
}

func (h *handlers) sessionToken(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *handlers) setCookie(w http.ResponseWriter, rt *Runtime, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   rt.Cfg.Session.CookieDomain,
		HttpOnly: true,
		Secure:   rt.Cfg.Session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (h *handlers) clearCookie(w http.ResponseWriter, rt *Runtime, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   rt.Cfg.Session.CookieDomain,
		HttpOnly: true,
		Secure:   rt.Cfg.Session.CookieSecure,
		MaxAge:   -1,
	})
}

// genericError logs the real reason for audit and shows the browser
// nothing but a generic page; details never leak and nothing redirects.
func (h *handlers) genericError(w http.ResponseWriter, status int, logLine string) {
	log.Printf("reject: %s", logLine)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorTpl.Execute(w, nil)
}
