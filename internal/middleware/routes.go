package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/camino-platform/gateway/internal/registry"
	"github.com/camino-platform/gateway/internal/reqctx"
)

// maxRegistrationBody bounds the service registration payload.
const maxRegistrationBody = 64 << 10

var healthBody = []byte(`{"status":"healthy","service":"gateway"}`)

// caminoLanguages is the static interface-language list served at
// /api/gateway/camino-languages for frontend bootstrap.
var caminoLanguages = []byte(`[` +
	`{"code":"es","name":"Español","flag":"🇪🇸"},` +
	`{"code":"en","name":"English","flag":"🇬🇧"},` +
	`{"code":"fr","name":"Français","flag":"🇫🇷"},` +
	`{"code":"de","name":"Deutsch","flag":"🇩🇪"},` +
	`{"code":"it","name":"Italiano","flag":"🇮🇹"},` +
	`{"code":"pt","name":"Português","flag":"🇵🇹"},` +
	`{"code":"nl","name":"Nederlands","flag":"🇳🇱"},` +
	`{"code":"pl","name":"Polski","flag":"🇵🇱"},` +
	`{"code":"ko","name":"한국어","flag":"🇰🇷"},` +
	`{"code":"ja","name":"日本語","flag":"🇯🇵"},` +
	`{"code":"zh","name":"中文","flag":"🇨🇳"},` +
	`{"code":"ru","name":"Русский","flag":"🇷🇺"},` +
	`{"code":"cs","name":"Čeština","flag":"🇨🇿"},` +
	`{"code":"sk","name":"Slovenčina","flag":"🇸🇰"},` +
	`{"code":"hu","name":"Magyar","flag":"🇭🇺"},` +
	`{"code":"ca","name":"Català","flag":"🏴"},` +
	`{"code":"eu","name":"Euskara","flag":"🏴"},` +
	`{"code":"gl","name":"Galego","flag":"🏴"},` +
	`{"code":"oc","name":"Occitan (Aranés)","flag":"🏴"}` +
	`]`)

// writeGatewayJSON writes a gateway-plane response with the standard
// header treatment: security headers, correlation/trace stamps, JSON.
func writeGatewayJSON(w http.ResponseWriter, rc *reqctx.RequestContext, status int, body []byte) {
	h := w.Header()
	ApplySecurityHeaders(h, rc.Policy.SecurityHeaders)
	rc.Stamp(h)
	h.Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// serveHealth returns the static healthy payload. Health probes bypass
// auth and rate limiting entirely.
func (p *Pipeline) serveHealth(w http.ResponseWriter, rc *reqctx.RequestContext) {
	writeGatewayJSON(w, rc, http.StatusOK, healthBody)
}

func (p *Pipeline) serveLanguages(w http.ResponseWriter, rc *reqctx.RequestContext) {
	writeGatewayJSON(w, rc, http.StatusOK, caminoLanguages)
}

// serveRegister handles POST /api/services/register: validates and
// persists a dynamic service registration, echoing the stored record.
// The endpoint honors the effective auth policy for its own path.
func (p *Pipeline) serveRegister(w http.ResponseWriter, r *http.Request, rc *reqctx.RequestContext) {
	if _, ok := p.authenticate(w, r, rc); !ok {
		return
	}

	var svc registry.Service
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRegistrationBody))
	if err == nil {
		err = json.Unmarshal(body, &svc)
	}
	if err != nil {
		writeRejection(w, rc, http.StatusBadRequest, errBadRequest, "malformed registration payload")
		return
	}

	stored, err := p.registry.Register(r.Context(), svc)
	switch {
	case errors.Is(err, registry.ErrInvalidName), errors.Is(err, registry.ErrInvalidURL):
		writeRejection(w, rc, http.StatusBadRequest, errBadRequest, err.Error())
		return
	case err != nil:
		p.metrics.IncRedisErrors()
		p.logger.Error("service registration failed", "name", svc.Name,
			"correlation_id", rc.CorrelationID, "error", err)
		writeRejection(w, rc, http.StatusServiceUnavailable, errServiceUnavailable,
			"service registry unavailable")
		return
	}

	p.logger.Info("service registered", "name", stored.Name, "url", stored.URL,
		"correlation_id", rc.CorrelationID)

	out, _ := json.Marshal(stored)
	writeGatewayJSON(w, rc, http.StatusCreated, out)
}

// listedService is one entry of the GET /api/services response.
type listedService struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// serveListServices merges the statically configured services with the
// dynamic registry. On a name collision the static entry wins, matching
// upstream resolution order.
func (p *Pipeline) serveListServices(w http.ResponseWriter, r *http.Request, rc *reqctx.RequestContext) {
	if _, ok := p.authenticate(w, r, rc); !ok {
		return
	}

	merged := make(map[string]string)
	for name, svc := range p.cfg.Load().Services {
		merged[name] = svc.URL
	}
	registered, err := p.registry.List(r.Context())
	if err != nil {
		p.logger.Warn("service registry listing failed, returning static services only",
			"correlation_id", rc.CorrelationID, "error", err)
	}
	for _, svc := range registered {
		if _, ok := merged[svc.Name]; !ok {
			merged[svc.Name] = svc.URL
		}
	}

	out := make([]listedService, 0, len(merged))
	for name, url := range merged {
		out = append(out, listedService{Name: name, URL: url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	body, _ := json.Marshal(out)
	writeGatewayJSON(w, rc, http.StatusOK, body)
}
