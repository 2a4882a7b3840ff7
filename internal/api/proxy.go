package api

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/logger"
	"github.com/agentgate/agentgate/internal/middleware"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
	"github.com/agentgate/agentgate/pkg/types"
)

const errCodeUpstreamUnavailable = "upstream_unavailable"

type proxyRoute struct {
	prefix string
	scope  string
	proxy  http.Handler
}

func buildProxyRoutes(routes []config.Route) ([]proxyRoute, error) {
	out := make([]proxyRoute, 0, len(routes))
	for _, route := range routes {
		target, err := url.Parse(route.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid upstream: %w", route.Prefix, err)
		}
		out = append(out, proxyRoute{
			prefix: route.Prefix,
			scope:  route.Scope,
			proxy:  newUpstreamProxy(route, target),
		})
	}
	return out, nil
}

// newUpstreamProxy forwards guarded requests to target. The agent credential
// is not forwarded; the resolved identity is sent in X-Agent-* headers
// instead, replacing anything the client supplied.
func newUpstreamProxy(route config.Route, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if route.StripPrefix {
				pr.Out.URL.Path = "/" + strings.TrimPrefix(pr.In.URL.Path, route.Prefix)
				pr.Out.URL.RawPath = ""
			}
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del(AgentIDHeader)
			pr.Out.Header.Del(AgentScopesHeader)
			if agent := middleware.GetAgent(pr.In.Context()); agent != nil {
				setIdentityHeaders(pr.Out.Header, agent)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error(r.Context(), "upstream request failed", "prefix", route.Prefix, "error", err)
			writeError(w, apperrors.New(errCodeUpstreamUnavailable, "Upstream unavailable", http.StatusBadGateway))
		},
	}
}

func setIdentityHeaders(h http.Header, agent *types.AgentContext) {
	h.Set(AgentIDHeader, agent.ID)
	h.Set(AgentScopesHeader, strings.Join(agent.Scopes, " "))
}
