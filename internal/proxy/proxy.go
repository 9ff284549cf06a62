// Package proxy is the proxy driver: write the reverse proxy's base
// config, list routes, and add/remove/check one tenant's HTTP + WebSocket
// routes at a time against a Caddy-class JSON admin API. It does not start
// or supervise the proxy process, and it does not diff the full route set
// against the registry. Route management is grounded on the teacher's
// Traefik file-provider manager; here it is re-expressed as JSON-over-HTTP
// admin API calls instead of writing YAML files, because this spec's proxy
// exposes a live admin API rather than watching a config directory.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/errs"
)

const (
	routesPath = "/config/apps/http/servers/lobster/routes"
	adminTimeout = 5 * time.Second
)

// Driver talks to the proxy admin API.
type Driver struct {
	baseURL string
	http    *http.Client
}

// New returns a Driver pointed at adminURL (e.g. http://localhost:2019).
func New(adminURL string) *Driver {
	return &Driver{baseURL: adminURL, http: &http.Client{Timeout: adminTimeout}}
}

// WSRouteID and HTTPRouteID return the stable @id used for a tenant's two
// routes; the websocket route is named first so callers that iterate both
// IDs naturally add it first and remove it first, matching the match-order
// requirement (ws before plain HTTP).
func WSRouteID(name string) string   { return fmt.Sprintf("lobster-%s-ws", name) }
func HTTPRouteID(name string) string { return fmt.Sprintf("lobster-%s", name) }

// LoadBaseConfig replaces the full proxy config with the lobster server
// definition: listeners on 80 and 443, TLS if cert/key paths are given,
// otherwise automatic_https with redirects left enabled.
func (d *Driver) LoadBaseConfig(ctx context.Context, domain, tlsCertPath, tlsKeyPath string) error {
	httpServer := map[string]any{
		"listen": []string{":80", ":443"},
		"routes": []any{},
	}

	apps := map[string]any{
		"http": map[string]any{
			"servers": map[string]any{
				"lobster": httpServer,
			},
		},
	}

	if tlsCertPath != "" && tlsKeyPath != "" {
		httpServer["tls_connection_policies"] = []any{map[string]any{}}
		apps["tls"] = map[string]any{
			"certificates": map[string]any{
				"load_files": []any{
					map[string]any{"certificate": tlsCertPath, "key": tlsKeyPath},
				},
			},
			"automation": map[string]any{
				"policies": []any{
					map[string]any{
						"subjects": []string{"*." + domain},
						"issuers":  []any{},
					},
				},
			},
		}
	} else {
		httpServer["automatic_https"] = map[string]any{"disable_redirects": false}
	}

	return d.call(ctx, http.MethodPost, "/load", map[string]any{"apps": apps}, nil)
}

// AddTenantRoutes appends the WebSocket route then the HTTP route for
// name, in that order so the WS route's more specific header match is
// consulted first.
func (d *Driver) AddTenantRoutes(ctx context.Context, name, domain, guestIP string) error {
	upstream := fmt.Sprintf("%s:%d", guestIP, config.GuestGatewayPort)

	wsRoute := map[string]any{
		"@id":   WSRouteID(name),
		"match": []any{map[string]any{"host": []string{name + "." + domain}, "header": map[string]any{"Connection": []string{"*Upgrade*"}}}},
		"handle": []any{map[string]any{
			"handler": "reverse_proxy",
			"upstreams": []any{map[string]any{"dial": upstream}},
			"transport": map[string]any{"protocol": "http", "dial_timeout": "3s"},
			"load_balancing": map[string]any{"try_duration": "30s", "try_interval": "500ms"},
		}},
	}

	httpRoute := map[string]any{
		"@id":   HTTPRouteID(name),
		"match": []any{map[string]any{"host": []string{name + "." + domain}}},
		"handle": []any{map[string]any{
			"handler":   "reverse_proxy",
			"upstreams": []any{map[string]any{"dial": upstream}},
			"headers":   map[string]any{"request": map[string]any{"set": map[string]any{"Connection": []string{"close"}}}},
			"transport": map[string]any{"protocol": "http", "dial_timeout": "3s"},
			"load_balancing": map[string]any{"try_duration": "30s", "try_interval": "500ms"},
		}},
	}

	if err := d.call(ctx, http.MethodPost, routesPath, wsRoute, nil); err != nil {
		return errs.Wrap(errs.CodeCaddyAPIError, "adding websocket route for "+name, err)
	}
	if err := d.call(ctx, http.MethodPost, routesPath, httpRoute, nil); err != nil {
		return errs.Wrap(errs.CodeCaddyAPIError, "adding http route for "+name, err)
	}
	return nil
}

// RemoveTenantRoutes deletes both of name's routes by @id. Missing routes
// are tolerated (DELETE on an absent id is not treated as failure).
func (d *Driver) RemoveTenantRoutes(ctx context.Context, name string) error {
	var firstErr error
	for _, id := range []string{WSRouteID(name), HTTPRouteID(name)} {
		if err := d.deleteTolerant(ctx, "/id/"+id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errs.Wrap(errs.CodeCaddyAPIError, "removing routes for "+name, firstErr)
	}
	return nil
}

// deleteTolerant issues a DELETE and treats a 404 response (route already
// gone) as success.
func (d *Driver) deleteTolerant(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("proxy admin DELETE %s: status %d: %s", path, resp.StatusCode, string(msg))
	}
	return nil
}

// Route is the subset of a listed route's shape this driver cares about.
type Route struct {
	ID string `json:"@id"`
}

// ListRoutes returns the routes currently configured on the lobster
// server.
func (d *Driver) ListRoutes(ctx context.Context) ([]Route, error) {
	var routes []Route
	if err := d.call(ctx, http.MethodGet, routesPath, nil, &routes); err != nil {
		return nil, errs.Wrap(errs.CodeCaddyAPIError, "listing routes", err)
	}
	return routes, nil
}

// HasTenantRoutes reports whether both of name's routes are present.
func (d *Driver) HasTenantRoutes(ctx context.Context, name string) (bool, error) {
	routes, err := d.ListRoutes(ctx)
	if err != nil {
		return false, err
	}
	wantWS, wantHTTP := WSRouteID(name), HTTPRouteID(name)
	var haveWS, haveHTTP bool
	for _, r := range routes {
		if r.ID == wantWS {
			haveWS = true
		}
		if r.ID == wantHTTP {
			haveHTTP = true
		}
	}
	return haveWS && haveHTTP, nil
}

func (d *Driver) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("proxy admin %s %s: status %d: %s", method, path, resp.StatusCode, string(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
