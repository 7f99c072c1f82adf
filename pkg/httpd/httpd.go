// Package httpd serves the device-facing HTTP surface: configuration file
// downloads, the dhcpinfo push endpoint and the status endpoint.
package httpd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/provd-server/provd/pkg/pipeline"
	"github.com/provd-server/provd/pkg/plugin"
	"github.com/provd-server/provd/pkg/provd"
	"github.com/provd-server/provd/pkg/util"
)

// Server is the device-facing HTTP server.
type Server struct {
	app       *provd.App
	processor *pipeline.Processor

	// trustedProxies is how many X-Forwarded-For hops are believed.
	trustedProxies int

	// urlKeyAuth routes the first path segment through the tenant
	// provisioning-key lookup.
	urlKeyAuth bool

	srv *http.Server
}

// NewServer wires the handler tree.
func NewServer(addr string, app *provd.App, proc *pipeline.Processor, trustedProxies int, urlKeyAuth bool) *Server {
	s := &Server{
		app:            app,
		processor:      proc,
		trustedProxies: trustedProxies,
		urlKeyAuth:     urlKeyAuth,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/dhcpinfo", s.handleDHCPInfo)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/", s.handleFile)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve runs the server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errc:
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// clientIP recovers the device address, believing the forwarded-for chain
// up to the configured number of proxy hops.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if s.trustedProxies == 0 {
		return host
	}
	chain := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	var hops []string
	for _, h := range chain {
		if h = strings.TrimSpace(h); h != "" {
			hops = append(hops, h)
		}
	}
	if len(hops) == 0 {
		return host
	}
	// With n trusted proxies, the n-th entry from the right is the client.
	idx := len(hops) - s.trustedProxies
	if idx < 0 {
		idx = 0
	}
	return hops[idx]
}

// handleFile is the device download surface.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip, err := util.NormalizeIP(s.clientIP(r))
	if err != nil {
		ip = ""
	}
	reqPath := strings.TrimPrefix(r.URL.Path, "/")

	if s.urlKeyAuth {
		key, rest, _ := strings.Cut(reqPath, "/")
		t, err := s.app.Tenants().GetByProvisioningKey(r.Context(), key)
		if err != nil || t == nil {
			util.SecurityEvent("Rejected file request with unknown provisioning key from %s", ip)
			http.NotFound(w, r)
			return
		}
		reqPath = rest
	}

	req := &plugin.Request{
		Type: plugin.RequestHTTP,
		IP:   ip,
		Path: "/" + reqPath,
		HTTP: r,
	}
	dev, err := s.processor.Process(r.Context(), req)
	if err != nil {
		util.Logger.Errorf("Request pipeline failed for %s: %v", r.URL.Path, err)
	}
	if dev == nil || dev.Plugin == "" {
		http.NotFound(w, r)
		return
	}
	plug, ok := s.app.Plugins().Get(dev.Plugin)
	if !ok {
		http.NotFound(w, r)
		return
	}

	servePath := req.Path
	if pp, ok := plug.(plugin.PathPreprocessor); ok {
		servePath = pp.PathPreprocess(servePath)
	}
	if sc, ok := plug.(plugin.SensitiveFileChecker); ok && sc.IsSensitiveFilename(servePath) {
		util.SecurityEvent("Sensitive file %s requested by %s from %s", servePath, dev.ID, ip)
	}

	svc, ok := plug.(plugin.HTTPService)
	if !ok {
		http.NotFound(w, r)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = servePath
	svc.HTTPService().ServeHTTP(w, r2)
}

// dhcpInfo is the pushed DHCP transaction record.
type dhcpInfo struct {
	IP      string            `json:"ip"`
	MAC     string            `json:"mac"`
	Op      string            `json:"op"`
	Options map[string]string `json:"options"`
}

// handleDHCPInfo feeds committed DHCP transactions into the pipeline.
// Non-commit operations are accepted and dropped.
func (s *Server) handleDHCPInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var info dhcpInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if info.Op != "commit" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ip, err := util.NormalizeIP(info.IP)
	if err != nil {
		http.Error(w, "invalid ip", http.StatusBadRequest)
		return
	}

	req := &plugin.Request{
		Type:    plugin.RequestDHCP,
		IP:      ip,
		MAC:     info.MAC,
		Options: info.Options,
	}
	if _, err := s.processor.Process(r.Context(), req); err != nil {
		util.Logger.Errorf("DHCP pipeline failed for %s: %v", ip, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reports subsystem health.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.app.Status(r.Context()))
}
