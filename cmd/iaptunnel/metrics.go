package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/web"
)

// newMux serves Prometheus metrics plus the tunnel API, dashboard and health
// endpoints.
func newMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/tunnels", func(w http.ResponseWriter, r *http.Request) {
		var body any = collectStats(a)
		if r.URL.Query().Get("scope") == "cluster" {
			if a.cluster == nil {
				http.Error(w, "cluster scope needs a redis mirror", http.StatusBadRequest)
				return
			}
			list, err := a.cluster.List(r.Context())
			if err != nil {
				obs.Error("api.cluster_list", obs.Fields{"err": err})
				http.Error(w, "mirror unavailable", http.StatusBadGateway)
				return
			}
			body = ClusterTunnels{Instance: a.cluster.InstanceID(), Tunnels: list}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("DELETE /api/tunnels", func(w http.ResponseWriter, r *http.Request) {
		d, err := a.cfg.parseDestination(r.URL.Query().Get("destination"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n := a.registry.DisconnectByDestination(d)
		obs.Info("api.disconnect_destination", obs.Fields{"destination": d.String(), "tunnels": n, "remote": r.RemoteAddr})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"disconnected": n})
	})
	mux.HandleFunc("DELETE /api/tunnels/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !a.registry.Disconnect(id) {
			http.Error(w, "unknown tunnel", http.StatusNotFound)
			return
		}
		obs.Info("api.disconnect", obs.Fields{"id": id, "remote": r.RemoteAddr})
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", collectStats(a).ToTemplateMap()); err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.closing.Load() || !a.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startMetricsServer serves newMux on addr until ctx is cancelled.
func startMetricsServer(ctx context.Context, addr string, a *app) error {
	srv := &http.Server{Addr: addr, Handler: newMux(a), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	obs.Info("metrics.start", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err, "addr": addr})
		return err
	}
	return nil
}
