// Package httpapi implements the operator-facing REST API (spec.md §6
// "Northbound REST"), routed with go-chi the way the rest of the pack
// routes its operator surfaces, with /healthz, /readyz, and /metrics
// lifted from the teacher's internal/http/server.go.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
)

// ModelSource exposes the current DataModel snapshot.
type ModelSource interface {
	Copy() *datamodel.Snapshot
}

// ConsumerStatus reports whether a Kafka consumer group has an assignment.
type ConsumerStatus interface {
	IsJoined() bool
}

// DBChecker abstracts the optional HistoryArchive health check.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// RunTrigger is the scheduler seam the /optimize* and /runRRM endpoints
// dispatch through.
type RunTrigger interface {
	TriggerNowByKey(ctx context.Context, zone string, category algorithm.Category) error
}

type Server struct {
	srv      *http.Server
	model    ModelSource
	devices  *registry.Registry
	algos    *algorithm.Registry
	runner   RunTrigger
	dbChecker DBChecker
	consumers map[string]ConsumerStatus
	logger   *zap.Logger
}

func NewServer(addr string, model ModelSource, devices *registry.Registry, algos *algorithm.Registry, runner RunTrigger, dbChecker DBChecker, consumers map[string]ConsumerStatus, logger *zap.Logger) *Server {
	s := &Server{
		srv:       &http.Server{Addr: addr},
		model:     model,
		devices:   devices,
		algos:     algos,
		runner:    runner,
		dbChecker: dbChecker,
		consumers: consumers,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "POST"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/currentModel", s.handleCurrentModel)
		r.Get("/getDeviceConfig", s.handleGetDeviceConfig)
		r.Put("/setDeviceApConfig", s.handleSetDeviceApConfig)
		r.Put("/setDeviceZoneConfig", s.handleSetDeviceZoneConfig)
		r.Put("/setDeviceNetworkConfig", s.handleSetDeviceNetworkConfig)
		r.Get("/topology", s.handleGetTopology)
		r.Put("/topology", s.handlePutTopology)
		r.Post("/optimizeChannel", s.handleOptimize(algorithm.CategoryChannel))
		r.Post("/optimizeTxPower", s.handleOptimize(algorithm.CategoryTPC))
		r.Post("/runRRM", s.handleRunRRM)
		r.Get("/algorithms", s.handleListAlgorithms)
	})

	s.srv.Handler = r
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	for name, consumer := range s.consumers {
		if consumer != nil && consumer.IsJoined() {
			checks[name] = "ok"
		} else {
			checks[name] = "not_joined"
			allOK = false
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleCurrentModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.model.Copy())
}

func (s *Server) handleGetDeviceConfig(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		writeError(w, http.StatusBadRequest, "serial query parameter is required")
		return
	}
	cfg, ok := s.devices.Get(serial)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown serial")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return v, false
	}
	return v, true
}

type apConfigRequest struct {
	Serial          string                    `json:"serial"`
	AllowedChannels map[datamodel.Band][]int  `json:"allowedChannels"`
	AllowedTxPowers map[datamodel.Band][]int  `json:"allowedTxPowers"`
}

func (s *Server) handleSetDeviceApConfig(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[apConfigRequest](w, r)
	if !ok {
		return
	}
	cfg, found := s.devices.Get(req.Serial)
	if !found {
		writeError(w, http.StatusNotFound, "unknown serial")
		return
	}
	cfg.AllowedChannels = req.AllowedChannels
	cfg.AllowedTxPowers = req.AllowedTxPowers
	s.devices.Upsert(cfg)
	writeJSON(w, http.StatusOK, cfg)
}

type zoneConfigRequest struct {
	Serial string `json:"serial"`
	Zone   string `json:"zone"`
}

func (s *Server) handleSetDeviceZoneConfig(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[zoneConfigRequest](w, r)
	if !ok {
		return
	}
	cfg, found := s.devices.Get(req.Serial)
	if !found {
		writeError(w, http.StatusNotFound, "unknown serial")
		return
	}
	cfg.Zone = req.Zone
	s.devices.Upsert(cfg)
	writeJSON(w, http.StatusOK, cfg)
}

type networkConfigRequest struct {
	Serial        string                       `json:"serial"`
	EnableRRM     bool                         `json:"enableRrm"`
	AlgorithmArgs map[string]map[string]string `json:"algorithmArgs"`
}

func (s *Server) handleSetDeviceNetworkConfig(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[networkConfigRequest](w, r)
	if !ok {
		return
	}
	cfg, found := s.devices.Get(req.Serial)
	if !found {
		writeError(w, http.StatusNotFound, "unknown serial")
		return
	}
	cfg.EnableRRM = req.EnableRRM
	cfg.AlgorithmArgs = req.AlgorithmArgs
	s.devices.Upsert(cfg)
	writeJSON(w, http.StatusOK, cfg)
}

// handleGetTopology reports every device grouped by zone — the closest
// analogue to a "topology" the RRM data model has: which devices the
// scheduler treats as one optimization unit.
func (s *Server) handleGetTopology(w http.ResponseWriter, r *http.Request) {
	byZone := make(map[string][]string)
	for serial, cfg := range s.devices.All() {
		byZone[cfg.Zone] = append(byZone[cfg.Zone], serial)
	}
	writeJSON(w, http.StatusOK, byZone)
}

type topologyRequest struct {
	Zone    string   `json:"zone"`
	Serials []string `json:"serials"`
}

func (s *Server) handlePutTopology(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[topologyRequest](w, r)
	if !ok {
		return
	}
	for _, serial := range req.Serials {
		cfg, found := s.devices.Get(serial)
		if !found {
			continue
		}
		cfg.Zone = req.Zone
		s.devices.Upsert(cfg)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOptimize(category algorithm.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zone := r.URL.Query().Get("zone")
		if zone == "" {
			writeError(w, http.StatusBadRequest, "zone query parameter is required")
			return
		}
		if err := s.runner.TriggerNowByKey(r.Context(), zone, category); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
	}
}

func (s *Server) handleRunRRM(w http.ResponseWriter, r *http.Request) {
	zone := r.URL.Query().Get("zone")
	if zone == "" {
		writeError(w, http.StatusBadRequest, "zone query parameter is required")
		return
	}
	var errs []string
	for _, category := range []algorithm.Category{algorithm.CategoryTPC, algorithm.CategoryChannel, algorithm.CategoryClientSteering} {
		if err := s.runner.TriggerNowByKey(r.Context(), zone, category); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "partial", "errors": errs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) handleListAlgorithms(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID       string            `json:"id"`
		Category algorithm.Category `json:"category"`
		ArgDoc   map[string]string `json:"argDoc"`
	}
	list := s.algos.List()
	out := make([]entry, 0, len(list))
	for _, e := range list {
		out = append(out, entry{ID: e.ID, Category: e.Category, ArgDoc: e.ArgDoc})
	}
	writeJSON(w, http.StatusOK, out)
}
