// Package monitor serves the calibration session over HTTP: status, operator
// commands, a websocket status stream, and debug views of the latest clouds.
package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/calibration"
	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/config"
	"github.com/banshee-data/lidar-extrinsics/internal/httputil"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
	"github.com/banshee-data/lidar-extrinsics/internal/version"
)

//go:embed status.html
var statusHTML embed.FS

// maxBodySize bounds command request bodies.
const maxBodySize = 64 * 1024

// Controller is the part of the calibration controller the server drives.
type Controller interface {
	Submit(ctx context.Context, cmd calibration.Command) error
	Status() calibration.Status
	Subscribe() (<-chan calibration.Status, func())
}

// CloudSource returns the latest calibrated cloud per output topic.
type CloudSource interface {
	Get(topic string) (*cloud.Cloud, bool)
	Topics() []string
}

// AdminRoutes mounts debug handlers on the server mux.
type AdminRoutes interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// WebServer handles the HTTP interface of a calibration session.
type WebServer struct {
	address    string
	controller Controller
	tuning     *config.TuningConfig
	clouds     CloudSource
	plotDir    string
	admin      AdminRoutes
	server     *http.Server
	started    time.Time
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address    string
	Controller Controller
	// Tuning is echoed by /api/calibration/tuning. Optional.
	Tuning *config.TuningConfig
	// Clouds backs /debug/calibration/cloud. Optional.
	Clouds CloudSource
	// PlotDir is served under /debug/calibration/plots/. Optional.
	PlotDir string
	// Admin routes are attached under /debug/. Optional.
	Admin AdminRoutes
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    cfg.Address,
		controller: cfg.Controller,
		tuning:     cfg.Tuning,
		clouds:     cfg.Clouds,
		plotDir:    cfg.PlotDir,
		admin:      cfg.Admin,
		started:    time.Now(),
	}
	if ws.tuning == nil {
		ws.tuning = config.EmptyTuningConfig()
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the server's route table.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start serves until ctx is cancelled, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("Starting calibration HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Println("shutting down calibration HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleIndex)
	mux.HandleFunc("/api/calibration/status", ws.handleStatus)
	mux.HandleFunc("/api/calibration/params", ws.handleParams)
	mux.HandleFunc("/api/calibration/param", ws.handleParam)
	mux.HandleFunc("/api/calibration/topic", ws.handleTopic)
	mux.HandleFunc("/api/calibration/save", ws.handleSave)
	mux.HandleFunc("/api/calibration/tuning", ws.handleTuning)
	mux.HandleFunc("/api/calibration/ws", ws.handleWebsocket)
	mux.HandleFunc("/debug/calibration/cloud", ws.handleCloudChart)
	mux.HandleFunc("/debug/calibration/plots/", ws.handlePlot)

	if ws.admin != nil {
		ws.admin.AttachAdminRoutes(mux)
	}
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":    "ok",
		"service":   "lidar-calib",
		"version":   version.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	tmpl, err := template.ParseFS(statusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}
	data := struct {
		Status  calibration.Status
		Uptime  string
		Version string
	}{
		Status:  ws.controller.Status(),
		Uptime:  time.Since(ws.started).Round(time.Second).String(),
		Version: version.Version,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
	}
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.controller.Status())
}

func (ws *WebServer) handleTuning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.tuning)
}

// handleParams sets all six params of a topic. The body is
// {"topic": ..., "x": ..., "y": ..., "z": ..., "roll": ..., "pitch": ..., "yaw": ...}.
// The topic name "save" requests a save instead, matching the operator panel's
// save control.
func (ws *WebServer) handleParams(w http.ResponseWriter, r *http.Request) {
	ws.handleCommand(w, r, actionParams)
}

// handleParam sets one param: {"topic": ..., "field": "yaw", "value": 0.1}.
func (ws *WebServer) handleParam(w http.ResponseWriter, r *http.Request) {
	ws.handleCommand(w, r, actionParam)
}

// handleTopic selects the active topic: {"topic": ...}.
func (ws *WebServer) handleTopic(w http.ResponseWriter, r *http.Request) {
	ws.handleCommand(w, r, actionTopic)
}

func (ws *WebServer) handleSave(w http.ResponseWriter, r *http.Request) {
	ws.handleCommand(w, r, actionSave)
}

func (ws *WebServer) handleCommand(w http.ResponseWriter, r *http.Request, action string) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("reading body: %v", err))
		return
	}
	cmd, err := decodeCommand(action, body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := ws.controller.Submit(r.Context(), cmd); err != nil {
		if errors.Is(err, calibration.ErrStopped) {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "command": commandName(cmd)})
}

// handlePlot serves ground plane plots written by the Plotter.
func (ws *WebServer) handlePlot(w http.ResponseWriter, r *http.Request) {
	if ws.plotDir == "" {
		httputil.NotFound(w, "plots are disabled")
		return
	}
	name := r.URL.Path[len("/debug/calibration/plots/"):]
	path, err := plotPath(ws.plotDir, name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

// Close shuts down the web server.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

const (
	actionParams = "params"
	actionParam  = "param"
	actionTopic  = "topic"
	actionSave   = "save"
)

// paramsRequest embeds the params so their keys sit beside "topic".
type paramsRequest struct {
	Topic string `json:"topic"`
	registry.ManualParams
}

type paramRequest struct {
	Topic string   `json:"topic"`
	Field string   `json:"field"`
	Value *float64 `json:"value"`
}

type topicRequest struct {
	Topic string `json:"topic"`
}

// decodeCommand turns an operator request into a controller command.
func decodeCommand(action string, body []byte) (calibration.Command, error) {
	switch action {
	case actionSave:
		return calibration.TriggerSave{}, nil

	case actionTopic:
		var req topicRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if req.Topic == "" {
			return nil, errors.New("topic is required")
		}
		return calibration.SelectTopic{Topic: req.Topic}, nil

	case actionParams:
		var req paramsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if req.Topic == "" {
			return nil, errors.New("topic is required")
		}
		if req.Topic == actionSave {
			return calibration.TriggerSave{}, nil
		}
		return calibration.AdjustParameters{Topic: req.Topic, Params: req.ManualParams}, nil

	case actionParam:
		var req paramRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if req.Topic == "" {
			return nil, errors.New("topic is required")
		}
		if req.Value == nil {
			return nil, errors.New("value is required")
		}
		f, err := calibration.ParseField(req.Field)
		if err != nil {
			return nil, err
		}
		return calibration.AdjustParameter{Topic: req.Topic, Field: f, Value: *req.Value}, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func commandName(cmd calibration.Command) string {
	switch cmd.(type) {
	case calibration.TriggerSave:
		return actionSave
	case calibration.SelectTopic:
		return actionTopic
	case calibration.AdjustParameters:
		return actionParams
	case calibration.AdjustParameter:
		return actionParam
	}
	return fmt.Sprintf("%T", cmd)
}
