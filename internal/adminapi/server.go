// Package adminapi exposes a minimal JSON-over-HTTP control surface for
// the mesh daemon: peer status, connect/disconnect, and unicast/ping
// writes. It replaces the connect-rpc control plane the teacher daemon
// uses, since this repository has no compiled protobuf service to talk
// to (see DESIGN.md).
package adminapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/LightningTH/itero/internal/mesh"
)

// MeshAPI is the subset of *mesh.Mesh the admin surface drives. Declaring
// it as an interface keeps this package testable without a real
// transport or persistence layer behind the Mesh it serves.
type MeshAPI interface {
	GetMAC() mesh.MAC
	IsDeviceKnown(mac mesh.MAC) bool
	ConnectedDevices() []mesh.MAC
	Connect(mac mesh.MAC) error
	Disconnect(mac mesh.MAC) error
	ForceDisconnect(mac mesh.MAC) error
	Write(mac mesh.MAC, data []byte) error
	Ping() error
	ResetConnectionData() error
}

// Server serves the admin HTTP API.
type Server struct {
	mesh   MeshAPI
	logger *slog.Logger
	mux    *http.ServeMux
}

// New constructs a Server wired to m. Call Handler to obtain the
// http.Handler to serve.
func New(m MeshAPI, logger *slog.Logger) *Server {
	s := &Server{mesh: m, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /force-disconnect", s.handleForceDisconnect)
	mux.HandleFunc("POST /write", s.handleWrite)
	mux.HandleFunc("POST /ping", s.handlePing)
	mux.HandleFunc("POST /reset", s.handleReset)
	s.mux = mux
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type statusResponse struct {
	MAC string `json:"mac"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{MAC: s.mesh.GetMAC().String()})
}

type devicesResponse struct {
	Connected []string `json:"connected"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs := s.mesh.ConnectedDevices()
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.String())
	}
	writeJSON(w, http.StatusOK, devicesResponse{Connected: out})
}

type macRequest struct {
	MAC string `json:"mac"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	mac, ok := decodeMAC(w, r)
	if !ok {
		return
	}
	if err := s.mesh.Connect(mac); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	mac, ok := decodeMAC(w, r)
	if !ok {
		return
	}
	if err := s.mesh.Disconnect(mac); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	mac, ok := decodeMAC(w, r)
	if !ok {
		return
	}
	if err := s.mesh.ForceDisconnect(mac); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type writeRequest struct {
	MAC  string `json:"mac"`
	Data string `json:"data"` // base64-encoded payload
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mac, err := mesh.ParseMAC(req.MAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode data: %w", err))
		return
	}
	if err := s.mesh.Write(mac, data); err != nil {
		status := http.StatusConflict
		if errors.Is(err, mesh.ErrDeviceDoesNotExist) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := s.mesh.Ping(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.mesh.ResetConnectionData(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeMAC(w http.ResponseWriter, r *http.Request) (mesh.MAC, bool) {
	var req macRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return mesh.MAC{}, false
	}
	mac, err := mesh.ParseMAC(req.MAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return mesh.MAC{}, false
	}
	return mac, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
