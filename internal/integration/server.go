package integration

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telemetryfabric/internal/registry"
	"telemetryfabric/internal/security"
)

// Server exposes the Broker's operations as HTTP+JSON (spec.md §6's
// "transport for this surface is chosen by the implementer"), plus a /ws
// endpoint pushing device_updated/command_response registry events to
// connected engineering tools.
//
// Grounded on grimm-is-flywall's internal/api handler layout
// (RegisterRoutes(*mux.Router), HandleFunc(...).Methods(...)) for the
// HTTP surface, and the teacher's go-gateway/internal/gateway/server.go
// broadcastTagUpdate/wsUpgrader for the websocket push (a sync.Map of open
// connections, written to by WriteJSON, pruned on write error).
type Server struct {
	broker *Broker
	reg    *registry.Registry
	auth   *security.UserStore
	logger *zap.Logger

	upgrader websocket.Upgrader
	wsConns  sync.Map // map[*websocket.Conn]struct{}
}

// NewServer builds a Server. auth may be nil to disable Basic Auth
// (internal/security.UserStore.Middleware's development-mode escape
// hatch).
func NewServer(broker *Broker, reg *registry.Registry, auth *security.UserStore, logger *zap.Logger) *Server {
	return &Server{
		broker: broker,
		reg:    reg,
		auth:   auth,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the mux.Router serving this broker's external surface.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler { return s.auth.Middleware(next) })

	api.HandleFunc("/devices", s.handleDiscover).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/parameters", s.handleGetParameters).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/parameters", s.handleSetParameters).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/configuration", s.handleGetConfiguration).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/commands/{verb}", s.handleSendCommand).Methods(http.MethodPost)
	api.HandleFunc("/device-types/{type}/writable-parameters", s.handleWritableParameters).Methods(http.MethodGet)

	router.HandleFunc("/ws", s.handleWebSocket)
	return router
}

// Run subscribes to registry events and pushes them to every open
// websocket connection until the subscription is cancelled by the caller
// (stop via the returned func).
func (s *Server) Run() func() {
	ch, cancel := s.reg.SubscribeEvents(registry.Filter{
		Types: []registry.EventType{registry.EventUpdated, registry.EventCommandResp},
	})
	go func() {
		for ev := range ch {
			s.broadcast(ev)
		}
	}()
	return cancel
}

func (s *Server) broadcast(ev registry.Event) {
	message := map[string]interface{}{"type": string(ev.Type), "device_id": ev.DeviceID, "event": ev}
	s.wsConns.Range(func(key, _ interface{}) bool {
		conn := key.(*websocket.Conn)
		if err := conn.WriteJSON(message); err != nil {
			s.wsConns.Delete(conn)
			conn.Close()
		}
		return true
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.wsConns.Store(conn, struct{}{})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.broker.DiscoverDevices())
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.broker.GetDeviceParameters(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var params map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	result, err := s.broker.SetDeviceParameters(r.Context(), id, params)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.broker.GetDeviceConfiguration(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, verb := vars["id"], vars["verb"]
	var params map[string]interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	result, err := s.broker.SendDeviceCommand(r.Context(), id, verb, params)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleWritableParameters(w http.ResponseWriter, r *http.Request) {
	deviceType := mux.Vars(r)["type"]
	wp, err := s.broker.ParseDescriptionWritableParameters(deviceType)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wp)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps this package's sentinel/typed errors to the status
// codes spec.md §4.11 implies (NotFound/AdapterUnavailable/InvalidParam).
func respondError(w http.ResponseWriter, err error) {
	var invalid *InvalidParamError
	switch {
	case asInvalidParam(err, &invalid):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_param", "name": invalid.Name, "reason": invalid.Reason})
	case err == ErrNotFound:
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case err == ErrAdapterUnavailable:
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "adapter_unavailable"})
	case err == ErrCommandTimeout:
		respondJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "timeout"})
	default:
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "detail": err.Error()})
	}
}

func asInvalidParam(err error, target **InvalidParamError) bool {
	if e, ok := err.(*InvalidParamError); ok {
		*target = e
		return true
	}
	return false
}
