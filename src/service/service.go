package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/mosaicnetworks/p2prelay/src/election"
	"github.com/mosaicnetworks/p2prelay/src/net"
	"github.com/sirupsen/logrus"
)

// Relay is what the service exposes.
type Relay interface {
	Snapshot() election.Snapshot
	CheckHealth() (net.Health, error)
	GetStats() map[string]string
}

// LeaderInfo is the body of /leader.
type LeaderInfo struct {
	SelfID             string         `json:"selfId"`
	LeaderID           string         `json:"leaderId"`
	IsLeader           bool           `json:"isLeader"`
	State              election.State `json:"state"`
	ElectionInProgress bool           `json:"electionInProgress"`
	Topic              string         `json:"topic"`
}

// Service serves the status of a relay over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	relay       Relay
	router      *mux.Router
	server      *http.Server
	logger      *logrus.Entry
}

// NewService creates a Service for relay. Serve must be called to start
// listening on bindAddress.
func NewService(bindAddress string, relay Relay, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		relay:       relay,
		router:      mux.NewRouter(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering relay API handlers")
	s.router.Path("/leader").Methods("GET").HandlerFunc(s.makeHandler(s.GetLeader))
	s.router.Path("/peers").Methods("GET").HandlerFunc(s.makeHandler(s.GetPeers))
	s.router.Path("/health").Methods("GET").HandlerFunc(s.makeHandler(s.GetHealth))
	s.router.Path("/stats").Methods("GET").HandlerFunc(s.makeHandler(s.GetStats))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the router of the service.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Serve calls ListenAndServe. This is a blocking call which returns when the
// server fails or Shutdown is called.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving relay API")

	s.Lock()
	s.server = &http.Server{
		Addr:    s.bindAddress,
		Handler: s.router,
	}
	server := s.server
	s.Unlock()

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Shutdown stops the http server.
func (s *Service) Shutdown() {
	s.Lock()
	server := s.server
	s.Unlock()

	if server == nil {
		return
	}

	if err := server.Shutdown(context.Background()); err != nil {
		s.logger.WithError(err).Error("Shutting down relay API")
	}
}

// GetLeader returns who this relay believes the leader is.
func (s *Service) GetLeader(w http.ResponseWriter, r *http.Request) {
	snap := s.relay.Snapshot()

	info := LeaderInfo{
		SelfID:             snap.SelfID,
		LeaderID:           snap.LeaderID,
		IsLeader:           snap.IsLeader,
		State:              snap.State,
		ElectionInProgress: snap.ElectionInProgress,
		Topic:              snap.Topic,
	}

	writeJSON(w, http.StatusOK, info)
}

// GetPeers returns the candidate peers learned from election traffic.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.relay.Snapshot().Peers
	if peers == nil {
		peers = []election.CandidatePeer{}
	}

	writeJSON(w, http.StatusOK, peers)
}

// GetHealth returns the health report of the relay. The status is 503 when
// the report contains errors.
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.relay.CheckHealth()
	if err != nil {
		s.logger.WithError(err).Error("Checking health")

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, health)
}

// GetStats returns the stats of the relay.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
