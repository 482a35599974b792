package wamp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"
)

// Server is the WAMP hub relays connect to. It routes publications between
// connected Transports and serves the meta API they use to discover each
// other.
type Server struct {
	address    string
	realm      string
	router     router.Router
	httpServer *http.Server
	tls        bool
	logger     *logrus.Entry
}

// NewServer instantiates a new Server which can be run at a specified address.
// If certFile and keyFile are not empty, the server only accepts TLS
// connections.
func NewServer(address string,
	realm string,
	certFile string,
	keyFile string,
	logger *logrus.Entry) (*Server, error) {

	routerConfig := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			{
				URI:           wamp.URI(realm),
				AnonymousAuth: true,
				AllowDisclose: true,
			},
		},
	}

	nxr, err := router.NewRouter(routerConfig, logger)
	if err != nil {
		return nil, err
	}

	wss := router.NewWebsocketServer(nxr)

	httpServer := &http.Server{
		Handler: wss,
		Addr:    address,
	}

	useTLS := certFile != "" || keyFile != ""

	if useTLS {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			nxr.Close()
			return nil, fmt.Errorf("error loading X509 key pair: %s", err)
		}
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	res := &Server{
		address:    address,
		realm:      realm,
		router:     nxr,
		httpServer: httpServer,
		tls:        useTLS,
		logger:     logger,
	}

	return res, nil
}

// Run starts the WebSocket server. It blocks until the server is shut down.
func (s *Server) Run() error {
	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"realm":   s.realm,
		"tls":     s.tls,
	}).Info("Serving WAMP hub")

	var err error
	if s.tls {
		// certificates are already loaded in the TLSConfig
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		err = s.httpServer.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("Run")
		return err
	}
	return nil
}

// Shutdown stops the WebSocket server, and the WAMP router
func (s *Server) Shutdown() {
	defer s.router.Close()

	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.WithError(err).Error("Shutting down http server")
	}
}

// Addr returns the address of the server
func (s *Server) Addr() string {
	return s.address
}

// Realm returns the WAMP realm served by the router
func (s *Server) Realm() string {
	return s.realm
}

// Router returns the underlying router, which in-process clients can connect
// to directly.
func (s *Server) Router() router.Router {
	return s.router
}
