package main

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/SajanLamichhane/chunkflow/build"
	"github.com/SajanLamichhane/chunkflow/persist"
	"github.com/SajanLamichhane/chunkflow/server/api"
	"github.com/SajanLamichhane/chunkflow/server/service"
	"github.com/SajanLamichhane/chunkflow/server/storage"
)

// Config holds the daemon's flag-derived startup parameters, bundled
// before NewServer consumes them.
type Config struct {
	APIAddr    string
	BlobDir    string
	MetadataDB string
	LogFile    string
	BaseURL    string
}

// Server wraps an http.Server bound to a listener, plus the resources that
// must be closed in reverse dependency order when the daemon stops.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	closers    []namedCloser
	logger     *persist.Logger
}

type namedCloser struct {
	name string
	fn   func() error
}

// NewServer opens the blob/metadata stores, builds the service and API
// layers on top of them, and binds a listener on cfg.APIAddr. No
// requests are served until Serve is called.
func NewServer(cfg Config) (*Server, error) {
	logger, err := persist.NewLogger(cfg.LogFile)
	if err != nil {
		return nil, err
	}

	blobs, err := storage.NewFSBlobStore(cfg.BlobDir)
	if err != nil {
		logger.Close()
		return nil, err
	}
	metadata, err := storage.NewBoltMetadataStore(cfg.MetadataDB)
	if err != nil {
		logger.Close()
		return nil, err
	}

	svc := service.New(blobs, metadata, service.Config{BaseURL: cfg.BaseURL})
	a := api.New(svc)

	l, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		metadata.Close()
		logger.Close()
		return nil, err
	}

	srv := &Server{
		listener: l,
		logger:   logger,
		httpServer: &http.Server{
			Handler:           a.Handler,
			ReadTimeout:       5 * time.Minute,
			ReadHeaderTimeout: 2 * time.Minute,
			IdleTimeout:       5 * time.Minute,
		},
		closers: []namedCloser{
			{"metadata store", metadata.Close},
			{"logger", logger.Close},
		},
	}
	logger.Printf("listening on %s", l.Addr())
	return srv, nil
}

// Serve blocks, serving requests until Close is called on another
// goroutine (which closes the listener) or an unrecoverable error occurs.
func (srv *Server) Serve() error {
	err := srv.httpServer.Serve(srv.listener)
	if err != nil && !strings.HasSuffix(err.Error(), "use of closed network connection") {
		return err
	}
	return nil
}

// Close closes the listener, then every registered resource in reverse
// registration order, collecting every error encountered along the way.
func (srv *Server) Close() error {
	var errs []error
	if err := srv.listener.Close(); err != nil {
		errs = append(errs, err)
	}
	for i := len(srv.closers) - 1; i >= 0; i-- {
		c := srv.closers[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return build.JoinErrors(errs, "\n")
}
