package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/relabs-tech/gps_remote/internal/config"
)

// serve runs handler on WEB_SERVER_PORT until Ctrl+C/SIGTERM or a server
// error, then shuts the server down and calls cleanup.
func serve(cfg *config.Config, name string, handler http.Handler, cleanup func()) error {
	ctx, stop := signalContext()
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("%s: web server listening on %s", name, srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		log.Printf("%s: shutting down", name)
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Printf("%s: web server shutdown: %v", name, serr)
	}

	cleanup()
	return err
}
