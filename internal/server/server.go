package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Deps are the pieces the HTTP surface is built from. Store, Widget and
// Devices are required; the rest may be nil to leave their routes out.
type Deps struct {
	Hub      *Hub
	Store    CallStore
	Widget   Widget
	Devices  Devices
	Controls *Controls
	Prompter *Prompter
	Metrics  http.Handler
	Logger   *slog.Logger
}

func Handler(d Deps) (http.Handler, error) {
	if d.Hub == nil || d.Store == nil || d.Widget == nil || d.Devices == nil {
		return nil, errors.New("server: hub, store, widget and devices are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	registerWSRoute(mux, d.Hub, logger)
	registerCallLogRoutes(mux, d.Store)
	registerCallRoutes(mux, d.Widget, d.Controls, d.Prompter)
	registerDeviceRoutes(mux, d.Devices)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	return mux, nil
}

// Serve runs the API on addr until ctx is cancelled, then drains open
// requests for up to five seconds.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errC := make(chan error, 1)
	go func() {
		logger.Info("server: listening", "addr", "http://"+addr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
