// Package httpapi is the ops HTTP surface: health probes, Prometheus
// metrics, and JSON endpoints mirroring the facade operations for
// debugging and integration checks.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/facade"
)

// Server wraps the mux router and the facade.
type Server struct {
	facade *facade.Facade
	log    zerolog.Logger
	http   *http.Server
}

// New builds the server on addr.
func New(addr string, f *facade.Facade, logger zerolog.Logger) *Server {
	s := &Server{
		facade: f,
		log:    logger.With().Str("component", "httpapi").Logger(),
	}

	r := mux.NewRouter()
	r.Use(s.requestID)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/book/{symbol}/metrics", s.handleBookMetrics).Methods(http.MethodGet)
	r.HandleFunc("/v1/book/{symbol}/depth", s.handleBookDepth).Methods(http.MethodGet)
	r.HandleFunc("/v1/book/{symbol}/health", s.handleBookHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/analytics/{symbol}/order-flow", s.handleOrderFlow).Methods(http.MethodGet)
	r.HandleFunc("/v1/analytics/{symbol}/volume-profile", s.handleVolumeProfile).Methods(http.MethodGet)
	r.HandleFunc("/v1/analytics/{symbol}/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/v1/analytics/{symbol}/liquidity-vacuums", s.handleVacuums).Methods(http.MethodGet)
	r.HandleFunc("/v1/analytics/{symbol}/health-score", s.handleHealthScore).Methods(http.MethodGet)
	r.HandleFunc("/v1/analytics/{symbol}/absorptions", s.handleAbsorptions).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx ends, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.http.Addr).Msg("ops server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res, err := s.facade.BookHealth(r.Context(), "")
	s.respond(w, res, err)
}

func (s *Server) handleBookHealth(w http.ResponseWriter, r *http.Request) {
	res, err := s.facade.BookHealth(r.Context(), mux.Vars(r)["symbol"])
	s.respond(w, res, err)
}

func (s *Server) handleBookMetrics(w http.ResponseWriter, r *http.Request) {
	args := facade.BookMetricsArgs{Symbol: mux.Vars(r)["symbol"]}
	for _, raw := range r.URL.Query()["size"] {
		size, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.respond(w, nil, errs.Validation("size %q is not a number", raw))
			return
		}
		args.NotionalSizes = append(args.NotionalSizes, size)
	}
	res, err := s.facade.BookMetrics(r.Context(), args)
	s.respond(w, res, err)
}

func (s *Server) handleBookDepth(w http.ResponseWriter, r *http.Request) {
	args := facade.BookDepthArgs{Symbol: mux.Vars(r)["symbol"]}
	if raw := r.URL.Query().Get("levels"); raw != "" {
		levels, err := strconv.Atoi(raw)
		if err != nil {
			s.respond(w, nil, errs.Validation("levels %q is not an integer", raw))
			return
		}
		args.Levels = &levels
	}
	res, err := s.facade.BookDepth(r.Context(), args)
	s.respond(w, res, err)
}

func (s *Server) handleOrderFlow(w http.ResponseWriter, r *http.Request) {
	window, err := intQuery(r, "window_secs", 60)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	res, ferr := s.facade.OrderFlow(r.Context(), facade.OrderFlowArgs{
		Symbol:     mux.Vars(r)["symbol"],
		WindowSecs: window,
	})
	s.respond(w, res, ferr)
}

func (s *Server) handleVolumeProfile(w http.ResponseWriter, r *http.Request) {
	res, err := s.facade.VolumeProfile(r.Context(), facade.VolumeProfileArgs{
		Symbol: mux.Vars(r)["symbol"],
		Start:  r.URL.Query().Get("start"),
		End:    r.URL.Query().Get("end"),
	})
	s.respond(w, res, err)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	lookback, err := intQuery(r, "lookback_secs", 60)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	res, ferr := s.facade.Anomalies(r.Context(), facade.AnomaliesArgs{
		Symbol:       mux.Vars(r)["symbol"],
		LookbackSecs: lookback,
	})
	s.respond(w, res, ferr)
}

func (s *Server) handleVacuums(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "hours", 24)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	res, ferr := s.facade.LiquidityVacuums(r.Context(), facade.LiquidityVacuumsArgs{
		Symbol: mux.Vars(r)["symbol"],
		Hours:  hours,
	})
	s.respond(w, res, ferr)
}

func (s *Server) handleHealthScore(w http.ResponseWriter, r *http.Request) {
	res, err := s.facade.HealthScore(r.Context(), mux.Vars(r)["symbol"])
	s.respond(w, res, err)
}

func (s *Server) handleAbsorptions(w http.ResponseWriter, r *http.Request) {
	lookback, err := intQuery(r, "lookback_secs", 300)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	res, ferr := s.facade.Absorptions(r.Context(), facade.AnomaliesArgs{
		Symbol:       mux.Vars(r)["symbol"],
		LookbackSecs: lookback,
	})
	s.respond(w, res, ferr)
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation("%s %q is not an integer", name, raw)
	}
	return v, nil
}

func (s *Server) respond(w http.ResponseWriter, result any, err error) {
	if err != nil {
		e := errs.AsError(err)
		writeJSON(w, statusOf(e.Code), map[string]any{"error": e})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func statusOf(code errs.Code) int {
	switch code {
	case errs.CodeValidation, errs.CodeSymbolInvalid, errs.CodeRangeTooLarge:
		return http.StatusBadRequest
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeCapacityExhausted:
		return http.StatusServiceUnavailable
	case errs.CodeUnavailable:
		return http.StatusBadGateway
	case errs.CodeInsufficientData:
		return http.StatusUnprocessableEntity
	case errs.CodeCredentialsMissing:
		return http.StatusUnauthorized
	case errs.CodeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
