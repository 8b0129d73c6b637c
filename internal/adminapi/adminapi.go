// Package adminapi implements the read-only/administrative HTTP surface
// SPEC_FULL.md §12 adds over the Agent facade: list/get applications and a
// sync trigger, for an operator who doesn't want to embed the Go API. An
// httprouter.Router is wrapped in a plain http.Server, wired as a
// job.Process-spawned worker with the same Run/WaitReady/Shutdown shape
// every other background component in this module exposes.
package adminapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/alljoyn/core-securitymgr/internal/job"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/logger"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

// Facade is the narrow slice of the agent facade this surface depends on.
type Facade interface {
	GetApplication(pubKey model.PublicKey) (model.OnlineApplication, error)
	GetApplications(filter model.ClaimState) []model.OnlineApplication
	SyncWithApplications(ctx context.Context, apps []model.PublicKey) error
}

// appView is the JSON shape returned for one application.
type appView struct {
	PublicKey  string `json:"public_key"`
	BusName    string `json:"bus_name"`
	ClaimState string `json:"claim_state"`
}

func toView(app model.OnlineApplication) appView {
	return appView{
		PublicKey:  hex.EncodeToString(app.PublicKey[:]),
		BusName:    app.BusName,
		ClaimState: app.ClaimState.String(),
	}
}

// Server is the admin HTTP surface. Satisfies testutil.Suite's Runnable.
type Server struct {
	addr   string
	facade Facade

	mu         sync.Mutex
	listenAddr string

	process *job.Process
	ready   *job.Readiness
	result  job.FutureResult
	srv     *http.Server
}

// New builds a Server listening on addr (e.g. "127.0.0.1:8443") once Run
// is called.
func New(addr string, facade Facade) *Server {
	s := &Server{addr: addr, facade: facade, result: job.NewFutureResult()}

	router := httprouter.New()
	router.GET("/apps", s.listApps)
	router.GET("/apps/:pubkey", s.getApp)
	router.POST("/sync", s.sync)
	s.srv = &http.Server{Handler: router}
	return s
}

// Run implements the package's Runnable shape: binds the listener, signals
// readiness, serves until the process is stopped, then shuts the HTTP
// server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	process := job.NewProcess(ctx)
	ready := &job.Readiness{}
	s.process, s.ready = process, ready

	process.SpawnFunc(s.serve, job.Critical(true), job.WithReadiness(ready), job.WithResult(s.result))

	<-process.Done()
	return nil
}

func (s *Server) serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	s.listenAddr = lis.Addr().String()
	s.mu.Unlock()

	job.SetReady(ctx, true)
	stopped := job.Stopped(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(lis) }()

	select {
	case <-stopped:
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logger.Get(ctx).WithError(err).Warn("admin api shutdown")
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return trace.Wrap(err)
	}
}

// Addr returns the bound listener's actual address, valid once WaitReady
// has returned true. Useful when addr was "host:0" and the OS picked the
// port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// WaitReady reports once the listener is bound and serving.
func (s *Server) WaitReady(ctx context.Context) (bool, error) {
	if s.ready == nil {
		return false, trace.BadParameter("admin api has not been started")
	}
	return s.ready.WaitReady(ctx)
}

// Err returns the server's terminal error, if any.
func (s *Server) Err() error {
	return s.result.Err()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.process == nil {
		return nil
	}
	return s.process.Shutdown(ctx)
}

// Close stops the server immediately, satisfying procutil.Terminable for
// callers (cmd/securitymgrd) that compose this server alongside other
// Terminable components.
func (s *Server) Close() {
	if s.process != nil {
		s.process.Close()
	}
}

func (s *Server) listApps(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	apps := s.facade.GetApplications(model.ClaimStateUnknown)
	views := make([]appView, 0, len(apps))
	for _, app := range apps {
		views = append(views, toView(app))
	}
	writeJSON(rw, http.StatusOK, views)
}

func (s *Server) getApp(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pub, err := parsePublicKey(ps.ByName("pubkey"))
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}

	app, err := s.facade.GetApplication(pub)
	if kinderr.Is(err, kinderr.UnknownApplication) {
		writeError(rw, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, toView(app))
}

type syncRequest struct {
	Apps []string `json:"apps"`
}

func (s *Server) sync(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, http.StatusBadRequest, trace.Wrap(err))
			return
		}
	}

	var targets []model.PublicKey
	for _, hexKey := range req.Apps {
		pub, err := parsePublicKey(hexKey)
		if err != nil {
			writeError(rw, http.StatusBadRequest, err)
			return
		}
		targets = append(targets, pub)
	}

	if err := s.facade.SyncWithApplications(r.Context(), targets); err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

func parsePublicKey(hexKey string) (model.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return model.PublicKey{}, trace.BadParameter("invalid public key encoding: %v", err)
	}
	var pub model.PublicKey
	if len(raw) != len(pub) {
		return model.PublicKey{}, trace.BadParameter("public key must be %d bytes, got %d", len(pub), len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, map[string]string{"error": err.Error()})
}
