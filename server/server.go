// Package server exposes an experiment Manager over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/labauto/experiment"
	"github.com/nasa-jpl/labauto/manager"
	"github.com/nasa-jpl/labauto/param"
	"github.com/nasa-jpl/labauto/server/middleware/locker"
	"github.com/nasa-jpl/labauto/task"
)

// ErrUnknownProcedure is generated when a request names a procedure not in
// the Catalog
var ErrUnknownProcedure = errors.New("unknown procedure")

// Route is an HTTP method and a path
type Route struct {
	Method string
	Path   string
}

func (r Route) String() string {
	return r.Method + " " + r.Path
}

// RouteTable maps routes to their handlers
type RouteTable map[Route]http.HandlerFunc

// Endpoints lists the routes in a RouteTable, sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.String())
	}
	sort.Strings(routes)
	return routes
}

// Bind registers every route on r
func (rt RouteTable) Bind(r chi.Router) {
	for route, fcn := range rt {
		r.MethodFunc(route.Method, route.Path, fcn)
	}
}

// Factory returns a fresh Procedure
type Factory func() experiment.Procedure

// Catalog maps procedure names to their factories
type Catalog map[string]Factory

// Names lists the procedures in the catalog, sorted
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Server serves a Manager's queue
type Server struct {
	mgr      *manager.Manager
	loop     *task.Loop
	catalog  Catalog
	gatherer prometheus.Gatherer
	lock     *locker.Locker
	opts     []experiment.Option

	nextID int64
}

// Option configures a Server
type Option func(*Server)

// WithGatherer serves g at /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithExperimentOptions are passed to experiment.New for every experiment the
// server creates
func WithExperimentOptions(opts ...experiment.Option) Option {
	return func(s *Server) { s.opts = append(s.opts, opts...) }
}

// New creates a Server.  loop is the loop experiments are created on.
func New(mgr *manager.Manager, loop *task.Loop, catalog Catalog, opts ...Option) *Server {
	s := &Server{mgr: mgr, loop: loop, catalog: catalog, lock: locker.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RT returns the server's route table
func (s *Server) RT() RouteTable {
	rt := RouteTable{
		{http.MethodGet, "/queue"}:         s.getQueue,
		{http.MethodPost, "/queue"}:        s.postQueue,
		{http.MethodDelete, "/queue/{id}"}: s.deleteQueue,
		{http.MethodPost, "/swap"}:         s.swap,
		{http.MethodPost, "/next"}:         s.next,
		{http.MethodPost, "/abort"}:        s.abort,
		{http.MethodGet, "/running"}:       s.running,
		{http.MethodGet, "/procedures"}:    s.procedures,
		{http.MethodGet, "/continuous"}:    GetBool(s.mgr.IsContinuous),
		{http.MethodPost, "/continuous"}:   SetBool(s.mgr.SetContinuous),
		{http.MethodGet, "/start-on-add"}:  GetBool(s.mgr.ShouldStartOnAdd),
		{http.MethodPost, "/start-on-add"}: SetBool(s.mgr.SetStartOnAdd),
		{http.MethodGet, "/lock"}:          GetBool(s.lock.Locked),
		{http.MethodPost, "/lock"}:         SetBool(s.lock.Set),
	}
	if s.gatherer != nil {
		rt[Route{http.MethodGet, "/metrics"}] = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP
	}
	return rt
}

// Handler builds the chi router.  GET /routes lists every route.
func (s *Server) Handler() chi.Router {
	rt := s.RT()
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(s.lock.Check)
	rt.Bind(r)
	list := append(rt.Endpoints(), Route{http.MethodGet, "/routes"}.String())
	sort.Strings(list)
	r.Get("/routes", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, list)
	})
	return r
}

// View is the JSON form of an experiment
type View struct {
	ID         int                    `json:"id"`
	Name       string                 `json:"name"`
	State      string                 `json:"state"`
	Parameters map[string]interface{} `json:"parameters"`
	Units      map[string]string      `json:"units,omitempty"`
}

// NewView summarizes e
func NewView(e *experiment.Experiment) View {
	v := View{
		ID:         e.ID(),
		Name:       e.Name(),
		State:      e.State().String(),
		Parameters: map[string]interface{}{},
	}
	for _, p := range e.Parameters() {
		v.Parameters[p.Name] = p.Get()
		if p.Unit != "" {
			if v.Units == nil {
				v.Units = map[string]string{}
			}
			v.Units[p.Name] = p.Unit
		}
	}
	return v
}

// Request is the body of POST /queue
type Request struct {
	Procedure  string                 `json:"procedure"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// bindings converts decoded JSON to parameter values.  Numbers become int or
// float64 by the same inference the data files use; parameters the request
// leaves out take their declared default.
func bindings(decl []*param.Parameter, raw map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(decl))
	for _, p := range decl {
		if p.IsSet() {
			out[p.Name] = p.Get()
		}
	}
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			cast, err := param.Cast(n.String())
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", k, err)
			}
			if _, isString := cast.(string); isString {
				// signed or otherwise unusual literal
				f, err := n.Float64()
				if err != nil {
					return nil, fmt.Errorf("parameter %q: %w", k, err)
				}
				cast = f
			}
			v = cast
		}
		out[k] = v
	}
	return out, nil
}

// Create builds an experiment from a request, assigning it the next ID
func (s *Server) Create(req Request) (*experiment.Experiment, error) {
	factory, ok := s.catalog[req.Procedure]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProcedure, req.Procedure)
	}
	proc := factory()
	bound, err := bindings(proc.Parameters(), req.Parameters)
	if err != nil {
		return nil, err
	}
	opts := s.opts
	if req.Name != "" {
		opts = append(append([]experiment.Option(nil), opts...), experiment.WithName(req.Name))
	}
	id := int(atomic.AddInt64(&s.nextID, 1))
	return experiment.New(id, proc, bound, s.loop, opts...)
}

// status maps manager errors to HTTP status codes
func status(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrRunning),
		errors.Is(err, manager.ErrAlreadyRunning),
		errors.Is(err, manager.ErrNotRunning),
		errors.Is(err, manager.ErrEmptyQueue),
		errors.Is(err, manager.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	q := s.mgr.Queue()
	views := make([]View, len(q))
	for i, e := range q {
		views[i] = NewView(e)
	}
	WriteJSON(w, http.StatusOK, views)
}

func (s *Server) postQueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	req := Request{}
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.Create(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, err := s.mgr.Add(e)
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	WriteJSON(w, http.StatusCreated, struct {
		ID      int  `json:"id"`
		Started bool `json:"started"`
	}{e.ID(), f != nil})
}

func (s *Server) deleteQueue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.mgr.Remove(id); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ids := struct {
		ID1 int `json:"id1"`
		ID2 int `json:"id2"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.mgr.Swap(ids.ID1, ids.ID2); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) next(w http.ResponseWriter, r *http.Request) {
	if _, err := s.mgr.Next(); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	e := s.mgr.Running()
	if e == nil {
		// already finished
		w.WriteHeader(http.StatusOK)
		return
	}
	hp := HumanPayload{T: types.Int, Int: e.ID()}
	hp.EncodeAndRespond(w, r)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Abort(); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) running(w http.ResponseWriter, r *http.Request) {
	e := s.mgr.Running()
	if e == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, NewView(e))
}

func (s *Server) procedures(w http.ResponseWriter, r *http.Request) {
	out := map[string][]string{}
	for _, name := range s.catalog.Names() {
		decl := s.catalog[name]().Parameters()
		strs := make([]string, len(decl))
		for i, p := range decl {
			strs[i] = p.String()
		}
		out[name] = strs
	}
	WriteJSON(w, http.StatusOK, out)
}
