package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/p1"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

type unitRegistry interface {
	Inbound(ev model.PushEvent) (model.InboundResponse, error)
	Probe(ctx context.Context, host string, port int) (*units.Unit, error)
	Get(mac string) (*units.Unit, bool)
	All() []*units.Unit
	ListOnline() []*units.Unit
	ListUnregistered() []*units.Unit
	Subscribe(o units.Observer) func()
}

type propertyStore interface {
	GetLatestProperties(ctx context.Context) (model.Properties, error)
	GetProperties(ctx context.Context, identifier, slug string, from, to *time.Time) (model.Properties, error)
}

// Meter is a P1 meter exposed on /meters.
type Meter interface {
	Device() model.Device
	Info() p1.Info
}

type server struct {
	registry unitRegistry
	store    propertyStore
	meters   func() []Meter
	logger   *zap.Logger
}

type Option func(*server)

// WithStore exposes stored readings.
func WithStore(store propertyStore) Option {
	return func(s *server) {
		s.store = store
	}
}

// WithMeters lists the meters on every request, meters attach while the
// service runs.
func WithMeters(list func() []Meter) Option {
	return func(s *server) {
		s.meters = list
	}
}

func New(registry unitRegistry, opts ...Option) *server {
	s := &server{registry: registry, logger: zap.L()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler routes the API and wraps it in the logging middleware.
func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.GetInbound)
	mux.HandleFunc("GET /units", s.GetUnits)
	mux.HandleFunc("GET /units/unregistered", s.GetUnregistered)
	mux.HandleFunc("GET /units/{mac}", s.GetUnit)
	mux.HandleFunc("GET /units/{mac}/tasks", s.GetUnitTasks)
	mux.HandleFunc("POST /units/{mac}/refresh", s.PostUnitRefresh)
	mux.HandleFunc("PUT /units/{mac}/poll-interval", s.PutPollInterval)
	mux.HandleFunc("POST /units/{mac}/control", s.PostControl)
	mux.HandleFunc("PUT /units/{mac}/gpio/{id}", s.PutGPIO)
	mux.HandleFunc("POST /units/probe", s.PostProbe)
	mux.HandleFunc("GET /meters", s.GetMeters)
	mux.HandleFunc("GET /ws/events", s.GetEvents)
	if s.store != nil {
		mux.HandleFunc("GET /properties/latest", s.GetLatestProperties)
		mux.HandleFunc("GET /properties/{identifier}/{slug}", s.GetProperties)
	}
	return LoggingMiddleware(mux)
}

// GetInbound receives values pushed by the firmware.
func (s *server) GetInbound(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := s.registry.Inbound(model.PushEvent{
		MAC:   q.Get("m"),
		IP:    q.Get("i"),
		IDX:   q.Get("x"),
		Task:  q.Get("t"),
		Key:   q.Get("k"),
		Value: q.Get("v"),
	})
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

type unitView struct {
	MAC                 string    `json:"mac"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	IP                  string    `json:"ip"`
	Name                string    `json:"name"`
	IDX                 int       `json:"idx"`
	State               string    `json:"state"`
	OfflineReason       string    `json:"offline_reason,omitempty"`
	StaticIP            bool      `json:"static_ip"`
	Registered          bool      `json:"registered"`
	LastEvent           time.Time `json:"last_event"`
	EventCount          int       `json:"event_count"`
	ConsecutiveTimeouts int       `json:"consecutive_timeouts"`
	PollInterval        string    `json:"poll_interval"`
}

func viewOf(u *units.Unit) unitView {
	return unitView{
		MAC:                 u.MAC(),
		Host:                u.Host(),
		Port:                u.Port(),
		IP:                  u.IP(),
		Name:                u.Name(),
		IDX:                 u.IDX(),
		State:               u.State().String(),
		OfflineReason:       u.OfflineReason(),
		StaticIP:            u.HasStaticIP(),
		Registered:          u.IsRegistered(),
		LastEvent:           u.LastEvent(),
		EventCount:          u.EventCount(),
		ConsecutiveTimeouts: u.ConsecutiveTimeouts(),
		PollInterval:        u.PollInterval().String(),
	}
}

func (s *server) GetUnits(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	views := make([]unitView, 0, len(all))
	for _, u := range all {
		views = append(views, viewOf(u))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetUnregistered lists the online units without devices, the candidates
// for pairing.
func (s *server) GetUnregistered(w http.ResponseWriter, r *http.Request) {
	if len(s.registry.ListOnline()) == 0 {
		handleError(w, model.ErrNoOnlineUnits)
		return
	}
	candidates := s.registry.ListUnregistered()
	views := make([]unitView, 0, len(candidates))
	for _, u := range candidates {
		views = append(views, viewOf(u))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) unit(w http.ResponseWriter, r *http.Request) (*units.Unit, bool) {
	u, ok := s.registry.Get(r.PathValue("mac"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unit %s not found", r.PathValue("mac"))})
		return nil, false
	}
	return u, true
}

func (s *server) GetUnit(w http.ResponseWriter, r *http.Request) {
	if u, ok := s.unit(w, r); ok {
		writeJSON(w, http.StatusOK, viewOf(u))
	}
}

func (s *server) GetUnitTasks(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	tasks := u.Tasks()
	if tasks == nil {
		tasks = []units.ResolvedTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *server) PostUnitRefresh(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	if _, err := u.UpdateJSON(r.Context()); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

type pollIntervalRequest struct {
	Interval string `json:"interval"`
}

func (s *server) PutPollInterval(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	req, err := unmarshalPayload[pollIntervalRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := u.SetPollInterval(req.Interval); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("poll interval changed", zap.String("mac", u.MAC()), zap.String("interval", req.Interval))
	writeJSON(w, http.StatusOK, viewOf(u))
}

func (s *server) PostControl(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	cmd := strings.TrimSpace(r.URL.Query().Get("cmd"))
	if cmd == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cmd parameter cannot be empty"})
		return
	}
	reply, err := u.SendCommand(r.Context(), strings.Split(cmd, ",")...)
	if err != nil {
		handleError(w, err)
		return
	}
	if reply == nil {
		reply = map[string]any{}
	}
	writeJSON(w, http.StatusOK, reply)
}

type gpioResponse struct {
	ID      string              `json:"id"`
	Command model.OutputCommand `json:"command"`
}

// PutGPIO drives an attached output with the command in the body.
func (s *server) PutGPIO(w http.ResponseWriter, r *http.Request) {
	u, ok := s.unit(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	g, ok := u.GPIO(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no output %s on unit %s", id, u.MAC())})
		return
	}
	cmd, err := unmarshalPayload[model.OutputCommand](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := g.Control(r.Context(), *cmd); err != nil {
		handleError(w, err)
		return
	}
	s.logger.Info("output driven", zap.String("mac", u.MAC()), zap.String("gpio", id))
	writeJSON(w, http.StatusOK, gpioResponse{ID: id, Command: *cmd})
}

type probeRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// PostProbe pairs a unit by host, waiting for its first status document.
func (s *server) PostProbe(w http.ResponseWriter, r *http.Request) {
	req, err := unmarshalPayload[probeRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Port == 0 {
		req.Port = 80
	}
	u, err := s.registry.Probe(r.Context(), req.Host, req.Port)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

type meterView struct {
	Device model.Device `json:"device"`
	Info   p1.Info      `json:"info"`
}

func (s *server) GetMeters(w http.ResponseWriter, r *http.Request) {
	var meters []Meter
	if s.meters != nil {
		meters = s.meters()
	}
	views := make([]meterView, 0, len(meters))
	for _, m := range meters {
		views = append(views, meterView{Device: m.Device(), Info: m.Info()})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) GetLatestProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.store.GetLatestProperties(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(props))
}

func (s *server) GetProperties(w http.ResponseWriter, r *http.Request) {
	var from, to *time.Time
	for name, dst := range map[string]**time.Time{"from": &from, "to": &to} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid %s: %v", name, err)})
			return
		}
		*dst = &t
	}
	props, err := s.store.GetProperties(r.Context(), r.PathValue("identifier"), r.PathValue("slug"), from, to)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(props))
}

func nonNil(props model.Properties) model.Properties {
	if props == nil {
		return model.Properties{}
	}
	return props
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// handleError maps domain errors to a status code. Failures talking to a
// unit are reported as a bad gateway.
func handleError(w http.ResponseWriter, err error) {
	var (
		cerr *model.ConnectivityError
		perr *model.ProtocolError
		gerr *model.ConfigurationError
	)
	switch {
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Reason: cerr.Reason.Message()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Reason: model.ReasonInvalidResponse.Message()})
	case errors.As(err, &gerr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: gerr.Msg})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("failed to write response", zap.Error(err))
	}
}

func unmarshalPayload[T any](r *http.Request) (*T, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
