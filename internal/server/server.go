package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"loom/internal/capability"
	"loom/internal/ledger"
	"loom/internal/trust"
)

// Mode is the visibility scope of the serving endpoint.
type Mode string

const (
	ModePrivate      Mode = "private"
	ModeLocalNetwork Mode = "local-network"
	ModeInternet     Mode = "internet"
)

// State is the server lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateAutoStopping State = "auto_stopping"
)

// Config is the operator-controlled serving policy.
type Config struct {
	IsEnabled                       bool          `json:"isEnabled" yaml:"isEnabled"`
	Mode                            Mode          `json:"mode" yaml:"mode"`
	ListenPort                      int           `json:"listenPort" yaml:"listenPort"`
	PricePerRequest                 int64         `json:"pricePerRequest" yaml:"pricePerRequest"`
	MaxConcurrentRequests           int           `json:"maxConcurrentRequests" yaml:"maxConcurrentRequests"`
	AutoStartWhenCharging           bool          `json:"autoStartWhenCharging" yaml:"autoStartWhenCharging"`
	AutoStopBatteryThresholdPercent int           `json:"autoStopBatteryThresholdPercent" yaml:"autoStopBatteryThresholdPercent"`
	AllowInternetConnections        bool          `json:"allowInternetConnections" yaml:"allowInternetConnections"`
	PairingCode                     string        `json:"pairingCode" yaml:"pairingCode"`
	ClientRequestsPerMinute         int           `json:"clientRequestsPerMinute" yaml:"clientRequestsPerMinute"`
	GracePeriod                     time.Duration `json:"gracePeriod" yaml:"gracePeriod"`
}

func DefaultConfig() Config {
	return Config{
		IsEnabled:                       true,
		Mode:                            ModePrivate,
		ListenPort:                      7621,
		PricePerRequest:                 5,
		MaxConcurrentRequests:           2,
		AutoStopBatteryThresholdPercent: 20,
		ClientRequestsPerMinute:         60,
		GracePeriod:                     10 * time.Second,
	}
}

// Validate rejects configurations that must never start, rather than
// silently downgrading them.
func (c Config) Validate() error {
	if c.Mode == ModeInternet && !c.AllowInternetConnections {
		return fmt.Errorf("%w: internet scope requires allowInternetConnections", ErrConfigConflict)
	}
	switch c.Mode {
	case ModePrivate, ModeLocalNetwork, ModeInternet:
	default:
		return fmt.Errorf("%w: unknown server mode %q", ErrConfigConflict, c.Mode)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("%w: maxConcurrentRequests must be at least 1", ErrConfigConflict)
	}
	if c.AutoStopBatteryThresholdPercent < 0 || c.AutoStopBatteryThresholdPercent > 100 {
		return fmt.Errorf("%w: battery threshold must be in [0,100]", ErrConfigConflict)
	}
	return nil
}

var (
	ErrConfigConflict       = errors.New("server config conflict")
	ErrAlreadyRunning       = errors.New("server already running")
	ErrNotRunning           = errors.New("server not running")
	ErrServerDisabled       = errors.New("server disabled")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAtCapacity           = errors.New("server at capacity")
	ErrRateLimited          = errors.New("client rate limited")
)

// Outcome classifies how a session ended.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

// Session is one admitted unit of work. While alive it occupies one of the
// MaxConcurrentRequests slots.
type Session struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	ClientID  string    `json:"clientId"`
	StartedAt time.Time `json:"startedAt"`
	Price     int64     `json:"price"`

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the server aborts the session.
func (s *Session) Context() context.Context { return s.ctx }

// Status is the read-only dashboard projection, recomputed on demand from
// server and ledger state.
type Status struct {
	IsRunning            bool   `json:"isRunning"`
	State                State  `json:"state"`
	ConnectedClientCount int    `json:"connectedClientCount"`
	LiveSessionCount     int    `json:"liveSessionCount"`
	TodayRequestsServed  int    `json:"todayRequestsServed"`
	TodayTokensEarned    int64  `json:"todayTokensEarned"`
	ServerAddress        string `json:"serverAddress,omitempty"`
}

// Settler posts earnings for served requests.
type Settler interface {
	Earn(amount int64, reason ledger.Reason) (ledger.Transaction, error)
	EarnedSince(since time.Time, reason ledger.Reason) (count int, total int64)
}

// OutcomeRecorder folds session outcomes into client trust scores.
type OutcomeRecorder interface {
	RecordOutcome(deviceID string, outcome trust.Outcome, weight float64) trust.Score
}

// Executor runs the actual inference for an admitted session, emitting
// output chunks through emit. It is the boundary to the model runtime.
type Executor interface {
	Execute(ctx context.Context, payload []byte, emit func(chunk []byte) error) error
}

// Server is the private inference endpoint peers and paired clients call
// into: pairing-code authentication, admission control, per-request
// pricing and battery-aware lifecycle.
type Server struct {
	mu          sync.Mutex
	config      Config
	state       State
	pairingCode string
	sessions    map[string]*Session
	localServes int
	limiters    map[string]*clientLimiter
	address     string

	httpServer *http.Server
	handler    http.Handler

	ledger   Settler
	trust    OutcomeRecorder
	executor Executor
	logger   *logrus.Logger
}

func New(config Config, settler Settler, recorder OutcomeRecorder, executor Executor, logger *logrus.Logger) *Server {
	return &Server{
		config:      config,
		state:       StateStopped,
		pairingCode: config.PairingCode,
		sessions:    make(map[string]*Session),
		limiters:    make(map[string]*clientLimiter),
		ledger:      settler,
		trust:       recorder,
		executor:    executor,
		logger:      logger,
	}
}

// SetHandler installs the HTTP handler bound when the server starts. A nil
// handler leaves lifecycle management in place without a listener, which
// tests rely on.
func (s *Server) SetHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Executor returns the configured model runtime boundary.
func (s *Server) Executor() Executor { return s.executor }

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns a copy of the active config.
func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Start validates config, binds the serving endpoint for the configured
// scope and moves to Running. Conflicting configuration fails here and is
// never downgraded.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := s.config.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateStarting
	if s.pairingCode == "" {
		s.pairingCode = GeneratePairingCode()
	}
	handler := s.handler
	addr := s.bindAddress()
	s.mu.Unlock()

	if handler != nil {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			s.mu.Lock()
			s.state = StateStopped
			s.mu.Unlock()
			return fmt.Errorf("failed to bind serving endpoint: %w", err)
		}
		httpServer := &http.Server{Handler: handler}

		s.mu.Lock()
		s.httpServer = httpServer
		s.address = listener.Addr().String()
		s.mu.Unlock()

		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.WithError(err).Error("serving endpoint failed")
			}
		}()
	} else {
		s.mu.Lock()
		s.address = addr
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.logger.WithField("address", addr).Info("inference server running")
	return nil
}

func (s *Server) bindAddress() string {
	switch s.config.Mode {
	case ModePrivate:
		return fmt.Sprintf("127.0.0.1:%d", s.config.ListenPort)
	default:
		return fmt.Sprintf("0.0.0.0:%d", s.config.ListenPort)
	}
}

// Stop cancels admission immediately, gives in-flight sessions the grace
// period to finish and aborts the rest. Aborted sessions count as failures
// for trust and are never charged.
func (s *Server) Stop() error {
	return s.stop(StateStopping)
}

func (s *Server) stop(via State) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = via
	httpServer := s.httpServer
	s.httpServer = nil
	grace := s.config.GracePeriod
	s.mu.Unlock()

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("serving endpoint did not shut down cleanly")
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if s.liveSessionCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Abort whatever is left.
	for _, session := range s.liveSessions() {
		session.cancel()
		s.Complete(session, OutcomeFailure)
		s.logger.WithField("session", session.ID).Warn("session aborted on shutdown")
	}

	s.mu.Lock()
	s.state = StateStopped
	s.address = ""
	s.mu.Unlock()
	s.logger.Info("inference server stopped")
	return nil
}

// Admit authenticates and applies admission control for one inbound
// request, returning the live session on success.
func (s *Server) Admit(requestID, clientID, pairingCode string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.IsEnabled || s.state != StateRunning {
		return nil, ErrServerDisabled
	}
	if pairingCode != s.pairingCode {
		return nil, ErrAuthenticationFailed
	}
	if !s.limiterLocked(clientID).Allow() {
		return nil, ErrRateLimited
	}
	if len(s.sessions) >= s.config.MaxConcurrentRequests {
		return nil, ErrAtCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		ID:        uuid.New().String(),
		RequestID: requestID,
		ClientID:  clientID,
		StartedAt: time.Now(),
		Price:     s.config.PricePerRequest,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.sessions[session.ID] = session
	return session, nil
}

// Limiter entries for clients unseen this long are eligible for pruning;
// an idle limiter is indistinguishable from a fresh one.
const (
	limiterIdleAfter      = time.Hour
	limiterSweepThreshold = 128
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (s *Server) limiterLocked(clientID string) *rate.Limiter {
	now := time.Now()
	if cl, ok := s.limiters[clientID]; ok {
		cl.lastSeen = now
		return cl.limiter
	}

	// Keep the map bounded: drop idle clients before admitting a new one.
	if len(s.limiters) >= limiterSweepThreshold {
		for id, cl := range s.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleAfter {
				delete(s.limiters, id)
			}
		}
	}

	perMinute := s.config.ClientRequestsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		lastSeen: now,
	}
	s.limiters[clientID] = cl
	return cl.limiter
}

// Release frees an admitted session slot without settling an outcome, for
// sessions the client declined before execution started. Neither side is
// charged and no trust outcome is recorded.
func (s *Server) Release(session *Session) {
	s.mu.Lock()
	_, live := s.sessions[session.ID]
	delete(s.sessions, session.ID)
	s.mu.Unlock()
	if live {
		session.cancel()
	}
}

// Complete releases the session slot and settles the outcome: a success
// earns the session price and records a successful interaction for the
// client; anything else records a failure and posts no charge.
func (s *Server) Complete(session *Session, outcome Outcome) {
	s.mu.Lock()
	_, live := s.sessions[session.ID]
	delete(s.sessions, session.ID)
	s.mu.Unlock()
	if !live {
		return
	}
	session.cancel()

	if outcome == OutcomeSuccess {
		if session.Price > 0 && s.ledger != nil {
			if _, err := s.ledger.Earn(session.Price, ledger.ReasonServedRequest); err != nil {
				s.logger.WithError(err).Error("failed to post earnings for served request")
			}
		}
		if s.trust != nil {
			s.trust.RecordOutcome(session.ClientID, trust.OutcomeSuccess, 1)
		}
	} else if s.trust != nil {
		s.trust.RecordOutcome(session.ClientID, trust.OutcomeFailure, 1)
	}
}

// Address returns the bound serving address, or "" while stopped.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// PairingCode returns the current pairing code.
func (s *Server) PairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCode
}

// RegeneratePairingCode invalidates the previous code immediately. Codes
// gate new admissions only; sessions admitted under the old code run to
// completion.
func (s *Server) RegeneratePairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCode = GeneratePairingCode()
	return s.pairingCode
}

// EvaluatePower applies the battery policy for one capability tick: stop
// while discharging below the threshold, start when charging resumes and
// auto-start is on. Absent battery readings leave the server alone.
func (s *Server) EvaluatePower(c capability.Capability) {
	if c.BatteryLevel == nil {
		return
	}
	batteryPct := *c.BatteryLevel * 100

	s.mu.Lock()
	state := s.state
	cfg := s.config
	s.mu.Unlock()

	switch state {
	case StateRunning:
		if !c.IsCharging && batteryPct < float64(cfg.AutoStopBatteryThresholdPercent) {
			s.logger.WithField("battery", batteryPct).Info("battery below threshold, auto-stopping")
			if err := s.stop(StateAutoStopping); err != nil && !errors.Is(err, ErrNotRunning) {
				s.logger.WithError(err).Error("auto-stop failed")
			}
		}
	case StateStopped:
		if cfg.AutoStartWhenCharging && cfg.IsEnabled && c.IsCharging {
			s.logger.Info("charging detected, auto-starting")
			if err := s.Start(); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.logger.WithError(err).Error("auto-start failed")
			}
		}
	}
}

// BeginLocalServe counts a locally routed request against the concurrency
// limit so the router's headroom check sees local work alongside admitted
// sessions. The returned release is idempotent.
func (s *Server) BeginLocalServe() (release func()) {
	s.mu.Lock()
	s.localServes++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.localServes--
			s.mu.Unlock()
		})
	}
}

// SessionLoad reports in-flight work against the concurrency limit, in the
// shape the router's local-headroom check wants. Both admitted sessions
// and local serves occupy slots.
func (s *Server) SessionLoad() (active, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) + s.localServes, s.config.MaxConcurrentRequests
}

func (s *Server) liveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) liveSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// Status assembles the dashboard projection on demand.
func (s *Server) Status() Status {
	s.mu.Lock()
	state := s.state
	address := s.address
	clients := make(map[string]struct{})
	for _, session := range s.sessions {
		clients[session.ClientID] = struct{}{}
	}
	live := len(s.sessions)
	s.mu.Unlock()

	status := Status{
		IsRunning:            state == StateRunning,
		State:                state,
		ConnectedClientCount: len(clients),
		LiveSessionCount:     live,
		ServerAddress:        address,
	}
	if s.ledger != nil {
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		status.TodayRequestsServed, status.TodayTokensEarned = s.ledger.EarnedSince(midnight, ledger.ReasonServedRequest)
	}
	return status
}
