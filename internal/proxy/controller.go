package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/store"
)

// Default bind address of the forwarding listener.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 15288
)

// Config is the forwarding listener's bind address.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DefaultConfig returns the loopback default.
func DefaultConfig() Config {
	return Config{Host: DefaultHost, Port: DefaultPort}
}

// Validate checks the bind address without touching the network.
func (c Config) Validate() error {
	if net.ParseIP(c.Host) == nil {
		return fmt.Errorf("invalid host %q", c.Host)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Addr returns the host:port bind string.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Status is the published state of the forwarding listener. It is
// persisted as JSON under the proxy_server_status config key so the
// last known state survives restarts.
type Status struct {
	IsRunning bool    `json:"isRunning"`
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	StartedAt int64   `json:"startedAt,omitempty"`
	LastError *string `json:"lastError,omitempty"`
}

type command struct {
	cfg  *Config // nil means shutdown
	done chan error
}

// Controller owns the forwarding http.Server and serialises restart and
// shutdown requests through a mailbox so the listener is rebound by
// exactly one goroutine.
type Controller struct {
	handler *Handler
	store   store.Store
	logger  *log.Logger

	cmds chan command

	mu     sync.RWMutex
	status Status
}

// NewController builds a stopped controller.
func NewController(profiles *profile.Store, st store.Store, logger *log.Logger) *Controller {
	return &Controller{
		handler: NewHandler(profiles, st, logger),
		store:   st,
		logger:  logger,
		cmds:    make(chan command),
		status:  Status{Host: DefaultHost, Port: DefaultPort},
	}
}

// SetDebug enables request tracing on the forwarding handler.
func (c *Controller) SetDebug(enabled bool) {
	c.handler.SetDebug(enabled)
}

// Status returns the current listener state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Restart binds the listener to the new address, stopping any previous
// one first. It blocks until the new listener is accepting or the bind
// failed; a failed bind leaves the controller idle with the error
// recorded in the published status.
func (c *Controller) Restart(ctx context.Context, cfg Config) error {
	return c.send(ctx, command{cfg: &cfg, done: make(chan error, 1)})
}

// Shutdown stops the listener if one is running.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.send(ctx, command{done: make(chan error, 1)})
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes lifecycle commands until ctx is cancelled, then stops
// any running listener. Call it from a dedicated goroutine.
func (c *Controller) Run(ctx context.Context) {
	var (
		srv     *http.Server
		srvErr  chan error
		current Config
	)
	stop := func() {
		if srv == nil {
			return
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutCtx); err != nil {
			c.logger.Printf("proxy server shutdown: %v", err)
		}
		cancel()
		<-srvErr
		srv, srvErr = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			c.publish(Status{IsRunning: false, Host: current.Host, Port: current.Port})
			return

		case err := <-readyOrNil(srvErr):
			// The serving goroutine exited on its own.
			srv, srvErr = nil, nil
			st := Status{IsRunning: false, Host: current.Host, Port: current.Port}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				msg := err.Error()
				st.LastError = &msg
				c.logger.Printf("proxy server exited: %v", err)
			}
			c.publish(st)

		case cmd := <-c.cmds:
			stop()
			if cmd.cfg == nil {
				c.publish(Status{IsRunning: false, Host: current.Host, Port: current.Port})
				cmd.done <- nil
				continue
			}
			cfg := *cmd.cfg
			if err := cfg.Validate(); err != nil {
				c.parkWithError(cfg, err)
				cmd.done <- err
				continue
			}
			ln, err := net.Listen("tcp", cfg.Addr())
			if err != nil {
				c.parkWithError(cfg, err)
				cmd.done <- fmt.Errorf("bind %s: %w", cfg.Addr(), err)
				continue
			}
			current = cfg
			srv = &http.Server{
				Handler:           c.routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			srvErr = make(chan error, 1)
			go func(s *http.Server, l net.Listener, ch chan error) {
				ch <- s.Serve(l)
			}(srv, ln, srvErr)
			c.logger.Printf("proxy server listening on %s", cfg.Addr())
			c.publish(Status{IsRunning: true, Host: cfg.Host, Port: cfg.Port, StartedAt: time.Now().UnixMilli()})
			cmd.done <- nil
		}
	}
}

// readyOrNil lets the select above ignore the server channel while no
// server is running.
func readyOrNil(ch chan error) chan error {
	if ch == nil {
		return make(chan error) // never ready
	}
	return ch
}

func (c *Controller) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post("/v1/messages", c.handler.Messages)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (c *Controller) parkWithError(cfg Config, cause error) {
	msg := cause.Error()
	c.publish(Status{IsRunning: false, Host: cfg.Host, Port: cfg.Port, LastError: &msg})
}

// publish updates the in-memory status and persists it so the last
// known state is visible after a process restart.
func (c *Controller) publish(st Status) {
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()

	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SetConfig(ctx, store.KeyProxyStatus, string(raw)); err != nil {
		c.logger.Printf("persist proxy status: %v", err)
	}
}
