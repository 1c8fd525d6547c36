// This package accepts envelopes over HTTP, either one per POST or as binary frames on a websocket. Every envelope is
// answered once its completion resolves, telling the service whether it may forget the envelope.
package httpingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/transport"
	"github.com/olahol/melody"
	"go.uber.org/zap"
)

const (
	DeliveryTimestampHeader = "X-Server-Delivery-Timestamp"
	// frames carry a request id and timestamp alongside the envelope
	frameOverhead = 1024
)

// StatusFunc returns the body served at /v1/status.
type StatusFunc func() interface{}

type ackResponse struct {
	Ack   bool   `json:"ack"`
	Error string `json:"error,omitempty"`
}

type Server struct {
	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	pipeline transport.Pipeline
	status   StatusFunc
	router   *router
	melody   *melody.Melody
	server   *http.Server
	listener net.Listener
	finished sync.WaitGroup
}

func NewServer(c *config.Config, cl clock.Clock, p transport.Pipeline, status StatusFunc) *Server {
	s := &Server{
		config:   c,
		log:      c.Logger("transport/http"),
		clock:    cl,
		pipeline: p,
		status:   status,
	}

	m := melody.New()
	m.Config.MaxMessageSize = int64(c.MaxEnvelopeBytes) + frameOverhead
	m.Config.WriteWait = 5 * time.Second
	m.HandleConnect(func(sess *melody.Session) {
		s.log.Infof("new websocket connection from %s", sess.Request.RemoteAddr)
	})
	m.HandleDisconnect(func(sess *melody.Session) {
		s.log.Infof("closed websocket connection from %s", sess.Request.RemoteAddr)
	})
	m.HandleError(func(sess *melody.Session, err error) {
		s.log.Debugf("websocket error from %s: %v", sess.Request.RemoteAddr, err)
	})
	m.HandleMessageBinary(s.handleFrame)
	s.melody = m

	r := newRouter(s.log)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.get("/_healthz", func(w http.ResponseWriter, r *http.Request) *HTTPError {
		w.WriteHeader(http.StatusOK)
		return nil
	})

	r.get("/v1/status", func(w http.ResponseWriter, r *http.Request) *HTTPError {
		if s.status == nil {
			return unavailable("status unavailable")
		}
		render.JSON(w, r, s.status())
		return nil
	})

	r.post("/v1/envelopes", s.postEnvelope)

	r.get("/v1/websocket", func(w http.ResponseWriter, r *http.Request) *HTTPError {
		source := sourceFor(r, envelope.SourceWebsocketIdentified)
		if err := s.melody.HandleRequestWithKeys(w, r, map[string]interface{}{"source": source}); err != nil {
			s.log.Debugf("websocket from %s ended: %v", r.RemoteAddr, err)
		}
		return nil
	})

	s.router = r
	return s
}

func (s *Server) Name() string {
	return "http"
}

// Handler serves the ingest routes without a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr is the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("httpingest: error listening on %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = l
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.log.Infof("http server listening on %s", l.Addr())
	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warnf("http listener failed: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	if err := s.melody.Close(); err != nil {
		s.log.Debugf("error closing websockets: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.finished.Wait()
	s.server = nil
	s.listener = nil
	return err
}

// Check dials the listener.
func (s *Server) Check(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("httpingest: not listening")
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", s.listener.Addr().String())
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *Server) postEnvelope(w http.ResponseWriter, r *http.Request) *HTTPError {
	ts, err := s.deliveryTimestamp(r.Header.Get(DeliveryTimestampHeader))
	if err != nil {
		return badRequest(fmt.Sprintf("invalid %s header", DeliveryTimestampHeader))
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, int64(s.config.MaxEnvelopeBytes)+1))
	if err != nil {
		return internalServerError("failed to read envelope", err)
	}

	o := transport.Deliver(r.Context(), s.pipeline, s.log, raw, ts, sourceFor(r, envelope.SourceRest))
	code := http.StatusOK
	switch {
	case !o.Ack:
		code = http.StatusConflict
	case o.Rejected:
		code = http.StatusBadRequest
	}
	resp := &ackResponse{Ack: o.Ack}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	render.Status(r, code)
	render.JSON(w, r, resp)
	return nil
}

// deliveryTimestamp falls back to now when the service did not say when it delivered.
func (s *Server) deliveryTimestamp(header string) (uint64, error) {
	if header == "" {
		return s.clock.CurrentTimeMs(), nil
	}
	return strconv.ParseUint(header, 10, 64)
}

func sourceFor(r *http.Request, fallback envelope.Source) envelope.Source {
	if name := r.URL.Query().Get("source"); name != "" {
		return envelope.ParseSource(name)
	}
	return fallback
}
