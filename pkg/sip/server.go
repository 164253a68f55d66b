package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo"
	sipparser "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/gateway"
	"sipgate-server/pkg/security"
)

// MessageProcessor is the pipeline every inbound request is fed into
type MessageProcessor interface {
	Process(msg *gateway.Message) *gateway.Response
}

// Server is the SIP front end. It owns the sipgo transaction layer,
// translates requests into normalized messages for the gateway, and
// writes the gateway's verdict back onto the transaction.
type Server struct {
	logger    *logrus.Logger
	processor MessageProcessor
	clk       clock.Clock
	panics    *security.PanicHandler

	ua        *sipgo.UserAgent
	sipServer *sipgo.Server

	tlsConfigMu sync.RWMutex
	tlsConfig   *tls.Config
}

// NewServer creates the SIP front end on top of a fresh sipgo
// transaction layer
func NewServer(logger *logrus.Logger, processor MessageProcessor, clk clock.Clock) (*Server, error) {
	if clk == nil {
		clk = clock.New()
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create SIP user agent: %w", err)
	}

	sipServer, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create SIP server: %w", err)
	}

	s := &Server{
		logger:    logger,
		processor: processor,
		clk:       clk,
		panics:    security.NewPanicHandler(logger),
		ua:        ua,
		sipServer: sipServer,
	}

	// Every supported method funnels into the one pipeline; the
	// gateway decides what each method means.
	for _, method := range []sipparser.RequestMethod{
		sipparser.INVITE,
		sipparser.ACK,
		sipparser.BYE,
		sipparser.CANCEL,
		sipparser.REGISTER,
		sipparser.OPTIONS,
		sipparser.REFER,
		sipparser.MESSAGE,
	} {
		sipServer.OnRequest(method, s.handleRequest)
	}

	// Unknown methods go through the same pipeline and come back 501
	sipServer.OnNoRoute(s.handleRequest)

	return s, nil
}

func (s *Server) handleRequest(req *sipparser.Request, tx sipparser.ServerTransaction) {
	// A panic in the pipeline answers 500 instead of killing the
	// transport goroutine
	defer s.panics.RecoverWithCallback("request_handler", func(interface{}) {
		if req.Method != sipparser.ACK {
			s.respond(req, tx, gateway.NewResponse(500))
		}
	})

	msg := s.wrapRequest(req)
	resp := s.processor.Process(msg)

	// ACK is the one request that never gets a response on the wire;
	// the verdict still feeds metrics and events.
	if msg.Method == gateway.MethodAck {
		return
	}

	s.respond(req, tx, resp)
}

// wrapRequest converts a parsed sipgo request into the gateway's
// normalized message form
func (s *Server) wrapRequest(req *sipparser.Request) *gateway.Message {
	headers := make(map[string][]string, 16)
	for _, h := range req.Headers() {
		headers[h.Name()] = append(headers[h.Name()], h.Value())
	}

	return gateway.NewMessage(
		string(req.Method),
		req.Recipient.String(),
		req.Source(),
		headers,
		req.Body(),
		s.clk.Now(),
	)
}

func (s *Server) respond(req *sipparser.Request, tx sipparser.ServerTransaction, resp *gateway.Response) {
	if resp == nil {
		return
	}

	res := s.buildResponse(req, resp)
	if err := tx.Respond(res); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"method": string(req.Method),
			"status": resp.StatusCode,
		}).Debug("Failed to send SIP response")
	}
}

func (s *Server) buildResponse(req *sipparser.Request, resp *gateway.Response) *sipparser.Response {
	res := sipparser.NewResponseFromRequest(req, sipparser.StatusCode(resp.StatusCode), resp.ReasonPhrase, resp.Body)
	for name, value := range resp.Headers {
		res.AppendHeader(sipparser.NewHeader(name, value))
	}
	return res
}

// ListenAndServe starts a listener for the given protocol and address
func (s *Server) ListenAndServe(ctx context.Context, protocol, address string) error {
	switch strings.ToLower(protocol) {
	case "udp":
		s.logger.WithField("address", address).Info("SIP server listening on UDP")
		return s.sipServer.ListenAndServe(ctx, "udp", address)
	case "tcp":
		s.logger.WithField("address", address).Info("SIP server listening on TCP")
		return s.sipServer.ListenAndServe(ctx, "tcp", address)
	case "tls":
		cfg := s.getTLSConfig()
		if cfg == nil {
			return fmt.Errorf("TLS config required for TLS listener")
		}
		s.logger.WithField("address", address).Info("SIP server listening on TLS")
		return s.sipServer.ListenAndServeTLS(ctx, "tls", address, cfg)
	default:
		return fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

// SetTLSConfig stores the TLS configuration for future TLS listeners.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.tlsConfigMu.Lock()
	s.tlsConfig = cfg
	s.tlsConfigMu.Unlock()
}

func (s *Server) getTLSConfig() *tls.Config {
	s.tlsConfigMu.RLock()
	defer s.tlsConfigMu.RUnlock()
	return s.tlsConfig
}

// Shutdown closes the sipgo user agent and its transports
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down SIP server")

	if s.ua != nil {
		if err := s.ua.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close SIP user agent cleanly")
			return err
		}
	}

	s.logger.Info("SIP server shutdown completed")
	return nil
}
