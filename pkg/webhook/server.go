// Package webhook exposes the WhatsApp Cloud API webhook surface: the
// subscription verification handshake, signature-checked event delivery,
// and a health probe. Handlers acknowledge fast and hand decoded events to
// the dispatcher off the request path; the pipeline never sees provider
// JSON.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/types/messaging"
)

const signatureHeader = "X-Hub-Signature-256"

// DefaultMaxBodyBytes caps webhook POST bodies. Cloud API notifications
// are small; anything near this size is not a legitimate event.
const DefaultMaxBodyBytes = 1 << 20

// Dispatcher consumes the decoded events.
type Dispatcher interface {
	DispatchMessage(ctx context.Context, event messaging.IncomingMessageEvent) error
	DispatchStatus(ctx context.Context, event messaging.MessageStatusEvent)
}

// ServerConfig holds the webhook server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Path         string `mapstructure:"path" yaml:"path"`
	VerifyToken  string `mapstructure:"verify_token" yaml:"verify_token"`
	AppSecret    string `mapstructure:"app_secret" yaml:"app_secret"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// Validate checks the configuration before the server starts.
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.VerifyToken == "" {
		return errors.New("verify token cannot be empty")
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return errors.Errorf("webhook path must start with /, got %q", c.Path)
	}
	return nil
}

// Server is the webhook HTTP server.
type Server struct {
	router     *mux.Router
	config     *ServerConfig
	dispatcher Dispatcher
	server     *http.Server
	deliveries sync.WaitGroup
}

// NewServer creates the webhook server. The dispatcher is required.
func NewServer(config *ServerConfig, dispatcher Dispatcher) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid webhook server configuration")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if config.Path == "" {
		config.Path = "/webhook"
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		router:     mux.NewRouter(),
		config:     config,
		dispatcher: dispatcher,
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc(s.config.Path, s.handleVerify).Methods("GET")
	s.router.HandleFunc(s.config.Path, s.handleEvent).Methods("POST")
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// handleVerify answers the Cloud API subscription handshake: echo the
// challenge when the verify token matches, 403 otherwise.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode == "subscribe" && token == s.config.VerifyToken && challenge != "" {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, challenge)
		return
	}
	logger.G(r.Context()).WithField("mode", mode).Warn("webhook verification rejected")
	http.Error(w, "forbidden", http.StatusForbidden)
}

// handleEvent validates and decodes one webhook delivery, then
// acknowledges. Dispatching happens off the request path: the provider
// expects the ack within seconds while ingest can lawfully block on
// backpressure far longer.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "webhook.receive")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeErrorResponse(w, http.StatusRequestEntityTooLarge, "payload too large", err)
			return
		}
		s.writeErrorResponse(w, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	if s.config.AppSecret != "" && !validSignature([]byte(s.config.AppSecret), body, r.Header.Get(signatureHeader)) {
		logger.G(ctx).Warn("webhook signature mismatch")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	n, err := decodeNotification(body)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "failed to parse webhook payload", err)
		return
	}
	if n.Object != "whatsapp_business_account" {
		logger.G(ctx).WithField("object", n.Object).Debug("ignoring webhook for foreign object")
		w.WriteHeader(http.StatusOK)
		return
	}

	msgs, statuses := n.events()
	span.SetAttributes(
		attribute.Int("messages", len(msgs)),
		attribute.Int("statuses", len(statuses)),
	)
	if len(msgs) > 0 || len(statuses) > 0 {
		s.deliveries.Add(1)
		// The request context dies with the ack; detach cancellation but
		// keep its values for logging and tracing.
		go s.deliver(context.WithoutCancel(ctx), msgs, statuses)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deliver(ctx context.Context, msgs []messaging.IncomingMessageEvent, statuses []messaging.MessageStatusEvent) {
	defer s.deliveries.Done()
	defer func() {
		if rec := recover(); rec != nil {
			logger.G(ctx).WithField("panic", rec).Error("recovered while delivering webhook events")
		}
	}()

	for _, status := range statuses {
		s.dispatcher.DispatchStatus(ctx, status)
	}
	for _, msg := range msgs {
		if err := s.dispatcher.DispatchMessage(ctx, msg); err != nil {
			logger.G(ctx).WithError(err).WithField("message_id", msg.MessageID).Warn("message not ingested")
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSONResponse(w, map[string]any{"status": "ok"})
}

// validSignature checks the X-Hub-Signature-256 header: "sha256=" plus
// the hex HMAC-SHA256 of the raw body under the app secret. Constant-time
// comparison.
func validSignature(secret, body []byte, header string) bool {
	received := strings.TrimPrefix(header, "sha256=")
	if received == "" {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(received), []byte(expected))
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    duration,
			"remote_addr": r.RemoteAddr,
		}).Debug("HTTP request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode JSON response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		logger.G(context.TODO()).WithError(err).Warn(message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error":  message,
		"status": statusCode,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode error response")
	}
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully and waits for in-flight event deliveries.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log := logger.G(ctx).WithField("address", address)
	if s.config.AppSecret == "" {
		log.Warn("webhook signature verification disabled, no app secret configured")
	}
	log.Info("starting webhook server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.G(ctx).WithError(err).Error("webhook server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.G(ctx).Warn("webhook event deliveries still pending at shutdown")
	}
	return err
}
