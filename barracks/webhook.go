package barracks

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiDiscordInteractions = "/discord/interactions"

	headerSignature = "X-Signature-Ed25519"
	headerTimestamp = "X-Signature-Timestamp"
)

// webhookResponseTimeout is how long the webhook waits on a command's
// initial response before deferring it. Discord allows three seconds.
var webhookResponseTimeout = 2500 * time.Millisecond

var errAlreadyResponded = errors.New("interaction already responded to")

// DiscordWebhookServer receives interactions over HTTP, as an alternative
// to the gateway
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(_ context.Context) error {
	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting webhook server without TLS")
		return d.httpServer.Serve(d.listener)
	}
	return d.httpServer.ServeTLS(d.listener, "", "")
}

// newWebhookServer creates the webhook server. Interactions are handled
// by b.webhookInteractionHandler, which is set when Run is called.
func newWebhookServer(b *Barracks, config DiscordWebhookServerConfig) (*DiscordWebhookServer, error) {
	logger := slog.New(newTintHandler(defaultLogWriter, config.LogLevel)).With(
		loggerNameKey, "discord_webhook",
	)

	r := gin.New()
	srv := &DiscordWebhookServer{config: config, engine: r, logger: logger}

	httpServer := &http.Server{
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	srv.httpServer = httpServer

	if len(b.discord.publicKey) != ed25519.PublicKeySize {
		return nil, errors.New("webhook server requires a valid discord public key")
	}

	if !b.config.API.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)
	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			if b.webhookInteractionHandler == nil {
				c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
				return
			}
			b.webhookInteractionHandler(c)
		},
	)

	network := config.ListenNetwork
	if network == "" {
		network = "tcp"
	}
	ln, err := net.Listen(network, config.Listen)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", config.Listen, err)
	}
	srv.listener = ln
	return srv, nil
}

// WebhookHandler implements [InteractionHandler] for interactions received
// via webhook. The initial response is delivered as the HTTP response
// body. Everything after that (edits, followups) goes through the
// embedded gateway handler's REST session.
type WebhookHandler struct {
	InteractionHandler

	mu        *sync.Mutex
	responses chan *discordgo.InteractionResponse
	responded bool
	deferred  bool
}

func newWebhookHandler(base InteractionHandler) *WebhookHandler {
	return &WebhookHandler{
		InteractionHandler: base,
		mu:                 &sync.Mutex{},
		responses:          make(chan *discordgo.InteractionResponse, 1),
	}
}

func (*WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond hands the response to the waiting HTTP request. If the request
// already gave up waiting and deferred, the response is sent as a followup.
func (w *WebhookHandler) Respond(ctx context.Context, response *discordgo.InteractionResponse) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.deferred:
		params := &discordgo.WebhookParams{}
		if response.Data != nil {
			params.Content = response.Data.Content
			params.Embeds = response.Data.Embeds
			params.Components = response.Data.Components
			params.Flags = response.Data.Flags
		}
		w.deferred = false
		w.responded = true
		_, err := w.InteractionHandler.Followup(ctx, params)
		return err
	case w.responded:
		return errAlreadyResponded
	default:
		w.responded = true
		w.responses <- response
		w.Logger().InfoContext(ctx, "responded to interaction", "response_type", response.Type)
		return nil
	}
}

// awaitResponse blocks until the handler responds, the handler finishes,
// or timeout elapses. On timeout, the interaction is deferred (ephemerally)
// and the deferral is returned.
func (w *WebhookHandler) awaitResponse(
	ctx context.Context,
	done <-chan struct{},
	timeout time.Duration,
) *discordgo.InteractionResponse {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.responses:
		return r
	case <-done:
		select {
		case r := <-w.responses:
			return r
		default:
			return nil
		}
	case <-ctx.Done():
	case <-timer.C:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.responded {
		return <-w.responses
	}
	w.deferred = true
	w.responded = true
	return deferredResponse(true)
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions. Handling continues in the background after the
// initial response is written, tracked by runtimeWG.
func webhookReceiveHandler(
	ctx context.Context,
	b *Barracks,
	runtimeWG *sync.WaitGroup,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error reading body", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		if interaction.Interaction == nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "missing interaction"})
			return
		}

		if interaction.Type == discordgo.InteractionPing {
			c.JSON(http.StatusOK, discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
			return
		}

		handler := newWebhookHandler(b.getInteractionHandlerFunc(runCtx, &interaction))
		done := make(chan struct{})
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer close(done)
			b.handleInteraction(runCtx, handler)
		}()

		response := handler.awaitResponse(c.Request.Context(), done, webhookResponseTimeout)
		if response == nil {
			logger.WarnContext(runCtx, "interaction handled without a response")
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, response)
	}
}

// discordRequestAuthenticationMiddleware rejects requests without a
// valid Discord signature.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's ed25519 signature over the
// timestamp header and body. The body is restored for later readers.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get(headerSignature)
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get(headerTimestamp)
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()
	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
