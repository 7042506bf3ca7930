package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tandem-run/tandem/pkg/mcp"
	"github.com/tandem-run/tandem/pkg/models"
)

// bridgeShutdownTimeout bounds graceful bridge shutdown.
const bridgeShutdownTimeout = 2 * time.Second

// Bridge is the loopback HTTP listener that carries call_tool requests
// from sandbox subprocesses to the registered dispatcher. It is the only
// capability that crosses the process boundary with network access.
type Bridge struct {
	dispatcher mcp.Dispatcher
	token      string
	server     *http.Server
	listener   net.Listener
}

// bridgeRequest is the wire shape of one call_tool request.
type bridgeRequest struct {
	Provider string         `json:"provider"`
	Tool     string         `json:"tool"`
	Payload  map[string]any `json:"payload"`
}

// NewBridge binds a loopback listener for the dispatcher and starts
// serving on it. The bridge is per-run: create it when the planner
// starts, Close it when the run ends.
func NewBridge(dispatcher mcp.Dispatcher) (*Bridge, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind sandbox bridge listener: %w", err)
	}

	tokenBytes := make([]byte, 16)
	if _, err := rand.Read(tokenBytes); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to generate bridge token: %w", err)
	}

	b := &Bridge{
		dispatcher: dispatcher,
		token:      hex.EncodeToString(tokenBytes),
		listener:   listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /call", b.handleCall)
	b.server = &http.Server{Handler: mux}

	go func() {
		if serveErr := b.server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Warn("Sandbox bridge server stopped", "error", serveErr)
		}
	}()

	return b, nil
}

// URL returns the bridge endpoint passed to the subprocess.
func (b *Bridge) URL() string {
	return fmt.Sprintf("http://%s/call", b.listener.Addr().String())
}

// Token returns the per-run bearer token.
func (b *Bridge) Token() string {
	return b.token
}

// Close shuts the bridge down.
func (b *Bridge) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), bridgeShutdownTimeout)
	defer cancel()
	return b.server.Shutdown(ctx)
}

// handleCall authenticates, dispatches, and writes the envelope. Every
// failure still produces an envelope so the stub's error handling stays
// uniform.
func (b *Bridge) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+b.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req bridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, models.NewErrorEnvelope(fmt.Sprintf("invalid bridge request: %v", err)))
		return
	}
	if req.Provider == "" || req.Tool == "" {
		writeEnvelope(w, models.NewErrorEnvelope("bridge request missing provider or tool"))
		return
	}

	env, err := b.dispatcher.DispatchTool(r.Context(), req.Provider, req.Tool, req.Payload)
	if err != nil {
		writeEnvelope(w, models.NewErrorEnvelope(err.Error()))
		return
	}
	writeEnvelope(w, env)
}

func writeEnvelope(w http.ResponseWriter, env *models.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Warn("Failed to encode bridge envelope", "error", err)
	}
}
