// Package agenthub keeps the WebSocket connections that rule agents open to
// the service and pushes rule sets down them. It implements
// domain.MachinePusher for agents that cannot expose an inbound port.
package agenthub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/core/domain"
	"github.com/irgordon/rulesync/api/internal/core/utils"
	"github.com/irgordon/rulesync/api/internal/telemetry"
)

// ==============================================================================
// 1. Wire Protocol
// ==============================================================================

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Agents only send acks, so inbound messages stay small.
	maxMessageSize = 64 << 10

	sendBuffer = 16
)

// MessageTypeSystemRules marks an envelope carrying a full system rule set.
const MessageTypeSystemRules = "system_rules"

// Envelope is the server-to-agent message. Signature is the HMAC of Payload.
type Envelope struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Machine   domain.MachineIdentity `json:"machine"`
	Payload   json.RawMessage        `json:"payload"`
	Signature string                 `json:"signature,omitempty"`
}

// Ack is the agent's answer to one envelope.
type Ack struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Msg     string `json:"msg,omitempty"`
}

// VerifyEnvelope checks the envelope signature. Agents call it before
// applying a rule set.
func VerifyEnvelope(env Envelope, signingKey string) error {
	if signingKey == "" {
		return nil
	}
	return utils.VerifySignature(env.Payload, env.Signature, signingKey)
}

// DecodeRules returns the rule set carried by a system_rules envelope.
func DecodeRules(env Envelope) ([]domain.SystemRule, error) {
	if env.Type != MessageTypeSystemRules {
		return nil, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
	rules := make([]domain.SystemRule, 0)
	if err := json.Unmarshal(env.Payload, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return rules, nil
}

// ==============================================================================
// 2. Connection
// ==============================================================================

type agentConn struct {
	machine   domain.MachineIdentity
	ws        *websocket.Conn
	connected time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan Ack
}

func newAgentConn(machine domain.MachineIdentity, ws *websocket.Conn) *agentConn {
	return &agentConn{
		machine:   machine,
		ws:        ws,
		connected: time.Now().UTC(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string]chan Ack),
	}
}

func (a *agentConn) close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.ws.Close()
	})
}

func (a *agentConn) expect(id string) chan Ack {
	ch := make(chan Ack, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	return ch
}

func (a *agentConn) forget(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *agentConn) deliver(ack Ack) bool {
	a.mu.Lock()
	ch, ok := a.pending[ack.ID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- ack:
	default: // duplicate ack
	}
	return true
}

// writePump is the only writer of data frames on the connection.
func (a *agentConn) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		a.close()
	}()

	for {
		select {
		case msg := <-a.send:
			_ = a.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Warn("Write to agent failed", zap.Stringer("machine", a.machine), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := a.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-a.done:
			_ = a.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump consumes acks and control frames until the agent goes away.
func (a *agentConn) readPump(logger *zap.Logger) {
	defer a.close()

	a.ws.SetReadLimit(maxMessageSize)
	_ = a.ws.SetReadDeadline(time.Now().Add(pongWait))
	a.ws.SetPongHandler(func(string) error {
		return a.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := a.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("Agent connection closed unexpectedly", zap.Stringer("machine", a.machine), zap.Error(err))
			}
			return
		}

		var ack Ack
		if err := json.Unmarshal(msg, &ack); err != nil || ack.ID == "" {
			logger.Warn("Invalid message from agent", zap.Stringer("machine", a.machine))
			continue
		}
		if !a.deliver(ack) {
			logger.Debug("Late or unknown ack from agent", zap.Stringer("machine", a.machine), zap.String("id", ack.ID))
		}
	}
}

// ==============================================================================
// 3. Hub
// ==============================================================================

// Hub tracks one live connection per machine.
type Hub struct {
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	signingKey string

	mu     sync.RWMutex
	agents map[domain.MachineIdentity]*agentConn
}

func NewHub(logger *zap.Logger, signingKey string, metrics *telemetry.Metrics) *Hub {
	return &Hub{
		logger:     logger,
		metrics:    metrics,
		signingKey: signingKey,
		agents:     make(map[domain.MachineIdentity]*agentConn),
	}
}

// Serve owns an upgraded connection until it closes. A newer connection for
// the same machine replaces the older one.
func (h *Hub) Serve(ws *websocket.Conn, machine domain.MachineIdentity) {
	a := newAgentConn(machine, ws)

	h.mu.Lock()
	if existing, ok := h.agents[machine]; ok {
		existing.close()
	}
	h.agents[machine] = a
	h.metrics.SetAgentsConnected(len(h.agents))
	h.mu.Unlock()

	h.logger.Info("Agent connected", zap.Stringer("machine", machine))

	defer func() {
		a.close()
		h.mu.Lock()
		if h.agents[machine] == a {
			delete(h.agents, machine)
		}
		h.metrics.SetAgentsConnected(len(h.agents))
		h.mu.Unlock()
		h.logger.Info("Agent disconnected", zap.Stringer("machine", machine))
	}()

	go a.writePump(h.logger)
	a.readPump(h.logger)
}

// PushRules sends the rule set to the machine's agent and waits for its ack.
// It reports false when the machine is not connected, the write fails, the
// agent refuses, or ctx ends first.
func (h *Hub) PushRules(ctx context.Context, machine domain.MachineIdentity, rules []domain.SystemRule) bool {
	h.mu.RLock()
	a, ok := h.agents[machine]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("No agent connected", zap.Stringer("machine", machine))
		return false
	}

	env, err := h.envelope(machine, rules)
	if err != nil {
		h.logger.Error("Build rules envelope failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Encode rules envelope failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}

	acks := a.expect(env.ID)
	defer a.forget(env.ID)

	select {
	case a.send <- data:
	case <-a.done:
		return false
	case <-ctx.Done():
		return false
	}

	select {
	case ack := <-acks:
		if !ack.Success {
			h.logger.Warn("Agent rejected system rules", zap.Stringer("machine", machine), zap.String("msg", ack.Msg))
		}
		return ack.Success
	case <-a.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) envelope(machine domain.MachineIdentity, rules []domain.SystemRule) (Envelope, error) {
	if rules == nil {
		rules = []domain.SystemRule{}
	}
	payload, err := json.Marshal(rules)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		ID:        uuid.New().String(),
		Type:      MessageTypeSystemRules,
		Timestamp: time.Now().UTC(),
		Machine:   machine,
		Payload:   payload,
	}
	if h.signingKey != "" {
		env.Signature = utils.SignPayload(payload, h.signingKey)
	}
	return env, nil
}

// AgentInfo describes one live agent connection.
type AgentInfo struct {
	Machine   domain.MachineIdentity `json:"machine"`
	Connected time.Time              `json:"connected"`
}

// Connected lists live agents ordered by machine.
func (h *Hub) Connected() []AgentInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]AgentInfo, 0, len(h.agents))
	for m, a := range h.agents {
		out = append(out, AgentInfo{Machine: m, Connected: a.connected})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Machine.String() < out[j].Machine.String() })
	return out
}

// Close drops every connection. Agents are expected to reconnect.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for m, a := range h.agents {
		a.close()
		delete(h.agents, m)
	}
	h.metrics.SetAgentsConnected(0)
}
