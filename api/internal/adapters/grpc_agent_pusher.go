package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// RuleAgent service contract. Payloads are google.protobuf.Struct so agents
// need no generated stubs beyond the well-known types.
const (
	RuleAgentServiceName     = "rulesync.agent.v1.RuleAgent"
	SetSystemRulesMethodName = "SetSystemRules"
	setSystemRulesFullMethod = "/" + RuleAgentServiceName + "/" + SetSystemRulesMethodName
)

// RuleAgentServer is implemented by agents that accept rules over gRPC.
type RuleAgentServer interface {
	SetSystemRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func setSystemRulesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RuleAgentServer).SetSystemRules(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: setSystemRulesFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RuleAgentServer).SetSystemRules(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RuleAgentServiceDesc describes the RuleAgent service for grpc.Server.
var RuleAgentServiceDesc = grpc.ServiceDesc{
	ServiceName: RuleAgentServiceName,
	HandlerType: (*RuleAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: SetSystemRulesMethodName, Handler: setSystemRulesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rulesync/agent/v1/agent.proto",
}

// RegisterRuleAgentServer registers an agent implementation on s.
func RegisterRuleAgentServer(s grpc.ServiceRegistrar, srv RuleAgentServer) {
	s.RegisterService(&RuleAgentServiceDesc, srv)
}

// ==============================================================================
// Client side
// ==============================================================================

// GRPCAgentPusher pushes rule sets to agents exposing the RuleAgent service
// on the machine's ip:port. Connections are kept per address.
type GRPCAgentPusher struct {
	logger      *zap.Logger
	dialOptions []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// GRPCPusherOption customises a GRPCAgentPusher.
type GRPCPusherOption func(*GRPCAgentPusher)

// WithDialOptions appends dial options, e.g. a context dialer or TLS creds.
func WithDialOptions(opts ...grpc.DialOption) GRPCPusherOption {
	return func(p *GRPCAgentPusher) { p.dialOptions = append(p.dialOptions, opts...) }
}

func NewGRPCAgentPusher(logger *zap.Logger, opts ...GRPCPusherOption) *GRPCAgentPusher {
	p := &GRPCAgentPusher{
		logger:      logger,
		dialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		conns:       make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PushRules reports whether the agent acknowledged the full rule set.
func (p *GRPCAgentPusher) PushRules(ctx context.Context, machine domain.MachineIdentity, rules []domain.SystemRule) bool {
	req, err := rulesRequest(machine, rules)
	if err != nil {
		p.logger.Error("Encode rules for agent failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}

	conn, err := p.conn(machine.Address())
	if err != nil {
		p.logger.Warn("Agent connection failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}

	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, setSystemRulesFullMethod, req, resp); err != nil {
		p.logger.Warn("SetSystemRules call failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}

	ok := resp.GetFields()["success"].GetBoolValue()
	if !ok {
		p.logger.Warn("Agent rejected system rules",
			zap.Stringer("machine", machine),
			zap.String("msg", resp.GetFields()["msg"].GetStringValue()))
	}
	return ok
}

// Close releases every pooled connection.
func (p *GRPCAgentPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, addr)
	}
	return firstErr
}

func (p *GRPCAgentPusher) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}
	// NewClient connects lazily; failures surface on the first call.
	conn, err := grpc.NewClient(addr, p.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", addr, err)
	}
	p.conns[addr] = conn
	return conn, nil
}

// rulesRequest encodes the machine and its rules with their wire JSON names.
func rulesRequest(machine domain.MachineIdentity, rules []domain.SystemRule) (*structpb.Struct, error) {
	if rules == nil {
		rules = []domain.SystemRule{}
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return nil, err
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}

	return structpb.NewStruct(map[string]any{
		"type":  "system",
		"app":   machine.App,
		"ip":    machine.IP,
		"port":  machine.Port,
		"rules": list,
	})
}

// DecodeRulesRequest is the agent-side inverse of the request encoding.
func DecodeRulesRequest(req *structpb.Struct) ([]domain.SystemRule, error) {
	raw, err := json.Marshal(req.GetFields()["rules"].AsInterface())
	if err != nil {
		return nil, err
	}
	rules := make([]domain.SystemRule, 0)
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}
