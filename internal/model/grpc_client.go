package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GatewayService is the gRPC service name of a model gateway.
const GatewayService = "termpilot.model.v1.ModelGateway"

const generateTurnMethod = "/" + GatewayService + "/GenerateTurn"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGenerateTurn             = errors.New("gateway returned error")
	errGatewayNotServing        = errors.New("gateway not serving")
)

// GrpcClient generates turns through a remote model gateway. Requests and
// responses are google.protobuf.Struct values mirroring Request and Response.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   2 * time.Minute,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to a model gateway and waits until the connection is
// ready. Extra dial options are appended to the defaults.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("model gateway address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create model gateway client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("model gateway at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model gateway", "address", cfg.Address)

	return &GrpcClient{conn: conn, addr: cfg.Address, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

// Health checks the gateway through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: GatewayService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errGatewayNotServing, resp.GetStatus())
	}
	return nil
}

// gatewayResponse is the wire shape returned by GenerateTurn.
type gatewayResponse struct {
	Parts []gatewayPart `json:"parts"`
	Error string        `json:"error,omitempty"`
}

// gatewayPart accepts loosely shaped parts so that a malformed function call
// can degrade to text instead of failing the turn.
type gatewayPart struct {
	Text         string          `json:"text,omitempty"`
	FunctionCall json.RawMessage `json:"functionCall,omitempty"`
	Signature    []byte          `json:"thoughtSignature,omitempty"`
}

// Generate implements Model.
func (c *GrpcClient) Generate(ctx context.Context, req Request) (*Response, error) {
	in, err := encodeStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, generateTurnMethod, in, out); err != nil {
		c.logger.Error("GenerateTurn failed", "error", err, "address", c.addr)
		return nil, fmt.Errorf("generate turn: %w", err)
	}

	return c.decodeResponse(out)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *GrpcClient) decodeResponse(out *structpb.Struct) (*Response, error) {
	raw, err := protojson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var gr gatewayResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if gr.Error != "" {
		return nil, fmt.Errorf("%w: %s", errGenerateTurn, gr.Error)
	}

	resp := &Response{}
	for _, gp := range gr.Parts {
		p := Part{Text: gp.Text, Signature: gp.Signature}
		if len(gp.FunctionCall) > 0 && string(gp.FunctionCall) != "null" {
			var call FunctionCall
			if err := json.Unmarshal(gp.FunctionCall, &call); err != nil || call.Name == "" {
				c.logger.Warn("malformed function call from gateway, treating as text",
					"error", err,
					"raw", string(gp.FunctionCall),
				)
				if p.Text == "" {
					p.Text = string(gp.FunctionCall)
				}
			} else {
				p.FunctionCall = &call
			}
		}
		if p.Text == "" && p.FunctionCall == nil {
			continue
		}
		resp.Parts = append(resp.Parts, p)
	}
	if len(resp.Parts) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}
