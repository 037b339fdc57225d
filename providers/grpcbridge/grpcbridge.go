// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package grpcbridge exposes a remote gRPC service as a hosted namespace.
// The service is discovered through server reflection; every unary method
// becomes a member whose parameters are the fields of its input message.
package grpcbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const reflectionPrefix = "grpc.reflection."

// Method is one unary method bound to a member.
type Method struct {
	Member   string
	FullName string // "/pkg.Service/Method"
	Input    protoreflect.MessageDescriptor
	Output   protoreflect.MessageDescriptor
	// Idempotent is taken from the method's idempotency_level option.
	Idempotent bool
}

// Connector holds the connection to one reflected service.
type Connector struct {
	namespace string
	service   string
	target    string
	timeout   time.Duration
	creds     credentials.TransportCredentials
	opts      []grpc.DialOption
	logger    *slog.Logger

	conn    *grpc.ClientConn
	methods map[string]*Method
}

// Option configures a Connector.
type Option func(*Connector)

// WithDialOptions adds gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Connector) { c.opts = append(c.opts, opts...) }
}

// WithInsecure uses a plaintext connection.
func WithInsecure() Option {
	return func(c *Connector) { c.creds = insecure.NewCredentials() }
}

// WithCredentials sets the transport credentials. TLS with the system
// roots is the default.
func WithCredentials(creds credentials.TransportCredentials) Option {
	return func(c *Connector) { c.creds = creds }
}

// WithService selects the service to expose when the server hosts several.
func WithService(name string) Option {
	return func(c *Connector) { c.service = name }
}

// WithTimeout sets the per-call deadline of every member.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to target and reflects the service bound to namespace.
func Dial(ctx context.Context, namespace, target string, opts ...Option) (*Connector, error) {
	if err := capability.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	c := &Connector{
		namespace: namespace,
		target:    target,
		logger:    slog.Default(),
		methods:   make(map[string]*Method),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.creds == nil {
		c.creds = credentials.NewTLS(nil)
	}

	conn, err := grpc.NewClient(target, append([]grpc.DialOption{grpc.WithTransportCredentials(c.creds)}, c.opts...)...)
	if err != nil {
		return nil, errors.New(errors.CodeProviderUnavailable,
			fmt.Sprintf("connect to %s", target), err).WithContext("namespace", namespace)
	}
	c.conn = conn

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.reflect(rctx); err != nil {
		_ = conn.Close()
		return nil, errors.New(errors.CodeProviderUnavailable,
			fmt.Sprintf("reflect %s", target), err).WithContext("namespace", namespace)
	}
	c.logger.InfoContext(ctx, "grpcbridge.connected",
		slog.String("namespace", namespace),
		slog.String("target", target),
		slog.String("service", c.service),
		slog.Int("methods", len(c.methods)),
	)
	return c, nil
}

// Open dials the bridge described by cfg.
func Open(ctx context.Context, cfg config.GRPCBridgeConfig, opts ...Option) (*Connector, error) {
	base := []Option{WithService(cfg.Service), WithTimeout(cfg.Timeout)}
	if cfg.Insecure {
		base = append(base, WithInsecure())
	}
	return Dial(ctx, cfg.Namespace, cfg.Target, append(base, opts...)...)
}

// reflect lists the services of the server and resolves the selected one.
// Files are collected across the stream because the server sends each file
// only once per stream.
func (c *Connector) reflect(ctx context.Context) error {
	stream, err := reflectionpb.NewServerReflectionClient(c.conn).ServerReflectionInfo(ctx)
	if err != nil {
		return fmt.Errorf("open reflection stream: %w", err)
	}
	defer stream.CloseSend()

	if err := stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_ListServices{},
	}); err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	list := resp.GetListServicesResponse()
	if list == nil {
		return fmt.Errorf("unexpected reflection response %T", resp.GetMessageResponse())
	}
	var services []string
	for _, svc := range list.GetService() {
		if !strings.HasPrefix(svc.GetName(), reflectionPrefix) {
			services = append(services, svc.GetName())
		}
	}
	sort.Strings(services)

	switch {
	case c.service != "":
		found := false
		for _, s := range services {
			found = found || s == c.service
		}
		if !found {
			return fmt.Errorf("service %q not offered (have %s)", c.service, strings.Join(services, ", "))
		}
	case len(services) == 1:
		c.service = services[0]
	default:
		return fmt.Errorf("server offers %d services, choose one of %s", len(services), strings.Join(services, ", "))
	}

	if err := stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: c.service},
	}); err != nil {
		return fmt.Errorf("file of %s: %w", c.service, err)
	}
	resp, err = stream.Recv()
	if err != nil {
		return fmt.Errorf("file of %s: %w", c.service, err)
	}
	if e := resp.GetErrorResponse(); e != nil {
		return fmt.Errorf("file of %s: %s", c.service, e.GetErrorMessage())
	}
	fds := resp.GetFileDescriptorResponse()
	if fds == nil {
		return fmt.Errorf("unexpected reflection response %T", resp.GetMessageResponse())
	}

	set := &descriptorpb.FileDescriptorSet{}
	for _, raw := range fds.GetFileDescriptorProto() {
		fd := &descriptorpb.FileDescriptorProto{}
		if err := proto.Unmarshal(raw, fd); err != nil {
			return fmt.Errorf("decode file descriptor: %w", err)
		}
		set.File = append(set.File, fd)
	}
	files, err := protodesc.NewFiles(set)
	if err != nil {
		return fmt.Errorf("build file registry: %w", err)
	}
	return c.bindService(files)
}

// bindService maps the unary methods of the selected service to members.
func (c *Connector) bindService(files *protoregistry.Files) error {
	desc, err := files.FindDescriptorByName(protoreflect.FullName(c.service))
	if err != nil {
		return err
	}
	sd, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return fmt.Errorf("%s is not a service", c.service)
	}
	methods := sd.Methods()
	for i := 0; i < methods.Len(); i++ {
		m := methods.Get(i)
		if m.IsStreamingClient() || m.IsStreamingServer() {
			c.logger.Debug("grpcbridge.method.skipped",
				slog.String("method", string(m.FullName())),
				slog.String("reason", "streaming"))
			continue
		}
		member := MemberName(string(m.Name()))
		idempotent := false
		if opts, ok := m.Options().(*descriptorpb.MethodOptions); ok {
			switch opts.GetIdempotencyLevel() {
			case descriptorpb.MethodOptions_NO_SIDE_EFFECTS, descriptorpb.MethodOptions_IDEMPOTENT:
				idempotent = true
			}
		}
		c.methods[member] = &Method{
			Member:     member,
			FullName:   fmt.Sprintf("/%s/%s", c.service, m.Name()),
			Input:      m.Input(),
			Output:     m.Output(),
			Idempotent: idempotent,
		}
	}
	if len(c.methods) == 0 {
		return fmt.Errorf("service %s has no unary methods", c.service)
	}
	return nil
}

// MemberName lowers the first rune of a method name: CreateUser becomes
// createUser.
func MemberName(method string) string {
	r := []rune(method)
	if len(r) == 0 {
		return method
	}
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// Service returns the full name of the bound service.
func (c *Connector) Service() string { return c.service }

// Methods returns the bound methods sorted by member.
func (c *Connector) Methods() []*Method {
	out := make([]*Method, 0, len(c.methods))
	for _, m := range c.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })
	return out
}

// Namespace returns the namespace metadata.
func (c *Connector) Namespace() capability.Namespace {
	return capability.Namespace{
		Path:        c.namespace,
		Description: fmt.Sprintf("gRPC service %s at %s", c.service, c.target),
	}
}

// Descriptors returns one hosted descriptor per method.
func (c *Connector) Descriptors() ([]capability.Descriptor, error) {
	methods := c.Methods()
	out := make([]capability.Descriptor, 0, len(methods))
	for _, m := range methods {
		schema, args := MessageSchema(m.Input)
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidDescriptor,
				fmt.Sprintf("schema of %s", m.FullName), err)
		}
		result, _ := MessageSchema(m.Output)
		rawResult, _ := json.Marshal(result)
		out = append(out, capability.Descriptor{
			Namespace:   c.namespace,
			Member:      m.Member,
			Kind:        capability.KindHosted,
			Args:        args,
			Params:      raw,
			Result:      rawResult,
			Timeout:     c.timeout,
			Idempotent:  m.Idempotent,
			Description: fmt.Sprintf("gRPC method %s", strings.TrimPrefix(m.FullName, "/")),
		})
	}
	return out, nil
}

// Register adds the namespace and its descriptors to r.
func (c *Connector) Register(r *capability.Registry) error {
	if err := r.RegisterNamespace(c.Namespace()); err != nil {
		return err
	}
	descs, err := c.Descriptors()
	if err != nil {
		return err
	}
	return r.RegisterAll(descs...)
}

var (
	unmarshalOpts = protojson.UnmarshalOptions{}
	marshalOpts   = protojson.MarshalOptions{EmitUnpopulated: true}
)

// Handle implements dispatch.Provider.
func (c *Connector) Handle(ctx context.Context, req *dispatch.Request) *dispatch.Response {
	m, ok := c.methods[req.Member()]
	if !ok {
		return dispatch.Failure(req, dispatch.ProviderCodeUnimplemented, "no gRPC method behind %s", req.Descriptor.Path())
	}

	in := dynamicpb.NewMessage(m.Input)
	raw, err := json.Marshal(req.Params)
	if err == nil {
		err = unmarshalOpts.Unmarshal(raw, in)
	}
	if err != nil {
		return dispatch.Failure(req, dispatch.ProviderCodeInvalidArgument, "%s: %v", m.Input.FullName(), err)
	}

	out := dynamicpb.NewMessage(m.Output)
	if err := c.conn.Invoke(ctx, m.FullName, in, out); err != nil {
		return &dispatch.Response{CorrelationID: req.CorrelationID, Err: statusError(err)}
	}

	encoded, err := marshalOpts.Marshal(out)
	if err != nil {
		return dispatch.Failure(req, dispatch.ProviderCodeInternal, "encode %s: %v", m.Output.FullName(), err)
	}
	var result map[string]any
	if err := json.Unmarshal(encoded, &result); err != nil {
		return dispatch.Failure(req, dispatch.ProviderCodeInternal, "decode %s: %v", m.Output.FullName(), err)
	}
	return dispatch.Result(req, result)
}

// statusError maps a gRPC status onto a provider error. The provider code
// is the gRPC code name, so AlreadyExists and NotFound read the same as in
// other providers.
func statusError(err error) *dispatch.ProviderError {
	st, ok := status.FromError(err)
	if !ok {
		st = status.FromContextError(err)
	}
	pe := &dispatch.ProviderError{Code: st.Code().String(), Message: st.Message()}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		pe.Retryable = true
	case codes.Unknown:
		pe.Code = dispatch.ProviderCodeInternal
	}
	return pe
}

// Check reports the connection state.
func (c *Connector) Check(context.Context) core.HealthResult {
	res := core.HealthResult{Status: core.HealthHealthy, Component: c.namespace, LastCheck: time.Now()}
	switch st := c.conn.GetState(); st {
	case connectivity.TransientFailure, connectivity.Shutdown:
		res.Status = core.HealthUnhealthy
		res.Message = st.String()
	case connectivity.Connecting:
		res.Status = core.HealthDegraded
		res.Message = st.String()
	default:
		res.Message = st.String()
	}
	return res
}

// Close implements dispatch.Closer.
func (c *Connector) Close(context.Context) error {
	return c.conn.Close()
}
