package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/mark3labs/mcp-go/mcp"
)

// Provider codes reported for MCP failures.
const (
	ProviderCodeToolError = "ToolError"
)

// ToolCaller abstracts MCP tool execution.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type closer interface {
	Close() error
}

// Provider serves a hosted namespace whose members are the tools of one
// MCP server.
type Provider struct {
	caller ToolCaller
	tools  map[string]string // member -> tool name
}

// NewProvider returns a provider forwarding calls to caller.
func NewProvider(caller ToolCaller, tools []mcp.Tool) *Provider {
	p := &Provider{caller: caller, tools: make(map[string]string, len(tools))}
	for _, t := range tools {
		p.tools[MemberName(t.Name)] = t.Name
	}
	return p
}

// Handle implements dispatch.Provider.
func (p *Provider) Handle(ctx context.Context, req *dispatch.Request) *dispatch.Response {
	name, ok := p.tools[req.Member()]
	if !ok {
		return dispatch.Failure(req, dispatch.ProviderCodeUnimplemented, "no MCP tool behind %s", req.Descriptor.Path())
	}
	args := req.Params
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := p.caller.CallTool(ctx, name, args)
	if err != nil {
		return &dispatch.Response{
			CorrelationID: req.CorrelationID,
			Err: &dispatch.ProviderError{
				Code:      dispatch.ProviderCodeUnavailable,
				Message:   fmt.Sprintf("mcp tool %s: %v", name, err),
				Retryable: true,
			},
		}
	}
	out, pe := toolResultToOutput(result)
	if pe != nil {
		return &dispatch.Response{CorrelationID: req.CorrelationID, Err: pe}
	}
	return dispatch.Result(req, out)
}

// Check reports whether the MCP server answers pings.
func (p *Provider) Check(ctx context.Context) core.HealthResult {
	pg, ok := p.caller.(pinger)
	if !ok {
		return core.HealthResult{Status: core.HealthHealthy, Message: "ping not supported"}
	}
	return core.PingChecker(pg.Ping).Check(ctx)
}

// Close closes the underlying client.
func (p *Provider) Close(context.Context) error {
	if c, ok := p.caller.(closer); ok {
		return c.Close()
	}
	return nil
}

// MemberName turns an MCP tool name into a member name: read_file and
// read-file become readFile.
func MemberName(tool string) string {
	parts := strings.FieldsFunc(tool, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	for i, part := range parts {
		runes := []rune(part)
		if i == 0 {
			runes[0] = unicode.ToLower(runes[0])
		} else {
			runes[0] = unicode.ToUpper(runes[0])
		}
		b.WriteString(string(runes))
	}
	name := b.String()
	if name == "" || unicode.IsDigit([]rune(name)[0]) {
		name = "tool" + capability.ExportedName(name)
	}
	return name
}

// Descriptors builds one hosted descriptor per tool. Positional arguments
// follow the required fields, then the remaining properties by name.
func Descriptors(namespace string, tools []mcp.Tool) ([]capability.Descriptor, error) {
	seen := make(map[string]string, len(tools))
	out := make([]capability.Descriptor, 0, len(tools))
	for _, t := range tools {
		member := MemberName(t.Name)
		if prev, dup := seen[member]; dup {
			return nil, errors.New(errors.CodeInvalidDescriptor,
				fmt.Sprintf("MCP tools %q and %q both map to %s.%s", prev, t.Name, namespace, member), nil)
		}
		seen[member] = t.Name

		schema, err := inputSchema(t)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidDescriptor,
				fmt.Sprintf("input schema of MCP tool %q", t.Name), err)
		}
		out = append(out, capability.Descriptor{
			Namespace:   namespace,
			Member:      member,
			Kind:        capability.KindHosted,
			Args:        argOrder(schema),
			Params:      schema,
			Description: t.Description,
			Idempotent:  t.Annotations.IdempotentHint != nil && *t.Annotations.IdempotentHint,
		})
	}
	return out, nil
}

func inputSchema(t mcp.Tool) (json.RawMessage, error) {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema, nil
	}
	schema := t.InputSchema
	if schema.Type == "" {
		schema.Type = "object"
	}
	return json.Marshal(schema)
}

func argOrder(schema json.RawMessage) []string {
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	args := make([]string, 0, len(doc.Properties))
	taken := make(map[string]bool, len(doc.Properties))
	for _, r := range doc.Required {
		if _, ok := doc.Properties[r]; ok && !taken[r] {
			args = append(args, r)
			taken[r] = true
		}
	}
	rest := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		if !taken[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(args, rest...)
}

func toolResultToOutput(result *mcp.CallToolResult) (any, *dispatch.ProviderError) {
	if result == nil {
		return nil, dispatch.Errorf(dispatch.ProviderCodeInternal, "mcp tool result is nil")
	}
	if result.IsError {
		return nil, dispatch.Errorf(ProviderCodeToolError, "%s", extractTextContent(result.Content))
	}
	if result.StructuredContent != nil {
		raw, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, dispatch.Errorf(dispatch.ProviderCodeInternal, "structured content: %v", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, dispatch.Errorf(dispatch.ProviderCodeInternal, "structured content: %v", err)
		}
		return v, nil
	}
	return extractTextContent(result.Content), nil
}

func extractTextContent(items []mcp.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Binding is a discovered MCP server ready to be registered.
type Binding struct {
	Namespace   capability.Namespace
	Descriptors []capability.Descriptor
	Provider    *Provider
}

// Register adds the namespace and its descriptors to r.
func (b *Binding) Register(r *capability.Registry) error {
	if err := r.RegisterNamespace(b.Namespace); err != nil {
		return err
	}
	return r.RegisterAll(b.Descriptors...)
}

// Bind lists the tools of client and prepares the namespace serving them.
func Bind(ctx context.Context, namespace, description string, client *Client) (*Binding, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, errors.New(errors.CodeProviderUnavailable, "list MCP tools", err).
			WithContext("namespace", namespace)
	}
	descs, err := Descriptors(namespace, tools)
	if err != nil {
		return nil, err
	}
	return &Binding{
		Namespace:   capability.Namespace{Path: namespace, Description: description},
		Descriptors: descs,
		Provider:    NewProvider(client, tools),
	}, nil
}

// Connect dials the server described by cfg and binds its tools.
func Connect(ctx context.Context, cfg config.MCPServerConfig, opts ...ClientOption) (*Binding, error) {
	client, err := Dial(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	b, err := Bind(ctx, cfg.Namespace, "MCP server "+cfg.Name, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}
