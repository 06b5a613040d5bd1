// Package rpc is the client for the persistence service, which owns the
// long-term tables: runs, tasks, messages, usage and the plugin registry.
// The wire protocol is JSON-framed gRPC unary calls.
package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const servicePath = "/clawrun.persistence.v1.PersistenceService/"

// PersistenceRPC is the persistence surface the runtime depends on.
type PersistenceRPC interface {
	GetAgentConfig(ctx context.Context, workspaceID, agentID string) (*AgentConfig, error)
	GetContinueContextByMessage(ctx context.Context, messageID string) (*ContinueContext, error)
	GetContinueContextByRun(ctx context.Context, runID string) (*ContinueContext, error)

	CreateRun(ctx context.Context, req CreateRunRequest) (string, error)
	UpdateRunStatus(ctx context.Context, runID, stat string) error
	AppendMessage(ctx context.Context, msg Message) (string, error)

	CreateTask(ctx context.Context, task Task) (string, error)
	UpdateTask(ctx context.Context, update TaskUpdate) error

	RecordRunUsage(ctx context.Context, rec UsageRecord) error
	RecordTaskUsage(ctx context.Context, rec UsageRecord) error
	ReportPluginUsageEvents(ctx context.Context, events []PluginUsageEvent) error

	ListRuntimePlugins(ctx context.Context, workspaceID string) ([]RuntimePlugin, error)
	ReportRuntimePluginLoad(ctx context.Context, report PluginLoadReport) error

	Close() error
}

// Client is the gRPC-backed PersistenceRPC implementation.
type Client struct {
	conn *grpc.ClientConn
}

var _ PersistenceRPC = (*Client)(nil)

// NewClient connects to the persistence service at addr.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect persistence service: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke issues one unary call. req and resp are JSON-codec structs.
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, servicePath+method, req, resp); err != nil {
		return fmt.Errorf("persistence %s: %w", method, err)
	}
	return nil
}

// IsNotFound reports whether err carries gRPC status NOT_FOUND.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsInvalidArgument reports whether err carries gRPC status INVALID_ARGUMENT.
func IsInvalidArgument(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}

type agentConfigRequest struct {
	WorkspaceID string `json:"workspaceId"`
	AgentID     string `json:"agentId"`
}

func (c *Client) GetAgentConfig(ctx context.Context, workspaceID, agentID string) (*AgentConfig, error) {
	var cfg AgentConfig
	err := c.invoke(ctx, "GetAgentConfig", agentConfigRequest{WorkspaceID: workspaceID, AgentID: agentID}, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

type continueByMessageRequest struct {
	MessageID string `json:"messageId"`
}

func (c *Client) GetContinueContextByMessage(ctx context.Context, messageID string) (*ContinueContext, error) {
	var cc ContinueContext
	err := c.invoke(ctx, "GetContinueContextByMessage", continueByMessageRequest{MessageID: messageID}, &cc)
	if err != nil {
		return nil, err
	}
	return &cc, nil
}

type continueByRunRequest struct {
	RunID string `json:"runId"`
}

func (c *Client) GetContinueContextByRun(ctx context.Context, runID string) (*ContinueContext, error) {
	var cc ContinueContext
	err := c.invoke(ctx, "GetContinueContextByRun", continueByRunRequest{RunID: runID}, &cc)
	if err != nil {
		return nil, err
	}
	return &cc, nil
}

type createRunResponse struct {
	RunID string `json:"runId"`
}

func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (string, error) {
	var resp createRunResponse
	if err := c.invoke(ctx, "CreateRun", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

type updateRunStatusRequest struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

func (c *Client) UpdateRunStatus(ctx context.Context, runID, stat string) error {
	var resp struct{}
	return c.invoke(ctx, "UpdateRunStatus", updateRunStatusRequest{RunID: runID, Status: stat}, &resp)
}

type appendMessageResponse struct {
	MessageID string `json:"messageId"`
}

func (c *Client) AppendMessage(ctx context.Context, msg Message) (string, error) {
	var resp appendMessageResponse
	if err := c.invoke(ctx, "AppendMessage", msg, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

type createTaskResponse struct {
	TaskID string `json:"taskId"`
}

func (c *Client) CreateTask(ctx context.Context, task Task) (string, error) {
	var resp createTaskResponse
	if err := c.invoke(ctx, "CreateTask", task, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) UpdateTask(ctx context.Context, update TaskUpdate) error {
	var resp struct{}
	return c.invoke(ctx, "UpdateTask", update, &resp)
}

func (c *Client) RecordRunUsage(ctx context.Context, rec UsageRecord) error {
	var resp struct{}
	return c.invoke(ctx, "RecordRunUsage", rec, &resp)
}

func (c *Client) RecordTaskUsage(ctx context.Context, rec UsageRecord) error {
	var resp struct{}
	return c.invoke(ctx, "RecordTaskUsage", rec, &resp)
}

type pluginUsageBatch struct {
	Events []PluginUsageEvent `json:"events"`
}

func (c *Client) ReportPluginUsageEvents(ctx context.Context, events []PluginUsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	var resp struct{}
	return c.invoke(ctx, "ReportPluginUsageEvents", pluginUsageBatch{Events: events}, &resp)
}

type listRuntimePluginsRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

type listRuntimePluginsResponse struct {
	Plugins []RuntimePlugin `json:"plugins"`
}

func (c *Client) ListRuntimePlugins(ctx context.Context, workspaceID string) ([]RuntimePlugin, error) {
	var resp listRuntimePluginsResponse
	err := c.invoke(ctx, "ListRuntimePlugins", listRuntimePluginsRequest{WorkspaceID: workspaceID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Plugins, nil
}

func (c *Client) ReportRuntimePluginLoad(ctx context.Context, report PluginLoadReport) error {
	var resp struct{}
	return c.invoke(ctx, "ReportRuntimePluginLoad", report, &resp)
}
