package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/compozy/mssql-mcp/engine/connection"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	ToolConfigureConnection    = "configure_connection"
	ToolExecuteQuery           = "execute_query"
	ToolExecuteStoredProcedure = "execute_stored_procedure"
	ToolGetTables              = "get_tables"
	ToolGetTableSchema         = "get_table_schema"
	ToolDisconnect             = "disconnect"
	ToolConnectionStatus       = "connection_status"

	defaultSchema = "dbo"
)

// ArgumentError reports a tool call whose arguments are missing or malformed.
type ArgumentError string

func (e ArgumentError) Error() string {
	return string(e)
}

const (
	errArgumentsRequired ArgumentError = "Arguments required for configure_connection"
	errConfigShape       ArgumentError = "Either connectionString or (server, database, user, password) must be provided"
	errQueryRequired     ArgumentError = "Query argument required for execute_query"
	errProcedureRequired ArgumentError = "Procedure name required for execute_stored_procedure"
	errTableRequired     ArgumentError = "Table name required for get_table_schema"
	errParametersShape   ArgumentError = "parameters must be an object of name/value pairs"
)

// Connections is the part of the connection manager the tools drive.
type Connections interface {
	Configure(ctx context.Context, cfg *connection.Config) (string, error)
	Disconnect(ctx context.Context) (string, error)
	IsConnected() bool
	State() connection.State
	CurrentConfig() *connection.Config
}

// Queries is the part of the query executor the tools drive.
type Queries interface {
	ExecuteQuery(ctx context.Context, text string, params map[string]any) (string, error)
	ExecuteStoredProcedure(ctx context.Context, name string, params map[string]any) (string, error)
	GetTables(ctx context.Context, schema string) (string, error)
	GetTableSchema(ctx context.Context, table, schema string) (string, error)
}

// Toolset builds the tool definitions served over MCP.
type Toolset struct {
	connections Connections
	queries     Queries
}

func NewToolset(connections Connections, queries Queries) *Toolset {
	return &Toolset{connections: connections, queries: queries}
}

// Definitions returns every tool in the order they are advertised.
func (ts *Toolset) Definitions() []Definition {
	return []Definition{
		{Tool: configureConnectionTool(), Handler: ts.configureConnection},
		{Tool: executeQueryTool(), Handler: ts.executeQuery},
		{Tool: executeStoredProcedureTool(), Handler: ts.executeStoredProcedure},
		{Tool: getTablesTool(), Handler: ts.getTables},
		{Tool: getTableSchemaTool(), Handler: ts.getTableSchema},
		{Tool: disconnectTool(), Handler: ts.disconnect},
		{Tool: connectionStatusTool(), Handler: ts.connectionStatus},
	}
}

func (ts *Toolset) configureConnection(ctx context.Context, args map[string]any) (string, error) {
	if len(args) == 0 {
		return "", errArgumentsRequired
	}
	cfg, err := connection.DecodeConfig(args)
	if err != nil {
		return "", err
	}
	if !cfg.UsesConnectionString() && !hasCredentialTuple(cfg) {
		return "", errConfigShape
	}
	return ts.connections.Configure(ctx, cfg)
}

func (ts *Toolset) executeQuery(ctx context.Context, args map[string]any) (string, error) {
	text, ok := args["query"].(string)
	if !ok {
		return "", errQueryRequired
	}
	params, err := parametersArg(args)
	if err != nil {
		return "", err
	}
	return ts.queries.ExecuteQuery(ctx, text, params)
}

func (ts *Toolset) executeStoredProcedure(ctx context.Context, args map[string]any) (string, error) {
	name, ok := args["procedureName"].(string)
	if !ok {
		return "", errProcedureRequired
	}
	params, err := parametersArg(args)
	if err != nil {
		return "", err
	}
	return ts.queries.ExecuteStoredProcedure(ctx, name, params)
}

func (ts *Toolset) getTables(ctx context.Context, args map[string]any) (string, error) {
	return ts.queries.GetTables(ctx, schemaArg(args))
}

func (ts *Toolset) getTableSchema(ctx context.Context, args map[string]any) (string, error) {
	table, ok := args["tableName"].(string)
	if !ok {
		return "", errTableRequired
	}
	return ts.queries.GetTableSchema(ctx, table, schemaArg(args))
}

func (ts *Toolset) disconnect(ctx context.Context, _ map[string]any) (string, error) {
	return ts.connections.Disconnect(ctx)
}

type statusPayload struct {
	Success   bool               `json:"success"`
	State     connection.State   `json:"state"`
	Connected bool               `json:"connected"`
	Config    *connection.Config `json:"config,omitempty"`
}

func (ts *Toolset) connectionStatus(_ context.Context, _ map[string]any) (string, error) {
	payload := statusPayload{
		Success:   true,
		State:     ts.connections.State(),
		Connected: ts.connections.IsConnected(),
		Config:    ts.connections.CurrentConfig().Redacted(),
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode connection status: %w", err)
	}
	return string(out), nil
}

func hasCredentialTuple(cfg *connection.Config) bool {
	for _, v := range []string{cfg.Server, cfg.Database, cfg.User, cfg.Password} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

func parametersArg(args map[string]any) (map[string]any, error) {
	raw, ok := args["parameters"]
	if !ok || raw == nil {
		return nil, nil
	}
	params, ok := raw.(map[string]any)
	if !ok {
		return nil, errParametersShape
	}
	return params, nil
}

func schemaArg(args map[string]any) string {
	if schema, ok := args["schema"].(string); ok && schema != "" {
		return schema
	}
	return defaultSchema
}

func configureConnectionTool() mcp.Tool {
	return mcp.NewTool(ToolConfigureConnection,
		mcp.WithDescription(
			"Configure MSSQL database connection. You can either provide a full connection string "+
				"or individual connection parameters.",
		),
		mcp.WithString("connectionString",
			mcp.Description(
				`Full connection string (e.g., "Server=localhost;Database=mydb;User Id=sa;Password=pass123;")`,
			),
		),
		mcp.WithString("server", mcp.Description("Database server hostname or IP address")),
		mcp.WithString("database", mcp.Description("Database name")),
		mcp.WithString("user", mcp.Description("Username for authentication")),
		mcp.WithString("password", mcp.Description("Password for authentication")),
		mcp.WithNumber("port",
			mcp.Description("Database port (default: 1433)"),
			mcp.DefaultNumber(connection.DefaultPort),
		),
		mcp.WithBoolean("encrypt",
			mcp.Description("Enable encryption (default: true for hostnames, false for IP addresses)"),
		),
		mcp.WithBoolean("trustServerCertificate",
			mcp.Description("Trust server certificate (default: true)"),
		),
		mcp.WithObject("options", mcp.Description("Additional connection options")),
	)
}

func executeQueryTool() mcp.Tool {
	return mcp.NewTool(ToolExecuteQuery,
		mcp.WithDescription("Execute a SQL query against the configured database"),
		mcp.WithString("query", mcp.Required(), mcp.Description("SQL query to execute")),
		mcp.WithObject("parameters", mcp.Description("Query parameters as key-value pairs")),
	)
}

func executeStoredProcedureTool() mcp.Tool {
	return mcp.NewTool(ToolExecuteStoredProcedure,
		mcp.WithDescription("Execute a stored procedure"),
		mcp.WithString("procedureName",
			mcp.Required(),
			mcp.Description("Name of the stored procedure to execute"),
		),
		mcp.WithObject("parameters", mcp.Description("Procedure parameters as key-value pairs")),
	)
}

func getTablesTool() mcp.Tool {
	return mcp.NewTool(ToolGetTables,
		mcp.WithDescription("Get list of tables in the database"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("schema",
			mcp.Description("Schema name (default: dbo)"),
			mcp.DefaultString(defaultSchema),
		),
	)
}

func getTableSchemaTool() mcp.Tool {
	return mcp.NewTool(ToolGetTableSchema,
		mcp.WithDescription("Get schema information for a specific table"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("tableName", mcp.Required(), mcp.Description("Name of the table")),
		mcp.WithString("schema",
			mcp.Description("Schema name (default: dbo)"),
			mcp.DefaultString(defaultSchema),
		),
	)
}

func disconnectTool() mcp.Tool {
	return mcp.NewTool(ToolDisconnect,
		mcp.WithDescription("Disconnect from the database"),
	)
}

func connectionStatusTool() mcp.Tool {
	return mcp.NewTool(ToolConnectionStatus,
		mcp.WithDescription("Report the connection state and the active configuration with secrets redacted"),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}
