package query

import (
	"encoding/json"
	"fmt"

	"github.com/compozy/mssql-mcp/engine/connection"
)

const (
	msgQueryNoRows     = "Query executed successfully. No rows returned."
	msgProcedureNoRows = "Stored procedure executed successfully. No rows returned."
)

type queryPayload struct {
	Success       bool             `json:"success"`
	ProcedureName string           `json:"procedureName,omitempty"`
	RowCount      int64            `json:"rowCount"`
	Data          []connection.Row `json:"data,omitempty"`
	Message       string           `json:"message,omitempty"`
}

type tablesPayload struct {
	Success bool             `json:"success"`
	Schema  string           `json:"schema"`
	Tables  []connection.Row `json:"tables"`
}

type tableSchemaPayload struct {
	Success   bool             `json:"success"`
	Schema    string           `json:"schema"`
	TableName string           `json:"tableName"`
	Columns   []connection.Row `json:"columns"`
}

func newQueryPayload(rs *connection.ResultSet, procedureName string) queryPayload {
	payload := queryPayload{Success: true, ProcedureName: procedureName, RowCount: rs.RowsAffected}
	switch {
	case len(rs.Rows) > 0:
		payload.Data = rs.Rows
	case procedureName != "":
		payload.Message = msgProcedureNoRows
	default:
		payload.Message = msgQueryNoRows
	}
	return payload
}

func rowsOrEmpty(rs *connection.ResultSet) []connection.Row {
	if rs == nil || rs.Rows == nil {
		return []connection.Row{}
	}
	return rs.Rows
}

// render produces the indented JSON text returned to tool callers.
func render(payload any) (string, error) {
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(out), nil
}
