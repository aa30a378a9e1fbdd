package query

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/compozy/mssql-mcp/engine/connection"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var errSyntax = mssql.Error{Number: 102, Message: "Incorrect syntax near 'FORM'."}

func TestExecutor_ExecuteQuery(t *testing.T) {
	t.Run("Should return rows in column order", func(t *testing.T) {
		pool := newScriptedPool(step{rs: resultSet(
			[]string{"id", "name"},
			[]any{int64(1), "Ada"},
			[]any{int64(2), "Grace"},
		)})
		exec := NewExecutor(&fakeProvider{pool: pool})

		out, err := exec.ExecuteQuery(t.Context(), "SELECT id, name FROM users", nil)
		require.NoError(t, err)

		assert.True(t, gjson.Get(out, "success").Bool())
		assert.Equal(t, int64(2), gjson.Get(out, "rowCount").Int())
		assert.Equal(t, "Grace", gjson.Get(out, "data.1.name").String())
		assert.False(t, gjson.Get(out, "message").Exists())
		assert.Less(t, strings.Index(out, `"id"`), strings.Index(out, `"name"`))
		assert.Contains(t, out, "\n  \"success\": true")
	})

	t.Run("Should report statements without rows", func(t *testing.T) {
		rs := &connection.ResultSet{RowsAffected: 3}
		exec := NewExecutor(&fakeProvider{pool: newScriptedPool(step{rs: rs})})

		out, err := exec.ExecuteQuery(t.Context(), "UPDATE users SET active = 1", nil)
		require.NoError(t, err)

		assert.Equal(t, int64(3), gjson.Get(out, "rowCount").Int())
		assert.Equal(t, "Query executed successfully. No rows returned.", gjson.Get(out, "message").String())
		assert.False(t, gjson.Get(out, "data").Exists())
	})

	t.Run("Should bind parameters by name in key order", func(t *testing.T) {
		pool := newScriptedPool()
		exec := NewExecutor(&fakeProvider{pool: pool})

		_, err := exec.ExecuteQuery(t.Context(), "SELECT * FROM users WHERE id = @id AND name = @name",
			map[string]any{"name": "Ada", "@id": 1})
		require.NoError(t, err)

		calls := pool.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "SELECT * FROM users WHERE id = @id AND name = @name", calls[0].text)
		assert.Equal(t, []any{sql.Named("id", 1), sql.Named("name", "Ada")}, calls[0].args)
	})

	t.Run("Should retry a connection reset once and then succeed", func(t *testing.T) {
		pool := newScriptedPool(
			step{err: fmt.Errorf("read tcp: %w", syscall.ECONNRESET)},
			step{rs: resultSet([]string{"n"}, []any{int64(1)})},
		)
		provider := &fakeProvider{pool: pool}
		metrics := &recordingMetrics{}
		exec := NewExecutor(provider, WithRetryDelay(20*time.Millisecond), WithMetrics(metrics))

		out, err := exec.ExecuteQuery(t.Context(), "SELECT 1 AS n", nil)
		require.NoError(t, err)

		calls := pool.Calls()
		require.Len(t, calls, 2)
		assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 20*time.Millisecond)
		assert.Equal(t, 2, provider.Calls())
		assert.Equal(t, int64(1), gjson.Get(out, "data.0.n").Int())
		assert.Equal(t, []FailureKind{FailureConnectionReset}, metrics.retries)
		assert.Equal(t, []string{"execute_query:success"}, metrics.ops)
	})

	t.Run("Should wait the default delay before the second attempt", func(t *testing.T) {
		if testing.Short() {
			t.Skip("uses the real retry delay")
		}
		pool := newScriptedPool(
			step{err: errors.New("read ECONNRESET")},
			step{rs: &connection.ResultSet{}},
		)
		exec := NewExecutor(&fakeProvider{pool: pool})

		_, err := exec.ExecuteQuery(t.Context(), "SELECT 1", nil)
		require.NoError(t, err)

		calls := pool.Calls()
		require.Len(t, calls, 2)
		gap := calls[1].at.Sub(calls[0].at)
		assert.GreaterOrEqual(t, gap, DefaultRetryDelay)
		assert.Less(t, gap, 2*DefaultRetryDelay)
	})

	t.Run("Should back off linearly and give up after the last attempt", func(t *testing.T) {
		pool := newScriptedPool(step{err: errors.New("socket hang up")})
		exec := NewExecutor(&fakeProvider{pool: pool}, WithRetryDelay(15*time.Millisecond))

		_, err := exec.ExecuteQuery(t.Context(), "SELECT 1", nil)

		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, 3, execErr.Attempts)
		assert.Equal(t, FailureConnectionReset, execErr.Kind)
		assert.Equal(t, "Query execution failed: socket hang up", err.Error())
		calls := pool.Calls()
		require.Len(t, calls, 3)
		assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 15*time.Millisecond)
		assert.GreaterOrEqual(t, calls[2].at.Sub(calls[1].at), 30*time.Millisecond)
	})

	t.Run("Should not retry a syntax error", func(t *testing.T) {
		pool := newScriptedPool(step{err: errSyntax})
		exec := NewExecutor(&fakeProvider{pool: pool}, WithRetryDelay(time.Hour))

		_, err := exec.ExecuteQuery(t.Context(), "SELECT * FORM users", nil)

		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, 1, execErr.Attempts)
		assert.Equal(t, FailureOther, execErr.Kind)
		assert.Len(t, pool.Calls(), 1)
		assert.Contains(t, err.Error(), "Query execution failed: ")
		assert.Contains(t, err.Error(), "Incorrect syntax")
	})

	t.Run("Should honor the configured attempt count", func(t *testing.T) {
		pool := newScriptedPool(step{err: errors.New("Connection lost")})
		exec := NewExecutor(&fakeProvider{pool: pool}, WithMaxRetries(1), WithRetryDelay(time.Hour))

		_, err := exec.ExecuteQuery(t.Context(), "SELECT 1", nil)

		require.Error(t, err)
		assert.Len(t, pool.Calls(), 1)
	})

	t.Run("Should not retry a login failure during reconnect", func(t *testing.T) {
		loginErr := &connection.ReconnectError{Err: mssql.Error{Number: 18456, Message: "Login failed for user 'sa'."}}
		provider := &fakeProvider{err: loginErr}
		exec := NewExecutor(provider, WithRetryDelay(time.Hour))

		_, err := exec.ExecuteQuery(t.Context(), "SELECT 1", nil)

		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, 1, execErr.Attempts)
		assert.Equal(t, 1, provider.calls)
		assert.Contains(t, err.Error(), "Login failed")
	})

	t.Run("Should surface NotConfigured with the operation label", func(t *testing.T) {
		exec := NewExecutor(&fakeProvider{err: connection.ErrNotConfigured}, WithRetryDelay(time.Hour))

		_, err := exec.ExecuteQuery(t.Context(), "SELECT 1", nil)

		assert.ErrorIs(t, err, connection.ErrNotConfigured)
		assert.Contains(t, err.Error(), "Query execution failed: database not connected")
	})
}

func TestExecutor_ExecuteStoredProcedure(t *testing.T) {
	t.Run("Should echo the procedure name", func(t *testing.T) {
		pool := newScriptedPool(step{rs: resultSet([]string{"total"}, []any{int64(42)})})
		exec := NewExecutor(&fakeProvider{pool: pool})

		out, err := exec.ExecuteStoredProcedure(t.Context(), "dbo.usp_Totals", map[string]any{"year": 2024})
		require.NoError(t, err)

		calls := pool.Calls()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].proc)
		assert.Equal(t, "dbo.usp_Totals", calls[0].text)
		assert.Equal(t, []any{sql.Named("year", 2024)}, calls[0].args)
		assert.Equal(t, "dbo.usp_Totals", gjson.Get(out, "procedureName").String())
		assert.Equal(t, int64(42), gjson.Get(out, "data.0.total").Int())
	})

	t.Run("Should report procedures without rows", func(t *testing.T) {
		exec := NewExecutor(&fakeProvider{pool: newScriptedPool(step{rs: &connection.ResultSet{}})})

		out, err := exec.ExecuteStoredProcedure(t.Context(), "usp_Cleanup", nil)
		require.NoError(t, err)

		assert.Equal(t, "Stored procedure executed successfully. No rows returned.", gjson.Get(out, "message").String())
		assert.Equal(t, int64(0), gjson.Get(out, "rowCount").Int())
	})

	t.Run("Should label failures", func(t *testing.T) {
		failure := mssql.Error{Number: 2812, Message: "Could not find stored procedure 'nope'."}
		exec := NewExecutor(&fakeProvider{pool: newScriptedPool(step{err: failure})})

		_, err := exec.ExecuteStoredProcedure(t.Context(), "nope", nil)

		assert.EqualError(t, err, "Stored procedure execution failed: mssql: Could not find stored procedure 'nope'.")
	})
}

func TestExecutor_GetTables(t *testing.T) {
	t.Run("Should filter by schema and order by name", func(t *testing.T) {
		columns := []string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}
		pool := newScriptedPool(step{rs: resultSet(columns,
			[]any{"sales", "Customers", "BASE TABLE"},
			[]any{"sales", "Orders", "BASE TABLE"},
		)})
		exec := NewExecutor(&fakeProvider{pool: pool})

		out, err := exec.GetTables(t.Context(), "sales")
		require.NoError(t, err)

		calls := pool.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t,
			"SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE FROM INFORMATION_SCHEMA.TABLES "+
				"WHERE TABLE_SCHEMA = @p1 ORDER BY TABLE_NAME",
			calls[0].text,
		)
		assert.Equal(t, []any{"sales"}, calls[0].args)
		assert.Equal(t, "sales", gjson.Get(out, "schema").String())
		assert.Equal(t, []string{"Customers", "Orders"}, stringsAt(out, "tables.#.TABLE_NAME"))
	})

	t.Run("Should default to dbo and return an empty list", func(t *testing.T) {
		pool := newScriptedPool(step{rs: &connection.ResultSet{}})
		exec := NewExecutor(&fakeProvider{pool: pool})

		out, err := exec.GetTables(t.Context(), "")
		require.NoError(t, err)

		assert.Equal(t, []any{"dbo"}, pool.Calls()[0].args)
		assert.Equal(t, "dbo", gjson.Get(out, "schema").String())
		assert.True(t, gjson.Get(out, "tables").IsArray())
		assert.Empty(t, gjson.Get(out, "tables").Array())
	})

	t.Run("Should label failures", func(t *testing.T) {
		exec := NewExecutor(&fakeProvider{pool: newScriptedPool(step{err: errSyntax})})

		_, err := exec.GetTables(t.Context(), "dbo")

		assert.ErrorContains(t, err, "Failed to get tables: ")
	})
}

func TestExecutor_GetTableSchema(t *testing.T) {
	t.Run("Should filter by schema and table and keep ordinal order", func(t *testing.T) {
		pool := newScriptedPool(step{rs: resultSet(schemaColumns,
			[]any{"id", "int", "NO", nil, nil, int64(10), int64(0), int64(1)},
			[]any{"email", "nvarchar", "YES", nil, int64(255), nil, nil, int64(2)},
		)})
		exec := NewExecutor(&fakeProvider{pool: pool})

		out, err := exec.GetTableSchema(t.Context(), "Users", "")
		require.NoError(t, err)

		calls := pool.Calls()
		require.Len(t, calls, 1)
		assert.Contains(t, calls[0].text, "FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2")
		assert.True(t, strings.HasSuffix(calls[0].text, "ORDER BY ORDINAL_POSITION"))
		assert.Equal(t, []any{"dbo", "Users"}, calls[0].args)
		assert.Equal(t, "Users", gjson.Get(out, "tableName").String())
		assert.Equal(t, "dbo", gjson.Get(out, "schema").String())
		assert.Equal(t, []string{"id", "email"}, stringsAt(out, "columns.#.COLUMN_NAME"))
		assert.Equal(t, gjson.Null, gjson.Get(out, "columns.0.COLUMN_DEFAULT").Type)
		assert.Equal(t, int64(255), gjson.Get(out, "columns.1.CHARACTER_MAXIMUM_LENGTH").Int())
	})

	t.Run("Should label failures", func(t *testing.T) {
		exec := NewExecutor(&fakeProvider{pool: newScriptedPool(step{err: errSyntax})})

		_, err := exec.GetTableSchema(t.Context(), "Users", "dbo")

		assert.ErrorContains(t, err, "Failed to get table schema: ")
	})
}

func stringsAt(json, path string) []string {
	var out []string
	for _, v := range gjson.Get(json, path).Array() {
		out = append(out, v.String())
	}
	return out
}
