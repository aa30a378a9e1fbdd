package cli

import (
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mssql-mcp",
		Short: "MCP server for Microsoft SQL Server",
		Long: "Serve Microsoft SQL Server query, stored procedure and catalog tools " +
			"to MCP clients over stdio or streamable HTTP.",
		SilenceUsage: true,
	}
	addServeFlags(root)
	root.RunE = handleServeCmd
	root.PreRunE = applyDebugFlag

	root.AddCommand(
		ServeCmd(),
		VersionCmd(),
	)

	return root
}
