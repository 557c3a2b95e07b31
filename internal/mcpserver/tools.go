package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the anomaly scoring MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolQueryTransactions = mcp.NewTool("query_transactions",
	mcp.WithDescription(
		"List stored transactions with their anomaly scores, newest first. "+
			"Filter by user, risk level, source or time window. "+
			"Use the returned cursor to fetch the next page."),
	mcp.WithString("user_id",
		mcp.Description("Only transactions of this user")),
	mcp.WithString("risk_level",
		mcp.Description("Only transactions in this risk tier"),
		mcp.Enum("Low", "Medium", "High", "Critical")),
	mcp.WithString("source",
		mcp.Description("Where the transactions came from"),
		mcp.Enum("upload", "live_feed")),
	mcp.WithBoolean("only_anomalies",
		mcp.Description("Only transactions the model flagged as anomalous")),
	mcp.WithString("start",
		mcp.Description("Inclusive lower bound, RFC 3339 or YYYY-MM-DD")),
	mcp.WithString("end",
		mcp.Description("Exclusive upper bound, RFC 3339 or YYYY-MM-DD")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20, max 1000)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous query_transactions result")),
)

var ToolExplainTransaction = mcp.NewTool("explain_transaction",
	mcp.WithDescription(
		"Explain why a scored transaction received its risk score. "+
			"Returns the top reasons in plain language and the features that are unusual "+
			"compared with the user's own history or the whole population."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID as returned by query_transactions")),
)

var ToolGetStatistics = mcp.NewTool("get_statistics",
	mcp.WithDescription(
		"Get warehouse statistics: transaction and user counts, amount summary, "+
			"date range, risk tier distribution, anomaly count and the active model version."),
)

var ToolGetUserProfile = mcp.NewTool("get_user_profile",
	mcp.WithDescription(
		"Get a user's spending profile: transaction count, mean and standard deviation "+
			"of amounts, and first/last seen times."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID")),
)

var ToolTrainModel = mcp.NewTool("train_model",
	mcp.WithDescription(
		"Train a new anomaly model on every stored transaction. "+
			"The new model replaces the active one only if training succeeds. "+
			"Run score_all afterwards to rescore existing transactions."),
	mcp.WithNumber("contamination",
		mcp.Description("Expected share of anomalies, between 0 and 0.5 (default from server config)")),
	mcp.WithString("variant",
		mcp.Description("Model variant: 'isolation' (isolation forest), 'boundary' (one-class boundary) or 'ensemble' (both)"),
		mcp.Enum("isolation", "boundary", "ensemble")),
)

var ToolScoreAll = mcp.NewTool("score_all",
	mcp.WithDescription(
		"Score every transaction not yet scored by the active model. "+
			"Returns how many were scored and the resulting risk distribution."),
)
