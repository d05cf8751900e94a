package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the txguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	mcp.WithDescription(
		"Score a card transaction against the user's recent history and return approve or deny "+
			"with every rule it violated. By default this is a dry run and nothing is stored; "+
			"set persist=true to record the transaction with its recommendation."),
	mcp.WithNumber("transaction_id", mcp.Required(), mcp.Description("Unique transaction id")),
	mcp.WithNumber("merchant_id", mcp.Required(), mcp.Description("Merchant id")),
	mcp.WithNumber("user_id", mcp.Required(), mcp.Description("Card holder's user id")),
	mcp.WithNumber("device_id", mcp.Description("Device id, if the transaction came from a known device")),
	mcp.WithString("card_number", mcp.Required(), mcp.Description("Masked card number, e.g. '434505******9116'")),
	mcp.WithString("date", mcp.Required(), mcp.Description("Transaction time, RFC 3339 (e.g. '2019-12-01T23:16:32Z')")),
	mcp.WithString("amount", mcp.Required(), mcp.Description("Amount as a decimal string, e.g. '374.56'")),
	mcp.WithBoolean("persist", mcp.Description("Record the transaction (default false)")),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription("Look up a recorded transaction with its recommendation, violations and chargeback flag."),
	mcp.WithNumber("transaction_id", mcp.Required(), mcp.Description("Transaction id")),
)

var ToolFlagChargeback = mcp.NewTool("flag_chargeback",
	mcp.WithDescription(
		"Mark an approved transaction as charged back. The transaction is not re-scored, "+
			"but every later transaction of the same user will be denied."),
	mcp.WithNumber("transaction_id", mcp.Required(), mcp.Description("Transaction id")),
)

var ToolListUserTransactions = mcp.NewTool("list_user_transactions",
	mcp.WithDescription("List a user's recorded transactions, newest first."),
	mcp.WithNumber("user_id", mcp.Required(), mcp.Description("User id")),
	mcp.WithNumber("limit", mcp.Description("Maximum number of transactions to return (default 20)")),
	mcp.WithString("cursor", mcp.Description("Cursor from a previous page")),
)

var ToolListRules = mcp.NewTool("list_rules",
	mcp.WithDescription("Describe the fraud rules the engine applies, in evaluation order."),
	mcp.WithString("version",
		mcp.Description("Rule set version; defaults to the active one"),
		mcp.Enum("v1", "v2")),
)
