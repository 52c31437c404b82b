package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the control plane's MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEvaluatePayment = mcp.NewTool("evaluate_payment",
	mcp.WithDescription(
		"Check whether a prospective payment would be allowed under the agent's current "+
			"policy (budget limits, rate limits, recipient allow/deny rules) without actually "+
			"recording or executing it. Use this before attempting a payment to avoid a denial."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address or identifier")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to pay, in the given currency's decimal notation (e.g. '1.50')")),
	mcp.WithString("currency",
		mcp.Description("Currency code (e.g. 'USDC'). Defaults to the agent's configured currency.")),
	mcp.WithString("protocol",
		mcp.Description("Payment protocol tag (e.g. 'x402', 'agent-mandate', 'card')"),
		mcp.Enum("x402", "agent-mandate", "card")),
)

var ToolGetSpend = mcp.NewTool("get_spend",
	mcp.WithDescription(
		"Get the agent's current spend against its configured budget windows "+
			"(daily/weekly/monthly), including remaining headroom before the next payment "+
			"would be denied."),
	mcp.WithString("window",
		mcp.Description("Restrict to a single budget window (e.g. 'daily'). Omit for all windows.")),
)

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"List alerts recently fired for this agent (budget threshold, large transaction, "+
			"rate spike, new recipient, anomaly). Use this to understand why a payment was "+
			"flagged or to check for suspicious activity."),
	mcp.WithString("severity",
		mcp.Description("Filter by minimum severity"),
		mcp.Enum("info", "warning", "critical")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 20)")),
)

var ToolFileDispute = mcp.NewTool("file_dispute",
	mcp.WithDescription(
		"Open a dispute against a settled transaction and request refund evaluation. "+
			"Use this when a payment completed but the paid-for service was never delivered "+
			"or was unsatisfactory."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of why the transaction is being disputed")),
)

var ToolBreakerStatus = mcp.NewTool("breaker_status",
	mcp.WithDescription(
		"Check the Circuit Breaker's current state for a facilitator (closed/open/half-open). "+
			"Use this to understand why payments through a given rail are being rejected."),
	mcp.WithString("facilitator_key",
		mcp.Required(),
		mcp.Description("The facilitator key, e.g. 'coinbase:settle' or 'stripe:settle'")),
)
