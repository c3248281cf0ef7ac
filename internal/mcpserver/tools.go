package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the credit risk MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetCreditProfile = mcp.NewTool("get_credit_profile",
	mcp.WithDescription(
		"Get the stored credit profile for a customer: score (300-1000), risk band (A best, E worst), "+
			"the behavioural features the score was computed from, and whether the profile is stale. "+
			"A stale profile means the last recompute failed and the score may not reflect recent activity."),
	mcp.WithString("customer_id",
		mcp.Required(),
		mcp.Description("Customer UUID")),
)

var ToolRecomputeCreditScore = mcp.NewTool("recompute_credit_score",
	mcp.WithDescription(
		"Recompute a customer's credit score from their full order and payment history and store the result. "+
			"Use this when a profile is stale or missing."),
	mcp.WithString("customer_id",
		mcp.Required(),
		mcp.Description("Customer UUID")),
)

var ToolListCreditProfiles = mcp.NewTool("list_credit_profiles",
	mcp.WithDescription(
		"List credit profiles, most recently updated first. "+
			"Filter by risk band or staleness to find customers that need review."),
	mcp.WithString("risk_band",
		mcp.Description("Only profiles in this band"),
		mcp.Enum("A", "B", "C", "D", "E")),
	mcp.WithBoolean("stale",
		mcp.Description("true for stale profiles only, false for fresh profiles only")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of profiles to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call to fetch the next page")),
)

var ToolExplainCreditScore = mcp.NewTool("explain_credit_score",
	mcp.WithDescription(
		"Explain how a customer's score was built: base points, each reward and penalty, "+
			"and the clamping applied. Use this to answer 'why is this customer rated D?'."),
	mcp.WithString("customer_id",
		mcp.Required(),
		mcp.Description("Customer UUID")),
)

var ToolGetPortfolioSummary = mcp.NewTool("get_portfolio_summary",
	mcp.WithDescription(
		"Get portfolio statistics across all scored customers: profile count, stale count, "+
			"average, minimum and maximum score, and the number of customers in each band."),
)

var ToolFindCustomer = mcp.NewTool("find_customer",
	mcp.WithDescription(
		"Find a customer's ID from their email address. "+
			"The other tools take a customer_id, so use this first when you only know the email."),
	mcp.WithString("email",
		mcp.Required(),
		mcp.Description("Customer email address")),
)
