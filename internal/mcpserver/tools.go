package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the LoanLens MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateSession = mcp.NewTool("create_session",
	mcp.WithDescription(
		"Start a simulated payday-loan application session. "+
			"The session opens in the exploitative phase with the loan terms computed for the jurisdiction. "+
			"Returns the session id used by every other tool."),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Loan principal in USD (e.g. 300)")),
	mcp.WithNumber("term_days",
		mcp.Required(),
		mcp.Description("Loan term in days (e.g. 14)")),
	mcp.WithString("jurisdiction",
		mcp.Required(),
		mcp.Description("US state code whose lending rules apply (e.g. 'TX', 'CA')")),
	mcp.WithBoolean("research_consent",
		mcp.Description("Whether the borrower consented to research export of this session")),
	mcp.WithBoolean("anonymized",
		mcp.Description("Replace the session id with a one-way reference in exports")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Get the current phase, loan terms and behavioral metrics of a session. "+
			"Optionally include the full event log."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session id returned by create_session")),
	mcp.WithBoolean("include_events",
		mcp.Description("Include the ordered event log")),
)

var ToolGetAnalytics = mcp.NewTool("get_analytics",
	mcp.WithDescription(
		"Get the analysis report for a session: overall risk, detected manipulation by category, "+
			"regulatory violations, estimated financial harm and protective recommendations."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session id returned by create_session")),
)

var ToolAdvancePhase = mcp.NewTool("advance_phase",
	mcp.WithDescription(
		"Move a session forward to its next phase. Phases run "+
			"exploitative, ethical, reflection, completed; skipping or going back is rejected."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session id returned by create_session")),
	mcp.WithString("phase",
		mcp.Required(),
		mcp.Description("Target phase"),
		mcp.Enum("exploitative", "ethical", "reflection", "completed")),
)

var ToolListPatterns = mcp.NewTool("list_patterns",
	mcp.WithDescription(
		"List the dark patterns the detector knows about, with harm level and protective guidance."),
	mcp.WithString("category",
		mcp.Description("Filter by category (e.g. 'false_urgency', 'hidden_costs', 'preselection')")),
)
