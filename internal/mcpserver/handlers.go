package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/loanlens/internal/events"
	"github.com/mbd888/loanlens/internal/patterns"
	"github.com/mbd888/loanlens/internal/report"
	"github.com/mbd888/loanlens/internal/session"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateSession starts a session.
func (h *Handlers) HandleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := CreateSessionParams{
		Amount:          req.GetFloat("amount", 0),
		TermDays:        req.GetInt("term_days", 0),
		Jurisdiction:    strings.TrimSpace(req.GetString("jurisdiction", "")),
		ResearchConsent: req.GetBool("research_consent", false),
		Anonymized:      req.GetBool("anonymized", false),
	}
	if p.Amount <= 0 {
		return mcp.NewToolResultError("amount must be positive"), nil
	}
	if p.TermDays <= 0 {
		return mcp.NewToolResultError("term_days must be positive"), nil
	}
	if p.Jurisdiction == "" {
		return mcp.NewToolResultError("jurisdiction is required"), nil
	}

	raw, err := h.client.CreateSession(ctx, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create session: %v", err)), nil
	}

	var resp struct {
		Session session.SessionView `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText("Session created.\n\n" + formatSession(resp.Session)), nil
}

// HandleGetSession returns a session summary.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, id, req.GetBool("include_events", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	var resp struct {
		Session session.SessionView `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	text := formatSession(resp.Session)
	if len(resp.Session.Events) > 0 {
		text += "\n" + formatEvents(resp.Session.Events)
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAnalytics returns the analysis report.
func (h *Handlers) HandleGetAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetAnalytics(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get analytics: %v", err)), nil
	}

	var resp struct {
		Report report.AnalysisReport `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	return mcp.NewToolResultText(formatReport(&resp.Report)), nil
}

// HandleAdvancePhase moves a session forward.
func (h *Handlers) HandleAdvancePhase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	phase := req.GetString("phase", "")
	if phase == "" {
		return mcp.NewToolResultError("phase is required"), nil
	}

	raw, err := h.client.AdvancePhase(ctx, id, phase)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to advance phase: %v", err)), nil
	}

	var resp struct {
		Session session.SessionView `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session %s is now in the %s phase.\n\n%s",
		resp.Session.ID, resp.Session.Phase, formatSession(resp.Session))), nil
}

// HandleListPatterns lists catalog patterns.
func (h *Handlers) HandleListPatterns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPatterns(ctx, req.GetString("category", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list patterns: %v", err)), nil
	}

	var resp struct {
		Patterns []patterns.PatternDefinition `json:"patterns"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse patterns: %v", err)), nil
	}

	return mcp.NewToolResultText(formatPatterns(resp.Patterns)), nil
}

// --- Formatting helpers ---

func formatSession(v session.SessionView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\n", v.ID)
	fmt.Fprintf(&sb, "Phase: %s\n", v.Phase)
	fmt.Fprintf(&sb, "Loan: $%.2f over %d days (%s)\n", v.Loan.Amount, v.Loan.TermDays, v.Loan.Jurisdiction)
	fmt.Fprintf(&sb, "Terms: fee $%.2f | APR %.2f%% | total $%.2f", v.Terms.Fee, v.Terms.APR, v.Terms.TotalCost)
	if v.Terms.Capped {
		sb.WriteString(" (capped)")
	}
	sb.WriteString("\n")
	if v.Terms.RolloverCount > 0 {
		fmt.Fprintf(&sb, "Rollovers: %d\n", v.Terms.RolloverCount)
	}
	m := v.Metrics
	fmt.Fprintf(&sb, "Metrics: coercion %.1f | cognitive load %.1f | autonomy %.1f | ethics %.1f/10\n",
		m.CoercionIndex, m.CognitiveLoad, m.AutonomyScore, m.EthicsScore)
	fmt.Fprintf(&sb, "Events: %d\n", v.EventCount)
	return sb.String()
}

func formatEvents(evs []events.Event) string {
	var sb strings.Builder
	sb.WriteString("Event log:\n")
	for _, ev := range evs {
		fmt.Fprintf(&sb, "  #%d [%s] %s", ev.Seq, ev.Phase, ev.Kind)
		switch {
		case ev.Detection != nil:
			fmt.Fprintf(&sb, " %s (%s, %.0f%% confidence)", ev.Detection.PatternID, ev.Detection.Severity, ev.Detection.Confidence*100)
		case ev.Violation != nil:
			fmt.Fprintf(&sb, " %s: %s", ev.Violation.Category, ev.Violation.Description)
		case ev.Decision != nil:
			fmt.Fprintf(&sb, " %s after %dms", ev.Decision.ActionType, ev.Decision.TimeToDecideMs)
		case ev.Behavioral != nil:
			fmt.Fprintf(&sb, " %s", ev.Behavioral.ActionType)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatReport(r *report.AnalysisReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analysis for %s (%s phase)\n", r.SessionID, r.Phase)
	fmt.Fprintf(&sb, "Overall risk: %.2f (%s)\n", r.OverallRisk, r.RiskLevel)
	fmt.Fprintf(&sb, "Detections: %d across %d events\n", r.DetectionCount, r.EventCount)
	fmt.Fprintf(&sb, "Estimated harm: $%.2f now, $%.2f long term, $%.2f in loan fees\n",
		r.FinancialHarm.Immediate, r.FinancialHarm.ProjectedLongTerm, r.FinancialHarm.LoanFees)

	if len(r.ViolationsByTag) > 0 {
		sb.WriteString("\nRegulatory references:\n")
		for _, tag := range sortedKeys(r.ViolationsByTag) {
			fmt.Fprintf(&sb, "  %s: %d\n", tag, r.ViolationsByTag[tag])
		}
	}

	if len(r.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for i, rec := range r.Recommendations {
			fmt.Fprintf(&sb, "%d. %s (harm %d/5)\n   %s\n", i+1, rec.Name, rec.HarmLevel, rec.Guidance)
		}
	}

	if len(r.Principles) > 0 {
		sb.WriteString("\nEthical principles:\n")
		for _, p := range r.Principles {
			fmt.Fprintf(&sb, "  %s: %.1f/10\n", p.Principle, p.Score)
		}
	}
	return sb.String()
}

func formatPatterns(defs []patterns.PatternDefinition) string {
	if len(defs) == 0 {
		return "No patterns found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d pattern(s):\n\n", len(defs))
	for i, d := range defs {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, d.Name, d.ID)
		fmt.Fprintf(&sb, "   Category: %s | Harm: %d/5\n", d.Category, d.HarmLevel)
		if d.Guidance != "" {
			fmt.Fprintf(&sb, "   Guidance: %s\n", d.Guidance)
		}
		if i < len(defs)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
