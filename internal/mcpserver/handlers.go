package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/creditrisk/internal/scoring"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetCreditProfile returns a customer's stored profile.
func (h *Handlers) HandleGetCreditProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("customer_id", "")
	if id == "" {
		return mcp.NewToolResultError("customer_id is required"), nil
	}

	resp, err := h.client.GetProfile(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get credit profile: %v", err)), nil
	}
	if resp.Profile == nil {
		return mcp.NewToolResultError("Response did not include a profile"), nil
	}

	return mcp.NewToolResultText(formatProfile(resp.Profile, resp.BandDescription)), nil
}

// HandleRecomputeCreditScore forces a fresh score.
func (h *Handlers) HandleRecomputeCreditScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("customer_id", "")
	if id == "" {
		return mcp.NewToolResultError("customer_id is required"), nil
	}

	resp, err := h.client.Recompute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Recompute failed: %v", err)), nil
	}
	if resp.Profile == nil {
		return mcp.NewToolResultError("Response did not include a profile"), nil
	}

	return mcp.NewToolResultText("Score recomputed.\n\n" + formatProfile(resp.Profile, resp.BandDescription)), nil
}

// HandleListCreditProfiles lists profiles with optional filters.
func (h *Handlers) HandleListCreditProfiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := ListParams{
		RiskBand: strings.ToUpper(req.GetString("risk_band", "")),
		Limit:    req.GetInt("limit", 20),
		Cursor:   req.GetString("cursor", ""),
	}
	if params.RiskBand != "" && !scoring.Band(params.RiskBand).Valid() {
		return mcp.NewToolResultError("risk_band must be one of A, B, C, D, E"), nil
	}
	if _, ok := req.GetArguments()["stale"]; ok {
		stale := req.GetBool("stale", false)
		params.Stale = &stale
	}

	list, err := h.client.ListProfiles(ctx, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list credit profiles: %v", err)), nil
	}

	return mcp.NewToolResultText(formatProfileList(list)), nil
}

// HandleExplainCreditScore returns the rule-by-rule breakdown.
func (h *Handlers) HandleExplainCreditScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("customer_id", "")
	if id == "" {
		return mcp.NewToolResultError("customer_id is required"), nil
	}

	exp, err := h.client.ExplainScore(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to explain score: %v", err)), nil
	}

	return mcp.NewToolResultText(formatExplanation(exp)), nil
}

// HandleGetPortfolioSummary returns portfolio statistics.
func (h *Handlers) HandleGetPortfolioSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := h.client.Summary(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get summary: %v", err)), nil
	}

	return mcp.NewToolResultText(formatSummary(sum)), nil
}

// HandleFindCustomer resolves an email to a customer ID.
func (h *Handlers) HandleFindCustomer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email := req.GetString("email", "")
	if email == "" {
		return mcp.NewToolResultError("email is required"), nil
	}

	cust, err := h.client.FindCustomer(ctx, email)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to find customer: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Customer: %s\n  ID: %s\n  Email: %s\n  Since: %s",
		cust.FullName, cust.ID, cust.Email, cust.CreatedAt.Format(time.DateOnly))), nil
}

// --- Formatting helpers ---

func formatProfile(p *scoring.Profile, bandDescription string) string {
	var sb strings.Builder
	sb.WriteString("Credit Profile:\n")
	fmt.Fprintf(&sb, "  Customer: %s\n", p.CustomerID)
	fmt.Fprintf(&sb, "  Score: %d\n", p.Score)
	if bandDescription != "" {
		fmt.Fprintf(&sb, "  Band: %s (%s)\n", p.RiskBand, bandDescription)
	} else {
		fmt.Fprintf(&sb, "  Band: %s\n", p.RiskBand)
	}
	fmt.Fprintf(&sb, "  Updated: %s\n", p.UpdatedAt.Format(time.RFC3339))
	if p.Stale {
		sb.WriteString("  STALE: the last recompute failed")
		if p.StaleReason != "" {
			fmt.Fprintf(&sb, " (%s)", p.StaleReason)
		}
		sb.WriteString("\n")
	}

	f := p.Features
	sb.WriteString("\nFeatures:\n")
	fmt.Fprintf(&sb, "  Orders: %.0f total, %.0f delivered, %.0f returned\n", f.TotalOrders, f.DeliveredOrders, f.ReturnedOrders)
	fmt.Fprintf(&sb, "  Return rate: %.0f%%\n", f.ReturnRate*100)
	fmt.Fprintf(&sb, "  Spend: %.2f total, %.2f last 30d, %.2f last 180d\n", f.TotalSpend, f.Spend30d, f.Spend180d)
	fmt.Fprintf(&sb, "  Average order: %.2f\n", f.AvgOrderValue)
	fmt.Fprintf(&sb, "  Failed payments: %.0f%%\n", f.FailedPaymentRate*100)
	if f.UsesCOD > 0 {
		sb.WriteString("  Uses cash on delivery\n")
	}
	return sb.String()
}

func formatProfileList(list *ProfileList) string {
	if len(list.Profiles) == 0 {
		return "No credit profiles found matching your criteria."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d profile(s):\n\n", len(list.Profiles))
	for i, p := range list.Profiles {
		fmt.Fprintf(&sb, "%d. %s  score %d  band %s", i+1, p.CustomerID, p.Score, p.RiskBand)
		if p.Stale {
			sb.WriteString("  [stale]")
		}
		sb.WriteString("\n")
	}
	if list.HasMore {
		fmt.Fprintf(&sb, "\nMore results available. Pass cursor %q to continue.", list.NextCursor)
	}
	return sb.String()
}

func formatExplanation(exp *scoring.Explanation) string {
	b := exp.Breakdown
	var sb strings.Builder
	if exp.Profile != nil {
		fmt.Fprintf(&sb, "Score for %s: %d (band %s", exp.Profile.CustomerID, b.Score, b.Band)
	} else {
		fmt.Fprintf(&sb, "Score: %d (band %s", b.Score, b.Band)
	}
	if exp.BandDescription != "" {
		fmt.Fprintf(&sb, ", %s", exp.BandDescription)
	}
	sb.WriteString(")\n\n")

	fmt.Fprintf(&sb, "  Base                     %+5d\n", b.Base)
	fmt.Fprintf(&sb, "  Spend                    %+5d\n", b.SpendPoints)
	fmt.Fprintf(&sb, "  Delivered orders         %+5d\n", b.DeliveredPoints)
	fmt.Fprintf(&sb, "  Average order value      %+5d\n", b.OrderValuePoints)
	fmt.Fprintf(&sb, "  Return rate              %+5d\n", -b.ReturnPenalty)
	fmt.Fprintf(&sb, "  Failed payments          %+5d\n", -b.FailedPaymentPenalty)
	fmt.Fprintf(&sb, "  Cash on delivery         %+5d\n", -b.CODPenalty)
	if b.Unclamped != b.Score {
		fmt.Fprintf(&sb, "\nRaw total %d clamped to %d.", b.Unclamped, b.Score)
	}
	return sb.String()
}

func formatSummary(sum *scoring.Summary) string {
	var sb strings.Builder
	sb.WriteString("Portfolio Summary:\n")
	fmt.Fprintf(&sb, "  Profiles: %d (%d stale)\n", sum.Profiles, sum.Stale)
	if sum.Profiles == 0 {
		return sb.String()
	}
	fmt.Fprintf(&sb, "  Average score: %.1f\n", sum.AvgScore)
	fmt.Fprintf(&sb, "  Range: %d to %d\n", sum.MinScore, sum.MaxScore)
	sb.WriteString("  Bands:\n")
	for _, b := range scoring.Bands {
		fmt.Fprintf(&sb, "    %s: %d\n", b, sum.BandCount[b])
	}
	return sb.String()
}
