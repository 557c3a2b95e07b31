package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/eelnxz09/anamoly-processing/internal/explain"
	"github.com/eelnxz09/anamoly-processing/internal/warehouse"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *APIClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *APIClient) *Handlers {
	return &Handlers{client: client}
}

// HandleQueryTransactions lists transactions.
func (h *Handlers) HandleQueryTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := QueryArgs{
		UserID:        req.GetString("user_id", ""),
		RiskLevel:     req.GetString("risk_level", ""),
		Source:        req.GetString("source", ""),
		OnlyAnomalies: req.GetBool("only_anomalies", false),
		Start:         req.GetString("start", ""),
		End:           req.GetString("end", ""),
		Limit:         req.GetInt("limit", 20),
		Cursor:        req.GetString("cursor", ""),
	}

	raw, err := h.client.QueryTransactions(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query transactions: %v", err)), nil
	}

	text, err := formatTransactions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleExplainTransaction explains one transaction's score.
func (h *Handlers) HandleExplainTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.ExplainTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to explain transaction: %v", err)), nil
	}

	text, err := formatExplanation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse explanation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetStatistics returns warehouse statistics.
func (h *Handlers) HandleGetStatistics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStatistics(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get statistics: %v", err)), nil
	}

	text, err := formatStatistics(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse statistics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetUserProfile returns a user's profile.
func (h *Handlers) HandleGetUserProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetUserProfile(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get user profile: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleTrainModel trains a new model.
func (h *Handlers) HandleTrainModel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var contamination *float64
	if _, ok := req.GetArguments()["contamination"]; ok {
		v := req.GetFloat("contamination", 0)
		if v <= 0 || v > 0.5 {
			return mcp.NewToolResultError("contamination must be in (0, 0.5]"), nil
		}
		contamination = &v
	}

	raw, err := h.client.TrainModel(ctx, contamination, req.GetString("variant", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Training failed: %v", err)), nil
	}

	var res struct {
		ModelVersion        int64   `json:"model_version"`
		Variant             string  `json:"variant"`
		Contamination       float64 `json:"contamination"`
		TrainingSampleCount int     `json:"training_sample_count"`
		TrainingSeconds     float64 `json:"training_time_seconds"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse training result: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Model v%d trained (%s, contamination %.2f)\n"+
			"Samples: %d\n"+
			"Time: %.2fs\n\n"+
			"Existing transactions keep their old scores until score_all runs.",
		res.ModelVersion, res.Variant, res.Contamination, res.TrainingSampleCount, res.TrainingSeconds)), nil
}

// HandleScoreAll scores pending transactions.
func (h *Handlers) HandleScoreAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ScoreAll(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Scoring failed: %v", err)), nil
	}

	var res struct {
		ModelVersion      int64          `json:"model_version"`
		Scored            int            `json:"scored"`
		AnomaliesDetected int            `json:"anomalies_detected"`
		RiskDistribution  map[string]int `json:"risk_distribution"`
		AverageRiskScore  float64        `json:"average_risk_score"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scoring result: %v", err)), nil
	}

	if res.Scored == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Nothing to score: every transaction is already scored by model v%d.", res.ModelVersion)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scored %d transaction(s) with model v%d\n", res.Scored, res.ModelVersion)
	fmt.Fprintf(&sb, "Anomalies: %d\n", res.AnomaliesDetected)
	fmt.Fprintf(&sb, "Average risk score: %.1f\n", res.AverageRiskScore)
	sb.WriteString(formatDistribution(res.RiskDistribution))
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatTransactions(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []*warehouse.Transaction `json:"transactions"`
		NextCursor   string                   `json:"next_cursor"`
		HasMore      bool                     `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No transactions found matching your criteria.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d transaction(s):\n\n", len(resp.Transactions))
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, tx.ID)
		fmt.Fprintf(&sb, "   Amount: %.2f | Time: %s\n", tx.Amount, tx.Timestamp.Format("2006-01-02 15:04:05Z07:00"))
		if tx.UserID != "" {
			fmt.Fprintf(&sb, "   User: %s\n", tx.UserID)
		}
		if tx.Scores != nil {
			flag := ""
			if tx.IsAnomaly {
				flag = " | ANOMALY"
			}
			fmt.Fprintf(&sb, "   Risk: %.1f (%s)%s\n", tx.RiskScore, tx.RiskLevel, flag)
		} else {
			sb.WriteString("   Risk: not scored\n")
		}
		if i < len(resp.Transactions)-1 {
			sb.WriteString("\n")
		}
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore results available. Next cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatExplanation(raw json.RawMessage) (string, error) {
	var ex explain.Explanation
	if err := json.Unmarshal(raw, &ex); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", ex.TransactionID)
	fmt.Fprintf(&sb, "  Risk: %.1f (%s), confidence %.0f%%\n", ex.RiskScore, ex.RiskLevel, ex.Confidence)
	if ex.IsAnomaly {
		sb.WriteString("  Flagged as anomaly\n")
	}
	fmt.Fprintf(&sb, "  Compared with: %s (model v%d, %d features)\n", ex.Basis, ex.ModelVersion, ex.FeaturesAnalyzed)

	if len(ex.TopReasons) == 0 {
		sb.WriteString("\nNo individual feature stands out.")
		return sb.String(), nil
	}
	sb.WriteString("\nTop reasons:\n")
	for _, r := range ex.TopReasons {
		fmt.Fprintf(&sb, "  - %s\n", r)
	}
	return sb.String(), nil
}

func formatStatistics(raw json.RawMessage) (string, error) {
	var st struct {
		warehouse.Stats
		ModelVersion *int64 `json:"model_version"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Warehouse statistics:\n")
	fmt.Fprintf(&sb, "  Transactions: %d (%d unscored)\n", st.TotalTransactions, st.Unscored)
	fmt.Fprintf(&sb, "  Users: %d\n", st.UniqueUsers)
	if st.TotalTransactions > 0 {
		a := st.AmountStats
		fmt.Fprintf(&sb, "  Amount: mean %.2f, median %.2f, min %.2f, max %.2f\n", a.Mean, a.Median, a.Min, a.Max)
	}
	if st.DateRange != nil {
		fmt.Fprintf(&sb, "  Range: %s to %s\n", st.DateRange.Start.Format("2006-01-02"), st.DateRange.End.Format("2006-01-02"))
	}
	fmt.Fprintf(&sb, "  Anomalies: %d\n", st.AnomalyCount)
	if st.ModelVersion != nil {
		fmt.Fprintf(&sb, "  Active model: v%d\n", *st.ModelVersion)
	} else {
		sb.WriteString("  Active model: none (run train_model)\n")
	}

	dist := make(map[string]int, len(st.RiskSummary))
	for k, v := range st.RiskSummary {
		dist[string(k)] = v
	}
	sb.WriteString(formatDistribution(dist))
	return sb.String(), nil
}

// formatDistribution renders tier counts in tier order, then any unknown keys.
func formatDistribution(dist map[string]int) string {
	if len(dist) == 0 {
		return ""
	}
	order := []string{"Low", "Medium", "High", "Critical"}
	seen := make(map[string]bool, len(order))
	var sb strings.Builder
	sb.WriteString("Risk distribution:\n")
	for _, k := range order {
		seen[k] = true
		if n, ok := dist[k]; ok {
			fmt.Fprintf(&sb, "  %-8s %d\n", k+":", n)
		}
	}
	var rest []string
	for k := range dist {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(&sb, "  %-8s %d\n", k+":", dist[k])
	}
	return sb.String()
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
