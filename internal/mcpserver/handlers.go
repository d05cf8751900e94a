package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleScoreTransaction scores a transaction, optionally recording it.
func (h *Handlers) HandleScoreTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	var tx TransactionRequest
	var err error
	if tx.ID, err = requireID(args, "transaction_id"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if tx.MerchantID, err = requireID(args, "merchant_id"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if tx.UserID, err = requireID(args, "user_id"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, ok := args["device_id"]; ok {
		device, err := requireID(args, "device_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tx.DeviceID = &device
	}

	tx.CardNumber = req.GetString("card_number", "")
	tx.Date = req.GetString("date", "")
	tx.Amount = getString(args, "amount")
	if tx.CardNumber == "" || tx.Date == "" || tx.Amount == "" {
		return mcp.NewToolResultError("card_number, date and amount are required"), nil
	}

	persist := req.GetBool("persist", false)
	raw, err := h.client.Score(ctx, tx, persist)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Scoring failed: %v", err)), nil
	}

	text, err := formatVerdict(raw, persist)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTransaction looks up a recorded transaction.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req.GetArguments(), "transaction_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTransaction(raw)), nil
}

// HandleFlagChargeback marks a transaction as charged back.
func (h *Handlers) HandleFlagChargeback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req.GetArguments(), "transaction_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.FlagChargeback(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to flag chargeback: %v", err)), nil
	}
	return mcp.NewToolResultText("Chargeback recorded.\n\n" + formatTransaction(raw)), nil
}

// HandleListUserTransactions lists a user's recorded transactions.
func (h *Handlers) HandleListUserTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := requireID(req.GetArguments(), "user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := int(req.GetFloat("limit", 20))
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListUserTransactions(ctx, userID, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListRules describes the engine's rules.
func (h *Handlers) HandleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListRules(ctx, req.GetString("version", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rules: %v", err)), nil
	}

	text, err := formatRules(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rules: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatVerdict(raw json.RawMessage, persisted bool) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Recorded transactions answer with "recommendation", dry runs with "decision".
	decision := getString(resp, "recommendation", "decision")
	if decision == "" {
		return "", fmt.Errorf("response has no decision")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Decision: %s\n", strings.ToUpper(decision)))
	if persisted {
		sb.WriteString(fmt.Sprintf("Transaction %s recorded.\n", getString(resp, "transaction_id")))
	} else {
		sb.WriteString(fmt.Sprintf("Dry run with rule set %s; nothing recorded.\n", getString(resp, "rule_set")))
	}

	violations, _ := resp["violations"].([]any)
	if len(violations) == 0 {
		sb.WriteString("No rules violated.\n")
		return sb.String(), nil
	}
	sb.WriteString("Violations:\n")
	for _, v := range violations {
		sb.WriteString(fmt.Sprintf("  - %v\n", v))
	}
	return sb.String(), nil
}

func formatTransaction(raw json.RawMessage) string {
	return formatJSON(raw)
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var page struct {
		Transactions []map[string]any `json:"transactions"`
		NextCursor   string           `json:"next_cursor"`
		HasMore      bool             `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", fmt.Errorf("unexpected transactions response format")
	}

	if len(page.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d transaction(s):\n\n", len(page.Transactions)))
	for i, tx := range page.Transactions {
		line := fmt.Sprintf("%d. #%s %s amount=%s %s",
			i+1,
			getString(tx, "transaction_id"),
			getString(tx, "date"),
			getString(tx, "amount"),
			getString(tx, "recommendation"))
		if cbk, _ := tx["has_cbk"].(bool); cbk {
			line += " [chargeback]"
		}
		sb.WriteString(line + "\n")
	}
	if page.HasMore {
		sb.WriteString(fmt.Sprintf("\nMore results: cursor=%s\n", page.NextCursor))
	}
	return sb.String(), nil
}

func formatRules(raw json.RawMessage) (string, error) {
	var resp struct {
		RuleSet string `json:"rule_set"`
		Active  bool   `json:"active"`
		Rules   []struct {
			ID          string `json:"id"`
			Description string `json:"description"`
		} `json:"rules"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Rule set %s", resp.RuleSet))
	if resp.Active {
		sb.WriteString(" (active)")
	}
	sb.WriteString(fmt.Sprintf(", %d rule(s):\n", len(resp.Rules)))
	for i, r := range resp.Rules {
		sb.WriteString(fmt.Sprintf("%d. %s: %s\n", i+1, r.ID, r.Description))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// requireID reads a positive integer argument. LLM clients send numbers as
// JSON floats, some send them as strings.
func requireID(args map[string]any, key string) (int64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%s is required", key)
	}

	var id int64
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		id = int64(n)
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		id = parsed
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		id = parsed
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}

	if id <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return id, nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
	}
	return ""
}
