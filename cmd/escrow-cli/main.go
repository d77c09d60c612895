package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultAPIBase = "http://127.0.0.1:8690"

var (
	apiBase           = resolveAPIBase()
	apiToken          = newTokenSource("ESCROW_CLI_TOKEN")
	apiCall           = callAPI
	newIdempotencyKey = uuid.NewString
	httpClient        = &http.Client{Timeout: 30 * time.Second}
)

func resolveAPIBase() string {
	if v := strings.TrimSpace(os.Getenv("ESCROW_CLI_API")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return defaultAPIBase
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, cliUsage())
		os.Exit(1)
	}
	if code := runCommand(args, os.Stdout, os.Stderr); code != 0 {
		os.Exit(code)
	}
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--api" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --api")
			}
			apiBase = strings.TrimRight(strings.TrimSpace(args[i+1]), "/")
			i++
			continue
		}
		if strings.HasPrefix(arg, "--api=") {
			apiBase = strings.TrimRight(strings.TrimSpace(strings.TrimPrefix(arg, "--api=")), "/")
			continue
		}
		out = append(out, arg)
	}
	if apiBase == "" {
		return nil, fmt.Errorf("--api requires a non-empty endpoint")
	}
	return out, nil
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "hold":
		return runHold(args[1:], stdout, stderr)
	case "get", "status":
		return runGet(args[1:], stdout, stderr)
	case "goal":
		return runGoal(args[1:], stdout, stderr)
	case "accrue":
		return runAccrue(args[1:], stdout, stderr)
	case "release":
		return runDistribution("release", args[1:], stdout, stderr)
	case "forfeit":
		return runDistribution("forfeit", args[1:], stdout, stderr)
	case "refund":
		return runRefund(args[1:], stdout, stderr)
	case "dispute":
		return runDispute(args[1:], stdout, stderr)
	case "adjudicate":
		return runAdjudicate(args[1:], stdout, stderr)
	case "reconcile":
		return runReconcile(args[1:], stdout, stderr)
	case "pause":
		return runPauseSwitch("pause", args[1:], stdout, stderr)
	case "resume":
		return runPauseSwitch("resume", args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, cliUsage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, cliUsage())
		return 1
	}
}

// repeatedFlag collects every occurrence of a flag instead of keeping only
// the last value.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }

func (r *repeatedFlag) Set(value string) error {
	*r = append(*r, value)
	return nil
}

func runHold(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("hold", stderr)
	var (
		goalID   string
		currency string
		key      string
		stakes   repeatedFlag
	)
	fs.StringVar(&goalID, "goal", "", "goal identifier")
	fs.StringVar(&currency, "currency", "USD", "principal currency code")
	fs.Var(&stakes, "stake", "stakeholder as userId=principal[:stakeId]; repeatable")
	fs.StringVar(&key, "idempotency-key", "", "idempotency key (default: random UUID)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(goalID) == "" {
		return printCommandError(stderr, "--goal is required")
	}
	if len(stakes) == 0 {
		return printCommandError(stderr, "at least one --stake is required")
	}

	type stakeholderPayload struct {
		UserID    string `json:"userId"`
		StakeID   string `json:"stakeId,omitempty"`
		Principal string `json:"principal"`
	}
	stakeholders := make([]stakeholderPayload, 0, len(stakes))
	for _, raw := range stakes {
		userID, principal, stakeID, err := parseStake(raw)
		if err != nil {
			return printCommandError(stderr, err.Error())
		}
		stakeholders = append(stakeholders, stakeholderPayload{UserID: userID, StakeID: stakeID, Principal: principal})
	}

	payload := map[string]any{
		"goalId":       goalID,
		"currency":     currency,
		"stakeholders": stakeholders,
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/escrows", payload, idempotencyKey(key))
	return finish(stdout, stderr, result, apiErr, err)
}

func parseStake(raw string) (userID, principal, stakeID string, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", "", "", fmt.Errorf("invalid --stake %q; expected userId=principal[:stakeId]", raw)
	}
	userID = strings.TrimSpace(parts[0])
	rest := strings.SplitN(parts[1], ":", 2)
	principal = strings.TrimSpace(rest[0])
	if principal == "" || !isDigits(principal) {
		return "", "", "", fmt.Errorf("invalid principal in --stake %q; expected a base-10 integer", raw)
	}
	if len(rest) == 2 {
		stakeID = strings.TrimSpace(rest[1])
	}
	return userID, principal, stakeID, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(id) == "" {
		return printCommandError(stderr, "--id is required")
	}
	result, apiErr, err := apiCall(http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, "")
	return finish(stdout, stderr, result, apiErr, err)
}

func runGoal(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("goal", stderr)
	var goalID string
	fs.StringVar(&goalID, "goal", "", "goal identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(goalID) == "" {
		return printCommandError(stderr, "--goal is required")
	}
	result, apiErr, err := apiCall(http.MethodGet, "/v1/goals/"+url.PathEscape(goalID)+"/escrow", nil, "")
	return finish(stdout, stderr, result, apiErr, err)
}

func runAccrue(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("accrue", stderr)
	var (
		id   string
		asOf string
		key  string
	)
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&asOf, "as-of", "", "accrual instant as RFC3339 or unix seconds (default: now)")
	fs.StringVar(&key, "idempotency-key", "", "idempotency key (default: random UUID)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(id) == "" {
		return printCommandError(stderr, "--id is required")
	}
	instant, err := parseAsOf(asOf)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	payload := map[string]int64{"asOf": instant}
	result, apiErr, callErr := apiCall(http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/accrue", payload, idempotencyKey(key))
	return finish(stdout, stderr, result, apiErr, callErr)
}

func parseAsOf(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if unix, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if unix <= 0 {
			return 0, fmt.Errorf("--as-of must be a positive unix timestamp")
		}
		return unix, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("--as-of must be RFC3339 or unix seconds")
	}
	return ts.Unix(), nil
}

func runDistribution(op string, args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet(op, stderr)
	var (
		id   string
		plan string
		key  string
	)
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&plan, "plan", "", "distribution plan as inline JSON or @file")
	fs.StringVar(&key, "idempotency-key", "", "idempotency key (default: random UUID)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(id) == "" {
		return printCommandError(stderr, "--id is required")
	}
	raw, err := readPlanArg(plan)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	payload := map[string]json.RawMessage{"plan": raw}
	result, apiErr, callErr := apiCall(http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/"+op, payload, idempotencyKey(key))
	return finish(stdout, stderr, result, apiErr, callErr)
}

func readPlanArg(value string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("--plan is required")
	}
	data := []byte(trimmed)
	if strings.HasPrefix(trimmed, "@") {
		loaded, err := os.ReadFile(strings.TrimPrefix(trimmed, "@"))
		if err != nil {
			return nil, fmt.Errorf("read plan file: %v", err)
		}
		data = loaded
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("plan is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func runRefund(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("refund", stderr)
	var (
		id  string
		key string
	)
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&key, "idempotency-key", "", "idempotency key (default: random UUID)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(id) == "" {
		return printCommandError(stderr, "--id is required")
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/refund", nil, idempotencyKey(key))
	return finish(stdout, stderr, result, apiErr, err)
}

func runDispute(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("dispute", stderr)
	var (
		goalID   string
		filedBy  string
		reason   string
		key      string
		evidence repeatedFlag
	)
	fs.StringVar(&goalID, "goal", "", "goal identifier")
	fs.StringVar(&filedBy, "filed-by", "", "user filing the dispute (default: authenticated subject)")
	fs.StringVar(&reason, "reason", "", "grievance description")
	fs.Var(&evidence, "evidence", "evidence reference; repeatable")
	fs.StringVar(&key, "idempotency-key", "", "idempotency key (default: random UUID)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(goalID) == "" {
		return printCommandError(stderr, "--goal is required")
	}
	if strings.TrimSpace(reason) == "" {
		return printCommandError(stderr, "--reason is required")
	}
	payload := map[string]any{
		"goalId":  goalID,
		"filedBy": filedBy,
		"reason":  reason,
	}
	if len(evidence) > 0 {
		payload["evidence"] = []string(evidence)
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/disputes", payload, idempotencyKey(key))
	return finish(stdout, stderr, result, apiErr, err)
}

func runAdjudicate(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("adjudicate", stderr)
	var (
		disputeID string
		decision  string
		actor     string
		plan      string
		key       string
	)
	fs.StringVar(&disputeID, "dispute", "", "dispute identifier")
	fs.StringVar(&decision, "decision", "", "ruling: upholdSuccess, upholdFailure or refund")
	fs.StringVar(&actor, "actor", "", "adjudicator identity (default: authenticated subject)")
	fs.StringVar(&plan, "plan", "", "distribution plan as inline JSON or @file")
	fs.StringVar(&key, "idempotency-key", "", "idempotency key (default: random UUID)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(disputeID) == "" {
		return printCommandError(stderr, "--dispute is required")
	}
	switch strings.TrimSpace(decision) {
	case "upholdSuccess", "upholdFailure", "refund":
	default:
		return printCommandError(stderr, "--decision must be upholdSuccess, upholdFailure or refund")
	}
	payload := map[string]any{
		"decision": strings.TrimSpace(decision),
		"actor":    actor,
	}
	if strings.TrimSpace(plan) != "" {
		raw, err := readPlanArg(plan)
		if err != nil {
			return printCommandError(stderr, err.Error())
		}
		payload["plan"] = raw
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/disputes/"+url.PathEscape(disputeID)+"/adjudicate", payload, idempotencyKey(key))
	return finish(stdout, stderr, result, apiErr, err)
}

func runReconcile(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("reconcile", stderr)
	var id string
	fs.StringVar(&id, "id", "", "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(id) == "" {
		return printCommandError(stderr, "--id is required")
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/reconcile", nil, "")
	return finish(stdout, stderr, result, apiErr, err)
}

func runPauseSwitch(action string, args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet(action, stderr)
	var operation string
	fs.StringVar(&operation, "operation", "", "operation class: distribution, accrual or webhooks")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	op := strings.ToLower(strings.TrimSpace(operation))
	switch op {
	case "distribution", "accrual", "webhooks":
	default:
		return printCommandError(stderr, "--operation must be distribution, accrual or webhooks")
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/admin/"+action, map[string]string{"operation": op}, "")
	return finish(stdout, stderr, result, apiErr, err)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("events", stderr)
	var (
		cursor int64
		limit  int
	)
	fs.Int64Var(&cursor, "cursor", 0, "return events after this sequence number")
	fs.IntVar(&limit, "limit", 100, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if cursor < 0 {
		return printCommandError(stderr, "--cursor must not be negative")
	}
	if limit <= 0 {
		return printCommandError(stderr, "--limit must be positive")
	}
	query := url.Values{}
	if cursor > 0 {
		query.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	query.Set("limit", strconv.Itoa(limit))
	result, apiErr, err := apiCall(http.MethodGet, "/v1/events?"+query.Encode(), nil, "")
	return finish(stdout, stderr, result, apiErr, err)
}

func newCommandFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printCommandError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func idempotencyKey(flagValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	return newIdempotencyKey()
}

func finish(stdout, stderr io.Writer, result json.RawMessage, apiErr *apiError, err error) int {
	if err != nil {
		fmt.Fprintf(stderr, "Request failed: %v\n", err)
		return 1
	}
	if apiErr != nil {
		fmt.Fprintf(stderr, "escrowd error (status %d): %s\n", apiErr.Status, apiErr.Message)
		if len(apiErr.TxRefs) > 0 {
			fmt.Fprintf(stderr, "Completed transfers: %s\n", apiErr.TxRefs)
		}
		return 1
	}
	writeResult(stdout, result)
	return 0
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

// apiError is a non-2xx response from escrowd. TxRefs carries the transfers
// that completed before a partial distribution failure.
type apiError struct {
	Status  int
	Message string
	TxRefs  json.RawMessage
}

func callAPI(method, path string, payload any, idemKey string) (json.RawMessage, *apiError, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request: %w", err)
		}
		body = encoded
	}
	resp, err := sendRequest(method, path, body, idemKey, apiToken.cached())
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if token, ok := apiToken.demand(); ok {
			resp.Body.Close()
			resp, err = sendRequest(method, path, body, idemKey, token)
			if err != nil {
				return nil, nil, err
			}
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(data), nil, nil
	}

	apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var parsed struct {
		Error  string          `json:"error"`
		TxRefs json.RawMessage `json:"txRefs"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		apiErr.Message = parsed.Error
		apiErr.TxRefs = parsed.TxRefs
	}
	return nil, apiErr, nil
}

func sendRequest(method, path string, body []byte, idemKey, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, apiBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, apiBase+path, err)
	}
	return resp, nil
}

func cliUsage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--api URL] <command> [flags]

Commands:
  hold        Open an escrow and place holds on every stakeholder principal
  get         Fetch one escrow with its transaction history (alias: status)
  goal        Summarise the escrow backing a goal
  accrue      Accrue interest on an escrow up to a point in time
  release     Distribute principal and accrued interest per a plan
  forfeit     Forfeit the pool per the plan's forfeiture rules
  refund      Return every stakeholder's principal
  dispute     File a dispute freezing distribution for a goal
  adjudicate  Decide an open dispute and run the resulting distribution
  reconcile   Cross-check one escrow against the ledger and wallet
  pause       Pause an operation class (distribution, accrual, webhooks)
  resume      Resume a paused operation class
  events      Page through the escrow event journal

The endpoint defaults to ` + defaultAPIBase + `; override with --api or
ESCROW_CLI_API. Bearer tokens come from ESCROW_CLI_TOKEN, or an interactive
prompt when the server rejects an unauthenticated call.`)
}
