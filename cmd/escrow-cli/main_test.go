package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type capturedCall struct {
	method  string
	path    string
	payload any
	idemKey string
	hits    int
}

func stubAPICall(t *testing.T, result json.RawMessage, apiErr *apiError) *capturedCall {
	t.Helper()
	captured := &capturedCall{}
	original := apiCall
	apiCall = func(method, path string, payload any, idemKey string) (json.RawMessage, *apiError, error) {
		captured.method = method
		captured.path = path
		captured.payload = payload
		captured.idemKey = idemKey
		captured.hits++
		return result, apiErr, nil
	}
	t.Cleanup(func() { apiCall = original })
	return captured
}

func fixIdempotencyKey(t *testing.T, key string) {
	t.Helper()
	original := newIdempotencyKey
	newIdempotencyKey = func() string { return key }
	t.Cleanup(func() { newIdempotencyKey = original })
}

func marshalPayload(t *testing.T, payload any) string {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return string(data)
}

func TestCommandArgValidation(t *testing.T) {
	apiCall = func(method, path string, payload any, idemKey string) (json.RawMessage, *apiError, error) {
		t.Fatalf("unexpected API call %s %s", method, path)
		return nil, nil, nil
	}
	t.Cleanup(func() { apiCall = callAPI })

	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"bogus"}, "Unknown command: bogus"},
		{"hold missing goal", []string{"hold", "--stake", "alice=100"}, "--goal is required"},
		{"hold missing stake", []string{"hold", "--goal", "g1"}, "at least one --stake is required"},
		{"hold bad stake syntax", []string{"hold", "--goal", "g1", "--stake", "alice"}, "expected userId=principal"},
		{"hold bad principal", []string{"hold", "--goal", "g1", "--stake", "alice=12.5"}, "base-10 integer"},
		{"get missing id", []string{"get"}, "--id is required"},
		{"accrue bad as-of", []string{"accrue", "--id", "esc-1", "--as-of", "yesterday"}, "RFC3339 or unix seconds"},
		{"release missing plan", []string{"release", "--id", "esc-1"}, "--plan is required"},
		{"release bad plan", []string{"release", "--id", "esc-1", "--plan", "{not json"}, "not valid JSON"},
		{"dispute missing reason", []string{"dispute", "--goal", "g1"}, "--reason is required"},
		{"adjudicate bad decision", []string{"adjudicate", "--dispute", "d1", "--decision", "maybe"}, "--decision must be"},
		{"pause bad class", []string{"pause", "--operation", "everything"}, "--operation must be"},
		{"events negative cursor", []string{"events", "--cursor", "-1"}, "--cursor must not be negative"},
		{"positional leftovers", []string{"get", "--id", "esc-1", "extra"}, "unexpected positional arguments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := runCommand(tc.args, &stdout, &stderr)
			if code != 1 {
				t.Fatalf("exit code = %d, want 1", code)
			}
			if !strings.Contains(stderr.String(), tc.wantErr) {
				t.Fatalf("stderr %q does not mention %q", stderr.String(), tc.wantErr)
			}
		})
	}
}

func TestHoldBuildsPayload(t *testing.T) {
	captured := stubAPICall(t, json.RawMessage(`{"id":"esc-1"}`), nil)
	fixIdempotencyKey(t, "fixed-key")

	var stdout, stderr bytes.Buffer
	code := runCommand([]string{
		"hold",
		"--goal", "goal-7",
		"--stake", "alice=6000",
		"--stake", "bob=4000:stk-2",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if captured.method != "POST" || captured.path != "/v1/escrows" {
		t.Fatalf("called %s %s, want POST /v1/escrows", captured.method, captured.path)
	}
	if captured.idemKey != "fixed-key" {
		t.Fatalf("idempotency key = %q, want fixed-key", captured.idemKey)
	}
	want := `{"currency":"USD","goalId":"goal-7","stakeholders":[{"userId":"alice","principal":"6000"},{"userId":"bob","stakeId":"stk-2","principal":"4000"}]}`
	if got := marshalPayload(t, captured.payload); got != want {
		t.Fatalf("payload = %s, want %s", got, want)
	}
	if stdout.String() != "{\"id\":\"esc-1\"}\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestReleaseSendsPlanFile(t *testing.T) {
	captured := stubAPICall(t, json.RawMessage(`{"txRefs":[]}`), nil)
	fixIdempotencyKey(t, "rel-key")

	plan := `{"type":"individual"}`
	path := filepath.Join(t.TempDir(), "plan.json")
	if err := os.WriteFile(path, []byte(plan), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := runCommand([]string{"release", "--id", "esc-9", "--plan", "@" + path}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if captured.path != "/v1/escrows/esc-9/release" {
		t.Fatalf("path = %s", captured.path)
	}
	if got := marshalPayload(t, captured.payload); got != `{"plan":{"type":"individual"}}` {
		t.Fatalf("payload = %s", got)
	}
}

func TestAdjudicateOmitsAbsentPlan(t *testing.T) {
	captured := stubAPICall(t, json.RawMessage(`{"txRefs":[]}`), nil)
	fixIdempotencyKey(t, "adj-key")

	var stdout, stderr bytes.Buffer
	code := runCommand([]string{
		"adjudicate",
		"--dispute", "dsp-1",
		"--decision", "upholdSuccess",
		"--actor", "ops-admin",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if captured.path != "/v1/disputes/dsp-1/adjudicate" {
		t.Fatalf("path = %s", captured.path)
	}
	want := `{"actor":"ops-admin","decision":"upholdSuccess"}`
	if got := marshalPayload(t, captured.payload); got != want {
		t.Fatalf("payload = %s, want %s", got, want)
	}
}

func TestEventsQueryString(t *testing.T) {
	captured := stubAPICall(t, json.RawMessage(`{"events":[]}`), nil)

	var stdout, stderr bytes.Buffer
	if code := runCommand([]string{"events", "--cursor", "7", "--limit", "25"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if captured.method != "GET" || captured.path != "/v1/events?cursor=7&limit=25" {
		t.Fatalf("called %s %s", captured.method, captured.path)
	}
	if captured.idemKey != "" {
		t.Fatalf("events sent idempotency key %q", captured.idemKey)
	}
}

func TestReconcileSkipsIdempotencyKey(t *testing.T) {
	captured := stubAPICall(t, json.RawMessage(`{"clean":true}`), nil)

	var stdout, stderr bytes.Buffer
	if code := runCommand([]string{"reconcile", "--id", "esc-3"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if captured.path != "/v1/escrows/esc-3/reconcile" || captured.idemKey != "" {
		t.Fatalf("called %s with key %q", captured.path, captured.idemKey)
	}
}

func TestIdempotencyKeyFlagWins(t *testing.T) {
	captured := stubAPICall(t, json.RawMessage(`{}`), nil)
	fixIdempotencyKey(t, "generated")

	var stdout, stderr bytes.Buffer
	code := runCommand([]string{"refund", "--id", "esc-2", "--idempotency-key", "explicit"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if captured.idemKey != "explicit" {
		t.Fatalf("idempotency key = %q, want explicit", captured.idemKey)
	}
}

func TestAPIErrorRendering(t *testing.T) {
	stubAPICall(t, nil, &apiError{
		Status:  502,
		Message: "wallet transfer failed for bob",
		TxRefs:  json.RawMessage(`[{"reference":"rel-1"}]`),
	})

	var stdout, stderr bytes.Buffer
	code := runCommand([]string{"refund", "--id", "esc-2"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "status 502") || !strings.Contains(stderr.String(), "wallet transfer failed") {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "Completed transfers") {
		t.Fatalf("stderr omits partial transfers: %q", stderr.String())
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	original := apiBase
	t.Cleanup(func() { apiBase = original })

	rest, err := applyGlobalFlags([]string{"--api", "http://example.com:9999/", "get", "--id", "esc-1"})
	if err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	if apiBase != "http://example.com:9999" {
		t.Fatalf("apiBase = %q", apiBase)
	}
	if strings.Join(rest, " ") != "get --id esc-1" {
		t.Fatalf("rest = %v", rest)
	}

	rest, err = applyGlobalFlags([]string{"--api=http://other:1234", "events"})
	if err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	if apiBase != "http://other:1234" {
		t.Fatalf("apiBase = %q", apiBase)
	}
	if len(rest) != 1 || rest[0] != "events" {
		t.Fatalf("rest = %v", rest)
	}

	if _, err := applyGlobalFlags([]string{"--api"}); err == nil {
		t.Fatal("expected error for dangling --api")
	}
}

func TestParseStake(t *testing.T) {
	user, principal, stakeID, err := parseStake("alice=6000")
	if err != nil || user != "alice" || principal != "6000" || stakeID != "" {
		t.Fatalf("parseStake: %v %v %v %v", user, principal, stakeID, err)
	}
	user, principal, stakeID, err = parseStake(" bob = 4000:stk-9 ")
	if err != nil {
		t.Fatalf("parseStake with stake id: %v", err)
	}
	if user != "bob" || principal != "4000" || stakeID != "stk-9" {
		t.Fatalf("parseStake = %v %v %v", user, principal, stakeID)
	}
	if _, _, _, err := parseStake("=100"); err == nil {
		t.Fatal("expected error for missing user")
	}
	if _, _, _, err := parseStake("carol=-5"); err == nil {
		t.Fatal("expected error for negative principal")
	}
}
