package cel

import (
	"context"
	"strings"
	"testing"

	"github.com/subsync/subsync-limiter/internal/domain/admission"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	return eval
}

func TestCompile_InvalidExpressions(t *testing.T) {
	t.Parallel()

	eval := newTestEvaluator(t)

	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{"empty", "", "expression is empty"},
		{"syntax error", `this is not valid CEL !!!`, "compilation failed"},
		{"unknown variable", `tool_name == "x"`, "compilation failed"},
		{"non-bool result", `path + "x"`, "must evaluate to bool"},
		{"too long", `path == "` + strings.Repeat("a", maxExpressionLength) + `"`, "too long"},
		{"too deep", strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1), "nesting too deep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := eval.Compile(tt.expr)
			if err == nil {
				t.Fatalf("Compile(%q) expected error", tt.expr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCondition_Matches(t *testing.T) {
	t.Parallel()

	eval := newTestEvaluator(t)
	req := admission.Request{
		Method:     "POST",
		Path:       "/api/payments/charge",
		Route:      "POST /api/payments/{op}",
		IP:         "10.1.2.3",
		APIKey:     "secret",
		IdentityID: "user-42",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`method == "POST"`, true},
		{`method == "GET"`, false},
		{`path.startsWith("/api/payments")`, true},
		{`glob("/api/payments/*", path)`, true},
		{`glob("/api/groups/*", path)`, false},
		{`route == "POST /api/payments/{op}"`, true},
		{`ip_in_cidr(ip, "10.0.0.0/8")`, true},
		{`ip_in_cidr(ip, "192.168.0.0/16")`, false},
		{`ip_in_cidr("not-an-ip", "10.0.0.0/8")`, false},
		{`has_api_key && identity == "user-42"`, true},
		{`request_time > timestamp("2000-01-01T00:00:00Z")`, true},
		{`path.lowerAscii().contains("charge")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()

			cond, err := eval.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tt.expr, err)
			}
			got, err := cond.Matches(context.Background(), req)
			if err != nil {
				t.Fatalf("Matches error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestValidateExpression(t *testing.T) {
	t.Parallel()

	eval := newTestEvaluator(t)
	if err := eval.ValidateExpression(`method == "GET"`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := eval.ValidateExpression(`method ==`); err == nil {
		t.Error("invalid expression accepted")
	}
}

func TestBuildActivation_DefaultsRequestTime(t *testing.T) {
	t.Parallel()

	act := BuildActivation(admission.Request{Path: "/"})
	if _, ok := act["request_time"]; !ok {
		t.Fatal("request_time missing from activation")
	}
	if act["has_api_key"] != false {
		t.Errorf("has_api_key = %v, want false", act["has_api_key"])
	}
}
