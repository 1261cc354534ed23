package replbox

import (
	"testing"
	"time"
)

func TestResultText(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{
			"printed output",
			Result{Output: "42\n"},
			"42\n",
		},
		{
			"empty output substitutes sentinel",
			Result{Output: ""},
			SuccessNoOutput,
		},
		{
			"whitespace-only output substitutes sentinel",
			Result{Output: " \n\t\n"},
			SuccessNoOutput,
		},
		{
			"fault wins over output",
			Result{Output: "partial\n", Fault: &Fault{Kind: FaultEval, Detail: "division by zero"}},
			"Error: EvalError: division by zero",
		},
		{
			"timeout fault",
			Result{Fault: &Fault{Kind: FaultTimeout}},
			"Error: Execution timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResultTextNeverEmpty(t *testing.T) {
	results := []Result{
		{},
		{Output: "\n"},
		{Fault: &Fault{Kind: FaultSyntax, Detail: "bad token"}},
		{Output: "ok", Duration: time.Second, Steps: 10},
	}
	for i, r := range results {
		if r.Text() == "" {
			t.Errorf("result %d rendered empty response", i)
		}
	}
}
