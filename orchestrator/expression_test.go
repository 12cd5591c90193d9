package orchestrator

import "testing"

func TestEval(t *testing.T) {
	tests := []struct {
		name string
		expr string
		env  map[string]any
		want any
	}{
		{
			name: "slot reference",
			expr: "amount",
			env:  map[string]any{"amount": "500"},
			want: "500",
		},
		{
			name: "numeric comparison",
			expr: "balance > 100",
			env:  map[string]any{"balance": 250.0},
			want: true,
		},
		{
			name: "string concatenation",
			expr: `"acct-" + to_account`,
			env:  map[string]any{"to_account": "savings"},
			want: "acct-savings",
		},
		{
			name: "undefined variable resolves to nil",
			expr: "missing",
			env:  map[string]any{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(tt.expr, tt.env)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvalBool(t *testing.T) {
	tests := []struct {
		name string
		expr string
		env  map[string]any
		want bool
	}{
		{"true comparison", "float(value) > 0", map[string]any{"value": "250"}, true},
		{"false comparison", "float(value) > 0", map[string]any{"value": "0"}, false},
		{"evaluation error counts as false", "float(value) > 0", map[string]any{"value": "lots"}, false},
		{"non-boolean result counts as false", "value", map[string]any{"value": "yes"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvalBool(tt.expr, tt.env); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
