package whatsapp

import "testing"

func TestRouteTarget(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  string
	}{
		{
			name:  "supervisor-tier assignee",
			order: Order{ID: "1", OperatorID: "A", OperatorIsSupervisor: true},
			want:  "A",
		},
		{
			name:  "supervisor-tier assignee ignores approving supervisor",
			order: Order{ID: "2", OperatorID: "A", OperatorIsSupervisor: true, ApprovingSupervisorID: "C"},
			want:  "A",
		},
		{
			name:  "approving supervisor",
			order: Order{ID: "3", OperatorID: "B", ApprovingSupervisorID: "C"},
			want:  "C",
		},
		{
			name:  "own session",
			order: Order{ID: "4", OperatorID: "D"},
			want:  "D",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RouteTarget(tt.order); got != tt.want {
				t.Errorf("RouteTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}
