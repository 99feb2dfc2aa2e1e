package whatsapp

import "context"

// Order is the part of a repair order that decides which operator's session
// speaks for it.
type Order struct {
	ID                    string
	OperatorID            string // assigned operator
	OperatorIsSupervisor  bool   // assigned operator leads some hierarchy
	ApprovingSupervisorID string // empty when the order carries no approval
}

// OrderLookup resolves an order id into its routing fields.
type OrderLookup interface {
	LookupOrder(ctx context.Context, orderID string) (Order, error)
}

// RouteTarget returns the operator whose session should send messages about
// o. A supervisor-tier assignee speaks for itself even when an approving
// supervisor is also recorded; otherwise the approving supervisor wins, and
// without one the assignee is used.
func RouteTarget(o Order) string {
	switch {
	case o.OperatorIsSupervisor:
		return o.OperatorID
	case o.ApprovingSupervisorID != "":
		return o.ApprovingSupervisorID
	}
	return o.OperatorID
}
