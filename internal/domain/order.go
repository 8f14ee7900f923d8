package domain

// Plan-order type and status values as reported by the exchange.
const (
	PlanTypePosLoss    = "pos_loss"
	PlanTypeLossPlan   = "loss_plan"
	PlanTypePosProfit  = "pos_profit"
	PlanTypeProfitPlan = "profit_plan"
	PlanTypeProfitLoss = "profit_loss"

	PlanStatusLive = "live"
)

// PlanOrder is a pending trigger order on the exchange. Trigger prices are
// pointers because the exchange omits the ones that do not apply to the plan
// type.
type PlanOrder struct {
	OrderID                 string
	Symbol                  string
	PlanType                string
	PlanStatus              string
	Side                    string
	Size                    float64
	TriggerPrice            *float64
	StopLossTriggerPrice    *float64
	StopSurplusTriggerPrice *float64
}

// OrderRequest is a market order submitted through the gateway. ReduceOnly is
// set for close orders so they can never flip the position.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Size       float64
	ReduceOnly bool
}

// OrderAck is the exchange acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
}
