package bitget

import (
	"encoding/json"
	"strconv"

	"github.com/stratops/bitdash/internal/domain"
)

// apiResponse is the envelope every Bitget v2 endpoint returns. code "00000"
// means success; anything else carries a human-readable msg.
type apiResponse struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

const codeOK = "00000"

// tickerData is one entry of /api/v2/mix/market/ticker. Bitget encodes all
// numerics as strings and blanks the ones it cannot compute.
type tickerData struct {
	Symbol      string `json:"symbol"`
	LastPr      string `json:"lastPr"`
	MarkPrice   string `json:"markPrice"`
	FundingRate string `json:"fundingRate"`
}

func (t tickerData) toDomain() domain.Ticker {
	return domain.Ticker{
		Symbol:      t.Symbol,
		LastPrice:   parseOptFloat(t.LastPr),
		MarkPrice:   parseOptFloat(t.MarkPrice),
		FundingRate: parseOptFloat(t.FundingRate),
	}
}

// planOrdersData is the payload of /api/v2/mix/order/orders-plan-pending.
type planOrdersData struct {
	EntrustedList []planOrderData `json:"entrustedList"`
	EndID         string          `json:"endId"`
}

type planOrderData struct {
	OrderID                 string `json:"orderId"`
	Symbol                  string `json:"symbol"`
	PlanType                string `json:"planType"`
	PlanStatus              string `json:"planStatus"`
	Side                    string `json:"side"`
	Size                    string `json:"size"`
	TriggerPrice            string `json:"triggerPrice"`
	StopLossTriggerPrice    string `json:"stopLossTriggerPrice"`
	StopSurplusTriggerPrice string `json:"stopSurplusTriggerPrice"`
}

func (o planOrderData) toDomain() domain.PlanOrder {
	size, _ := strconv.ParseFloat(o.Size, 64)
	return domain.PlanOrder{
		OrderID:                 o.OrderID,
		Symbol:                  o.Symbol,
		PlanType:                o.PlanType,
		PlanStatus:              o.PlanStatus,
		Side:                    o.Side,
		Size:                    size,
		TriggerPrice:            parseOptFloat(o.TriggerPrice),
		StopLossTriggerPrice:    parseOptFloat(o.StopLossTriggerPrice),
		StopSurplusTriggerPrice: parseOptFloat(o.StopSurplusTriggerPrice),
	}
}

// positionData is one entry of /api/v2/mix/position/single-position.
type positionData struct {
	Symbol           string `json:"symbol"`
	OpenPriceAvg     string `json:"openPriceAvg"`
	LiquidationPrice string `json:"liquidationPrice"`
	UnrealizedPL     string `json:"unrealizedPL"`
	MarginSize       string `json:"marginSize"`
	AchievedProfits  string `json:"achievedProfits"`
	BreakEvenPrice   string `json:"breakEvenPrice"`
}

func (p positionData) toDomain() domain.PositionDetail {
	return domain.PositionDetail{
		Symbol:           p.Symbol,
		OpenPriceAvg:     parseOptFloat(p.OpenPriceAvg),
		LiquidationPrice: parseOptFloat(p.LiquidationPrice),
		UnrealizedPnl:    parseOptFloat(p.UnrealizedPL),
		MarginUsed:       parseOptFloat(p.MarginSize),
		AchievedProfits:  parseOptFloat(p.AchievedProfits),
		BreakEvenPrice:   parseOptFloat(p.BreakEvenPrice),
	}
}

// accountData is one entry of /api/v2/mix/account/accounts.
type accountData struct {
	AccountEquity string `json:"accountEquity"`
	Available     string `json:"available"`
}

// placeOrderRequest is the body of /api/v2/mix/order/place-order.
type placeOrderRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginCoin  string `json:"marginCoin"`
	MarginMode  string `json:"marginMode"`
	Size        string `json:"size"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	ReduceOnly  string `json:"reduceOnly,omitempty"`
}

type placeOrderData struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOid"`
}

// parseOptFloat converts Bitget's string-encoded numerics. Empty or
// unparseable strings become nil rather than zero so absence stays
// distinguishable.
func parseOptFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
