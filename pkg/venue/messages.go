// Package venue implements the client side of a Deriv-style trading API:
// JSON messages over a persistent websocket, with caller-assigned req_id
// correlation for requests and server-assigned subscription ids for streams.
package venue

import (
	"fmt"
)

// APIError is the error object the venue attaches to a failed reply.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue: %s (%s)", e.Message, e.Code)
}

// envelope carries the routing fields shared by every venue message.
type envelope struct {
	MsgType      string    `json:"msg_type"`
	ReqID        int64     `json:"req_id"`
	Error        *APIError `json:"error"`
	Subscription *struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

// AuthorizeReply is the payload of a successful authorize handshake.
type AuthorizeReply struct {
	Authorize struct {
		LoginID  string  `json:"loginid"`
		Balance  float64 `json:"balance"`
		Currency string  `json:"currency"`
	} `json:"authorize"`
}

// HistoryReply carries a ticks_history backfill: parallel price/epoch arrays.
type HistoryReply struct {
	History struct {
		Prices []float64 `json:"prices"`
		Times  []int64   `json:"times"`
	} `json:"history"`
	Subscription struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

// TickEvent is one live tick from a ticks stream.
type TickEvent struct {
	Tick struct {
		Quote  float64 `json:"quote"`
		Epoch  int64   `json:"epoch"`
		Symbol string  `json:"symbol"`
		ID     string  `json:"id"`
	} `json:"tick"`
}

// ProposalReply is a priced quote for a candidate contract.
type ProposalReply struct {
	Proposal struct {
		ID       string  `json:"id"`
		AskPrice float64 `json:"ask_price"`
		Payout   float64 `json:"payout"`
		Spot     float64 `json:"spot"`
	} `json:"proposal"`
}

// BuyReply confirms an accepted order.
type BuyReply struct {
	Buy struct {
		ContractID    int64   `json:"contract_id"`
		BuyPrice      float64 `json:"buy_price"`
		Payout        float64 `json:"payout"`
		PurchaseTime  int64   `json:"purchase_time"`
		TransactionID int64   `json:"transaction_id"`
	} `json:"buy"`
}

// ContractUpdate is one order-status event from a proposal_open_contract stream.
type ContractUpdate struct {
	Contract struct {
		ContractID int64   `json:"contract_id"`
		Status     string  `json:"status"` // open, won, lost, sold
		IsSold     int     `json:"is_sold"`
		Profit     float64 `json:"profit"`
		EntrySpot  float64 `json:"entry_spot"`
		ExitSpot   float64 `json:"exit_tick"`
		BuyPrice   float64 `json:"buy_price"`
		Payout     float64 `json:"payout"`
	} `json:"proposal_open_contract"`
}

// AuthorizeRequest builds the handshake payload.
func AuthorizeRequest(token string) map[string]any {
	return map[string]any{"authorize": token}
}

// TicksHistoryRequest builds a backfill-then-stream subscription payload.
func TicksHistoryRequest(symbol string, count int) map[string]any {
	return map[string]any{
		"ticks_history": symbol,
		"count":         count,
		"end":           "latest",
		"style":         "ticks",
		"subscribe":     1,
	}
}

// ProposalRequest builds a quote request for a contract.
func ProposalRequest(contractType string, barrier string, stake float64, currency, symbol string, durationTicks int) map[string]any {
	req := map[string]any{
		"proposal":      1,
		"amount":        stake,
		"basis":         "stake",
		"contract_type": contractType,
		"currency":      currency,
		"duration":      durationTicks,
		"duration_unit": "t",
		"symbol":        symbol,
	}
	if barrier != "" {
		req["barrier"] = barrier
	}
	return req
}

// BuyRequest places an order against a quoted proposal.
func BuyRequest(proposalID string, price float64) map[string]any {
	return map[string]any{"buy": proposalID, "price": price}
}

// OpenContractRequest subscribes to settlement updates for a contract.
func OpenContractRequest(contractID int64) map[string]any {
	return map[string]any{
		"proposal_open_contract": 1,
		"contract_id":            contractID,
		"subscribe":              1,
	}
}

// ForgetRequest cancels a stream by server subscription id.
func ForgetRequest(subscriptionID string) map[string]any {
	return map[string]any{"forget": subscriptionID}
}

// PingRequest is the keep-alive payload.
func PingRequest() map[string]any {
	return map[string]any{"ping": 1}
}

