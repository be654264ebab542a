package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventTick           Event = "tick"
	EventTradeOpened    Event = "trade.opened"
	EventTradeSettled   Event = "trade.settled"
	EventRiskTransition Event = "risk.transition"
	EventAgentActivated Event = "agent.activated"
	EventAgentStopped   Event = "agent.stopped"
	EventLog            Event = "log"
)

// LogRecord is the payload published on EventLog for operator streaming.
type LogRecord struct {
	AgentID  string    `json:"agent_id"`
	Level    string    `json:"level"`
	Category string    `json:"category"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}
