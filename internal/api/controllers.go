package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"apollo-core/internal/events"
	"apollo-core/internal/risk"
	"apollo-core/pkg/db"
)

// agentPayload is the operator-editable slice of an agent row.
type agentPayload struct {
	ID                string  `json:"id"`
	Token             string  `json:"token"`
	Symbol            string  `json:"symbol"`
	Currency          string  `json:"currency"`
	BaseStake         float64 `json:"base_stake"`
	DailyProfitTarget float64 `json:"daily_profit_target"`
	DailyLossLimit    float64 `json:"daily_loss_limit"`
	InitialBalance    float64 `json:"initial_balance"`
	StopLossMode      string  `json:"stop_loss_mode"`
	Cadence           string  `json:"cadence"`
	Profile           string  `json:"profile"`
	DurationTicks     int     `json:"duration_ticks"`
}

func (p *agentPayload) validate() string {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return "id is required"
	case strings.TrimSpace(p.Token) == "":
		return "token is required"
	case strings.TrimSpace(p.Symbol) == "":
		return "symbol is required"
	case p.BaseStake < risk.MinStake:
		return "base_stake below venue minimum"
	case p.StopLossMode != "" && p.StopLossMode != risk.StopLossFixed && p.StopLossMode != risk.StopLossDynamic:
		return "stop_loss_mode must be fixed or dynamic"
	case p.DurationTicks < 0:
		return "duration_ticks must not be negative"
	}
	return ""
}

// agentStateView is the read model for one agent.
type agentStateView struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Currency      string  `json:"currency"`
	IsActive      bool    `json:"is_active"`
	BaseStake     float64 `json:"base_stake"`
	StopLossMode  string  `json:"stop_loss_mode"`
	Cadence       string  `json:"cadence"`
	Profile       string  `json:"profile"`
	DurationTicks int     `json:"duration_ticks"`

	RecoveryLevel    int     `json:"recovery_level"`
	RecoveryAttempts int     `json:"recovery_attempts"`
	LastLoss         float64 `json:"last_loss"`
	CompoundLevel    int     `json:"compound_level"`
	CompoundStake    float64 `json:"compound_stake"`
	BankedProfit     float64 `json:"banked_profit"`

	DailyProfit float64 `json:"daily_profit"`
	DailyLoss   float64 `json:"daily_loss"`
	ProfitPeak  float64 `json:"profit_peak"`
	TradeCount  int     `json:"trade_count"`
	WinCount    int     `json:"win_count"`
	LossCount   int     `json:"loss_count"`

	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	InFlight       bool       `json:"in_flight"`
	HistoryLen     int        `json:"history_len"`
}

func stateView(rec db.AgentRecord, inFlight bool, historyLen int) agentStateView {
	return agentStateView{
		ID:               rec.ID,
		Symbol:           rec.Symbol,
		Currency:         rec.Currency,
		IsActive:         rec.IsActive,
		BaseStake:        rec.BaseStake,
		StopLossMode:     rec.StopLossMode,
		Cadence:          rec.Cadence,
		Profile:          rec.Profile,
		DurationTicks:    rec.DurationTicks,
		RecoveryLevel:    rec.RecoveryLevel,
		RecoveryAttempts: rec.RecoveryAttempts,
		LastLoss:         rec.LastLoss,
		CompoundLevel:    rec.CompoundLevel,
		CompoundStake:    rec.CompoundStake,
		BankedProfit:     rec.BankedProfit,
		DailyProfit:      rec.DailyProfit,
		DailyLoss:        rec.DailyLoss,
		ProfitPeak:       rec.ProfitPeak,
		TradeCount:       rec.TradeCount,
		WinCount:         rec.WinCount,
		LossCount:        rec.LossCount,
		NextEligibleAt:   rec.NextEligibleAt,
		InFlight:         inFlight,
		HistoryLen:       historyLen,
	}
}

// upsertAgent creates or reconfigures an agent. Money-management state of an
// existing agent is preserved; only configuration fields are overwritten.
func (s *Server) upsertAgent(c *gin.Context) {
	var req agentPayload
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_AGENT", "error": msg})
		return
	}

	ctx := c.Request.Context()
	rec, err := s.DB.GetAgent(ctx, req.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	created := errors.Is(err, db.ErrNotFound)
	if created {
		rec = db.AgentRecord{ID: req.ID}
	}

	rec.Token = req.Token
	rec.Symbol = req.Symbol
	rec.Currency = defaultStr(req.Currency, "USD")
	rec.BaseStake = req.BaseStake
	rec.DailyProfitTarget = req.DailyProfitTarget
	rec.DailyLossLimit = req.DailyLossLimit
	rec.InitialBalance = req.InitialBalance
	rec.StopLossMode = defaultStr(req.StopLossMode, risk.StopLossFixed)
	rec.Cadence = defaultStr(req.Cadence, "standard")
	rec.Profile = defaultStr(req.Profile, "balanced")
	if req.DurationTicks > 0 {
		rec.DurationTicks = req.DurationTicks
	} else if rec.DurationTicks == 0 {
		rec.DurationTicks = 5
	}

	if err := s.DB.UpsertAgent(ctx, rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	// Active agents pick the edit up on the scheduler's next config refresh.
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, stateView(rec, false, 0))
}

// listAgents returns every currently active agent.
func (s *Server) listAgents(c *gin.Context) {
	states := s.Registry.All()
	out := make([]agentStateView, 0, len(states))
	for _, st := range states {
		out = append(out, stateView(st.Record(), st.InFlight(), st.HistoryLen()))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// getAgentState returns live state for an active agent, falling back to the
// persisted row for inactive ones.
func (s *Server) getAgentState(c *gin.Context) {
	id := c.Param("id")
	if st := s.Registry.Get(id); st != nil {
		c.JSON(http.StatusOK, stateView(st.Record(), st.InFlight(), st.HistoryLen()))
		return
	}

	rec, err := s.DB.GetAgent(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "AGENT_NOT_FOUND", "error": "unknown agent"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stateView(rec, false, 0))
}

// activateAgent brings a configured agent into the live roster, resetting its
// session accumulators. Activating an active agent resets it idempotently.
func (s *Server) activateAgent(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	rec, err := s.DB.GetAgent(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "AGENT_NOT_FOUND", "error": "unknown agent"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	st, err := s.Registry.Activate(ctx, rec)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventAgentActivated, map[string]string{"agent_id": id, "operator": CurrentUserID(c)})
	}
	c.JSON(http.StatusOK, stateView(st.Record(), false, st.HistoryLen()))
}

// deactivateAgent removes an agent from the live roster. Idempotent.
func (s *Server) deactivateAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.Registry.Deactivate(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventAgentStopped, map[string]string{"agent_id": id, "reason": "operator", "operator": CurrentUserID(c)})
	}
	c.JSON(http.StatusOK, gin.H{"status": "inactive", "agent_id": id})
}

// getAgentTrades returns the agent's most recent trades.
func (s *Server) getAgentTrades(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := s.DB.ListTrades(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// getAgentLogs returns the agent's most recent engine log rows.
func (s *Server) getAgentLogs(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := s.DB.RecentLogs(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// getPresets exposes the effective cadence and risk-profile presets.
func (s *Server) getPresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cadences": s.Presets.Cadences,
		"profiles": s.Presets.Profiles,
	})
}

func defaultStr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
