package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"spot-trading-agent/internal/reconcile"
	"spot-trading-agent/internal/state"
)

// handleHealth is the probe endpoint: OK, DEGRADED or CRITICAL with a
// matching HTTP status so load balancers can act on it directly.
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.store.Snapshot()

	var report reconcile.Report
	if s.lastReport != nil {
		report = s.lastReport()
	}

	status := "OK"
	httpStatus := http.StatusOK
	switch {
	case report.Status == reconcile.StatusCritical:
		status = "CRITICAL"
		httpStatus = http.StatusServiceUnavailable
	case snap.Mode == state.ModeObserving,
		snap.Mode == state.ModeCautious,
		report.Status == reconcile.StatusWarn,
		s.uni != nil && s.uni.Degraded():
		status = "DEGRADED"
	}

	c.JSON(httpStatus, gin.H{
		"status":        status,
		"agent_mode":    snap.Mode,
		"state_version": snap.Version,
		"updated_at":    snap.UpdatedAt,
		"time":          time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.store.Snapshot()

	var report reconcile.Report
	if s.lastReport != nil {
		report = s.lastReport()
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_mode":     snap.Mode,
		"last_regime":    snap.LastRegime,
		"open_positions": len(snap.Positions),
		"pending_buys":   len(snap.PendingBuys),
		"daily":          snap.Daily,
		"reconcile": gin.H{
			"status": report.Status,
			"issues": report.Issues,
			"ran_at": report.RanAt,
		},
		"state_version": snap.Version,
		"updated_at":    snap.UpdatedAt,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	snap := s.store.Snapshot()

	positions := make([]gin.H, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, gin.H{
			"symbol":          p.Symbol,
			"quantity":        p.Quantity,
			"entry_price":     p.EntryPrice,
			"current_price":   p.CurrentPrice,
			"take_profit":     p.TakeProfit,
			"stop_loss":       p.StopLoss,
			"high_water":      p.HighWater,
			"unrealized_gain": p.UnrealizedGain(),
			"value":           p.Value(),
			"opened_at":       p.OpenedAt,
			"regime_at_open":  p.RegimeAtOpen,
			"quarantined":     p.Quarantined,
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i]["symbol"].(string) < positions[j]["symbol"].(string)
	})

	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleCapital(c *gin.Context) {
	snap := s.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"capital_awareness": snap.Capital,
		"daily_counters":    snap.Daily,
	})
}
