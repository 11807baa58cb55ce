package main

import (
	"marketdash/internal/metrics"
	"marketdash/internal/model"
	"marketdash/internal/session"
)

// selector records accepted selection changes before handing them to the
// session. The gateway drives the session through it.
type selector struct {
	ctrl   *session.Controller
	prom   *metrics.Metrics
	health *metrics.HealthStatus
}

func (s *selector) Select(symbol, interval string) error {
	key, err := model.NewSelectionKey(symbol, interval)
	if err != nil {
		return err
	}
	if err := s.ctrl.Select(key.Symbol, key.Interval); err != nil {
		return err
	}
	s.prom.SelectionChanges.Inc()
	s.health.SetSelection(key.String())
	return nil
}

func (s *selector) View() model.View {
	return s.ctrl.View()
}
