package ledger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexbotov/slotgate/internal/domain"
)

type metrics struct {
	operations *prometheus.CounterVec
	jackpots   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotgate", Subsystem: "ledger", Name: "operations_total",
			Help: "Ledger operations by kind and result.",
		}, []string{"kind", "result"}),
		jackpots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotgate", Subsystem: "ledger", Name: "jackpot_awards_total",
			Help: "Jackpot pools awarded by tier.",
		}, []string{"tier"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.jackpots)
	}
	return m
}

func (m *metrics) observe(kind domain.LedgerKind, err error, replayed bool) {
	result := "applied"
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		result = "insufficient_funds"
	case errors.Is(err, ErrPlayerNotFound):
		result = "player_not_found"
	case err != nil:
		result = "error"
	case replayed:
		result = "replayed"
	}
	m.operations.WithLabelValues(string(kind), result).Inc()
}
