package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metrics содержит все метрики движка расчетов.
// Методы безопасны для nil-получателя, сервисы могут работать без метрик.
type Metrics struct {
	logger   *zap.Logger
	gatherer prometheus.Gatherer

	// Счетчики
	commissions      *prometheus.CounterVec
	commissionAmount prometheus.Counter
	ledgerOps        *prometheus.CounterVec
	settlementSteps  *prometheus.CounterVec
	poolPayouts      *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	cycles           prometheus.Counter
	promotions       *prometheus.CounterVec
	otpEvents        *prometheus.CounterVec

	// Гистограммы
	sweepDuration *prometheus.HistogramVec
}

// New создает метрики в глобальном реестре Prometheus
func New(logger *zap.Logger) *Metrics {
	return NewWithRegistry(logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry создает метрики в переданном реестре
func NewWithRegistry(logger *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		logger:   logger,
		gatherer: gatherer,

		commissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commissions_posted_total",
				Help: "Количество начисленных комиссий",
			},
			[]string{"level"},
		),

		commissionAmount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "commissions_posted_amount",
				Help: "Сумма начисленных комиссий",
			},
		),

		ledgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Операции кошелька по типу и результату",
			},
			[]string{"type", "outcome"}, // outcome: ok, duplicate, insufficient, conflict, error
		),

		settlementSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_steps_total",
				Help: "Шаги расчета заказа по результату",
			},
			[]string{"step", "outcome"}, // step: commission, leadership, cheque_match, tax
		),

		poolPayouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_payouts_total",
				Help: "Выплаты долей пула по каналу",
			},
			[]string{"channel"},
		),

		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duplicate_settlements_total",
				Help: "Поглощенные повторные расчеты",
			},
			[]string{"component"},
		),

		cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "referral_cycles_detected_total",
				Help: "Обнаруженные циклы в реферальном графе",
			},
		),

		promotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_promotions_total",
				Help: "Повышения ранга по новому рангу",
			},
			[]string{"tier"},
		),

		otpEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otp_events_total",
				Help: "События подтверждения кодом",
			},
			[]string{"event"}, // issued, verified, invalid, expired
		),

		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweep_duration_seconds",
				Help:    "Длительность фоновых обходов",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
	}

	// Регистрируем все метрики
	reg.MustRegister(
		m.commissions,
		m.commissionAmount,
		m.ledgerOps,
		m.settlementSteps,
		m.poolPayouts,
		m.duplicates,
		m.cycles,
		m.promotions,
		m.otpEvents,
		m.sweepDuration,
	)

	return m
}

// RecordCommission учитывает начисленную комиссию уровня
func (m *Metrics) RecordCommission(level int, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.commissions.WithLabelValues(strconv.Itoa(level)).Inc()
	m.commissionAmount.Add(amount.InexactFloat64())
}

// RecordLedgerOperation учитывает операцию кошелька
func (m *Metrics) RecordLedgerOperation(txType, outcome string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(txType, outcome).Inc()
}

// RecordSettlementStep учитывает результат шага расчета
func (m *Metrics) RecordSettlementStep(step, outcome string) {
	if m == nil {
		return
	}
	m.settlementSteps.WithLabelValues(step, outcome).Inc()
}

// RecordPoolPayout учитывает выплату доли пула
func (m *Metrics) RecordPoolPayout(channel string) {
	if m == nil {
		return
	}
	m.poolPayouts.WithLabelValues(channel).Inc()
}

// RecordDuplicate учитывает поглощенный повтор
func (m *Metrics) RecordDuplicate(component string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(component).Inc()
}

// RecordCycle учитывает обнаруженный цикл
func (m *Metrics) RecordCycle() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

// RecordPromotion учитывает повышение ранга
func (m *Metrics) RecordPromotion(tier string) {
	if m == nil {
		return
	}
	m.promotions.WithLabelValues(tier).Inc()
}

// RecordOtp учитывает событие подтверждения кодом
func (m *Metrics) RecordOtp(event string) {
	if m == nil {
		return
	}
	m.otpEvents.WithLabelValues(event).Inc()
}

// ObserveSweep записывает длительность обхода
func (m *Metrics) ObserveSweep(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(task).Observe(d.Seconds())
	m.logger.Debug("обход завершен", zap.String("task", task), zap.Duration("duration", d))
}
