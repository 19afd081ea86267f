package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	FeeStrategyEIP1559     = "eip1559"
	FeeStrategyLegacy      = "legacy"
	FeeStrategyReplacement = "replacement"

	SponsorKindSponsor     = "sponsor"
	SponsorKindReplacement = "replacement"
	SponsorKindStub        = "stub"
	SponsorKindFeeHint     = "fee_hint"

	ReplaceOutcomeResubmitted = "resubmitted"
	ReplaceOutcomeLanded      = "already_landed"
	ReplaceOutcomeFailed      = "failed"

	PollResultPending = "pending"
	PollResultFound   = "found"
	PollResultError   = "error"
)

// UserOpMetrics contains the counters the orchestrator, sponsor and estimator
// increment. All methods are safe on a nil receiver so metrics stay optional.
type UserOpMetrics struct {
	numSubmissions     *prometheus.CounterVec
	numReplacements    *prometheus.CounterVec
	numReceiptPolls    *prometheus.CounterVec
	numSponsorRequests *prometheus.CounterVec
	numFeeEstimations  *prometheus.CounterVec
	receiptWait        prometheus.Histogram
}

const apNamespace = "ap"
const userOpSubsystem = "userop"

func NewUserOpMetrics(reg prometheus.Registerer) *UserOpMetrics {
	return &UserOpMetrics{
		numSubmissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: userOpSubsystem,
				Name:      "submissions_total",
				Help:      "The number of eth_sendUserOperation calls by outcome",
			}, []string{"status"}),

		numReplacements: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: userOpSubsystem,
				Name:      "replacements_total",
				Help:      "The number of drop-and-replace attempts. already_landed means the original was mined before resubmission",
			}, []string{"outcome"}),

		numReceiptPolls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: userOpSubsystem,
				Name:      "receipt_polls_total",
				Help:      "The number of eth_getUserOperationReceipt polls by result",
			}, []string{"result"}),

		numSponsorRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: userOpSubsystem,
				Name:      "sponsor_requests_total",
				Help:      "The number of paymaster requests by kind and status",
			}, []string{"kind", "status"}),

		numFeeEstimations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: userOpSubsystem,
				Name:      "fee_estimations_total",
				Help:      "The number of fee estimations by strategy. A growing legacy count means eip-1559 data is unavailable",
			}, []string{"strategy", "status"}),

		receiptWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Subsystem: userOpSubsystem,
				Name:      "receipt_wait_seconds",
				Help:      "Time from the first receipt poll until a receipt is found",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			}),
	}
}

func (m *UserOpMetrics) IncSubmission(status string) {
	if m == nil {
		return
	}
	m.numSubmissions.WithLabelValues(status).Inc()
}

func (m *UserOpMetrics) IncReplacement(outcome string) {
	if m == nil {
		return
	}
	m.numReplacements.WithLabelValues(outcome).Inc()
}

func (m *UserOpMetrics) IncReceiptPoll(result string) {
	if m == nil {
		return
	}
	m.numReceiptPolls.WithLabelValues(result).Inc()
}

func (m *UserOpMetrics) IncSponsorRequest(kind, status string) {
	if m == nil {
		return
	}
	m.numSponsorRequests.WithLabelValues(kind, status).Inc()
}

func (m *UserOpMetrics) IncFeeEstimation(strategy, status string) {
	if m == nil {
		return
	}
	m.numFeeEstimations.WithLabelValues(strategy, status).Inc()
}

func (m *UserOpMetrics) ObserveReceiptWait(seconds float64) {
	if m == nil {
		return
	}
	m.receiptWait.Observe(seconds)
}
