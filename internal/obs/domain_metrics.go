package obs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PriceQuoteTotal counts authoritative quotes by applied pricing rule.
	PriceQuoteTotal *prometheus.CounterVec
	// ClientAmountMismatchTotal counts client-asserted totals that disagreed with the server.
	ClientAmountMismatchTotal prometheus.Counter
	// PaymentIntentTotal counts gateway intent attempts.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentVerifyTotal counts payment callback verification outcomes.
	PaymentVerifyTotal *prometheus.CounterVec
	// CommissionCreditFailures counts affiliate credits that need reconciliation.
	CommissionCreditFailures prometheus.Counter
	// NotificationTotal counts notifier outcomes.
	NotificationTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
// The recording helpers below are no-ops until this has been called.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PriceQuoteTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_quote_total",
			Help:      "Count of authoritative price quotes by applied rule.",
		}, []string{"rule"}))
		ClientAmountMismatchTotal = registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_amount_mismatch_total",
			Help:      "Client-asserted amounts that differed from the authoritative quote.",
		}))
		PaymentIntentTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment intent creation outcomes.",
		}, []string{"provider", "result"}))
		PaymentVerifyTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verify_total",
			Help:      "Count of payment callback verification outcomes.",
		}, []string{"result"}))
		CommissionCreditFailures = registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_credit_failures_total",
			Help:      "Affiliate commission credits that failed and await reconciliation.",
		}))
		NotificationTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_total",
			Help:      "Count of notification attempts by notifier and outcome.",
		}, []string{"notifier", "result"}))
	})
}

// IncQuote records a computed quote.
func IncQuote(rule string) {
	if PriceQuoteTotal != nil {
		PriceQuoteTotal.WithLabelValues(rule).Inc()
	}
}

// IncAmountMismatch records a client total that was ignored.
func IncAmountMismatch() {
	if ClientAmountMismatchTotal != nil {
		ClientAmountMismatchTotal.Inc()
	}
}

// IncPaymentIntent records a gateway intent outcome.
func IncPaymentIntent(provider, result string) {
	if PaymentIntentTotal != nil {
		PaymentIntentTotal.WithLabelValues(provider, result).Inc()
	}
}

// IncPaymentVerify records a verification outcome.
func IncPaymentVerify(result string) {
	if PaymentVerifyTotal != nil {
		PaymentVerifyTotal.WithLabelValues(result).Inc()
	}
}

// IncCommissionFailure records a commission credit that must be repaired.
func IncCommissionFailure() {
	if CommissionCreditFailures != nil {
		CommissionCreditFailures.Inc()
	}
}

// IncNotification records a notifier outcome.
func IncNotification(notifier, result string) {
	if NotificationTotal != nil {
		NotificationTotal.WithLabelValues(notifier, result).Inc()
	}
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
			return collector
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
	return collector
}
