package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics records lending activity for the operator dashboards.
type ProtocolMetrics struct {
	offersCreated   prometheus.Counter
	offersCancelled prometheus.Counter
	loansOpened     prometheus.Counter
	loansResolved   *prometheus.CounterVec
	auctionsStarted prometheus.Counter
	auctionsSettled *prometheus.CounterVec
	bidsPlaced      prometheus.Counter
	royaltyApplied  prometheus.Counter
}

var (
	protocolOnce sync.Once
	protocolReg  *ProtocolMetrics
)

// Metrics returns the lazily-initialised protocol metrics registry.
func Metrics() *ProtocolMetrics {
	protocolOnce.Do(func() {
		protocolReg = &ProtocolMetrics{
			offersCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "offers",
				Name:      "created_total",
				Help:      "Total loan offers created.",
			}),
			offersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "offers",
				Name:      "cancelled_total",
				Help:      "Total loan offers cancelled by their lender.",
			}),
			loansOpened: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "loans",
				Name:      "opened_total",
				Help:      "Total loans opened from accepted offers.",
			}),
			loansResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "loans",
				Name:      "resolved_total",
				Help:      "Total loans resolved, segmented by terminal status.",
			}, []string{"status"}),
			auctionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "auctions",
				Name:      "started_total",
				Help:      "Total liquidation auctions opened.",
			}),
			auctionsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "auctions",
				Name:      "settled_total",
				Help:      "Total auctions settled, segmented by outcome path.",
			}, []string{"path"}),
			bidsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "auctions",
				Name:      "bids_total",
				Help:      "Total accepted auction bids.",
			}),
			royaltyApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "royalty",
				Name:      "applied_wei_total",
				Help:      "Total royalty income applied toward repayment, in wei.",
			}),
		}
		prometheus.MustRegister(
			protocolReg.offersCreated,
			protocolReg.offersCancelled,
			protocolReg.loansOpened,
			protocolReg.loansResolved,
			protocolReg.auctionsStarted,
			protocolReg.auctionsSettled,
			protocolReg.bidsPlaced,
			protocolReg.royaltyApplied,
		)
	})
	return protocolReg
}

// ObserveOfferCreated increments the offer creation counter.
func (m *ProtocolMetrics) ObserveOfferCreated() {
	if m == nil {
		return
	}
	m.offersCreated.Inc()
}

// ObserveOfferCancelled increments the offer cancellation counter.
func (m *ProtocolMetrics) ObserveOfferCancelled() {
	if m == nil {
		return
	}
	m.offersCancelled.Inc()
}

// ObserveLoanOpened increments the loan open counter.
func (m *ProtocolMetrics) ObserveLoanOpened() {
	if m == nil {
		return
	}
	m.loansOpened.Inc()
}

// ObserveLoanResolved records a loan reaching a terminal status.
func (m *ProtocolMetrics) ObserveLoanResolved(status string) {
	if m == nil {
		return
	}
	m.loansResolved.WithLabelValues(status).Inc()
}

// ObserveAuctionStarted increments the auction open counter.
func (m *ProtocolMetrics) ObserveAuctionStarted() {
	if m == nil {
		return
	}
	m.auctionsStarted.Inc()
}

// ObserveAuctionSettled records an auction settlement by outcome path.
func (m *ProtocolMetrics) ObserveAuctionSettled(path string) {
	if m == nil {
		return
	}
	m.auctionsSettled.WithLabelValues(path).Inc()
}

// ObserveBidPlaced increments the accepted bid counter.
func (m *ProtocolMetrics) ObserveBidPlaced() {
	if m == nil {
		return
	}
	m.bidsPlaced.Inc()
}

// ObserveRoyaltyApplied adds the applied royalty amount to the running total.
func (m *ProtocolMetrics) ObserveRoyaltyApplied(amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	wei, _ := new(big.Float).SetInt(amount).Float64()
	m.royaltyApplied.Add(wei)
}
