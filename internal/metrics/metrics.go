// Package metrics holds the Prometheus collectors for the access-request and
// grant state machines.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "partnerlock_requests_created_total",
		Help: "Total number of access requests created.",
	})

	RequestsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerlock_requests_resolved_total",
		Help: "Access requests leaving pending, by outcome.",
	}, []string{"status"})

	RespondRaceLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "partnerlock_respond_race_lost_total",
		Help: "Respond or expire attempts that lost the compare-and-set.",
	})

	GrantsActivated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "partnerlock_grants_activated_total",
		Help: "Total number of temporary access grants activated.",
	})

	GrantsRevoked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerlock_grants_revoked_total",
		Help: "Grants revoked, by reason.",
	}, []string{"reason"})

	GrantConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "partnerlock_grant_conflicts_total",
		Help: "Grant activations rejected because another grant was active.",
	})

	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerlock_notifications_total",
		Help: "Notification delivery attempts by type and result.",
	}, []string{"type", "result"})

	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "partnerlock_pending_requests",
		Help: "Number of access requests awaiting an answer.",
	})

	ActiveGrants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "partnerlock_active_grants",
		Help: "Number of grants currently unlocking access.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "partnerlock_subscribers",
		Help: "Open request and access-state subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsCreated, RequestsResolved, RespondRaceLost,
		GrantsActivated, GrantsRevoked, GrantConflicts,
		NotificationsSent, PendingRequests, ActiveGrants, Subscribers,
	)
}
