package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	listingsServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projecthub_listings_served_total",
		Help: "Project listings served, by filter.",
	}, []string{"filter"})

	visibilityDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projecthub_visibility_denied_total",
		Help: "Visibility denials, by reason.",
	}, []string{"reason"})

	viewKeyAccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projecthub_view_key_access_total",
		Help: "Successful view-only key presentations.",
	})
)
