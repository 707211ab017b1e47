// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settled",
		Subsystem: "settlement",
		Name:      "settlements_total",
		Help:      "Completed settlements by outcome.",
	}, []string{"outcome"})

	payoutUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settled",
		Subsystem: "settlement",
		Name:      "payout_units_total",
		Help:      "Token units paid out to workers.",
	})

	feeUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settled",
		Subsystem: "settlement",
		Name:      "fee_units_total",
		Help:      "Token units collected as platform fees.",
	})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settled",
		Subsystem: "settlement",
		Name:      "duration_seconds",
		Help:      "Wall time of the settlement transaction.",
		Buckets:   prometheus.DefBuckets,
	})

	journalRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settled",
		Subsystem: "settlement",
		Name:      "journal_recoveries_total",
		Help:      "Pending settlement journal entries resumed at startup.",
	})
)
