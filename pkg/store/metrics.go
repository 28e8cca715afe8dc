package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txnCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_store_txn_commits_total",
		Help: "Number of committed write transactions.",
	})
	txnRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_store_txn_rollbacks_total",
		Help: "Number of rolled back write transactions.",
	})
)
