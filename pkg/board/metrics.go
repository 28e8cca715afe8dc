package board

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_messages_accepted_total",
		Help: "Messages accepted into boards by the ingestion entry point.",
	})
	messagesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_messages_indexed_total",
		Help: "Messages merged into subscriber views.",
	})
	messagesUnwanted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_messages_unwanted_total",
		Help: "Messages skipped because the subscriber's trust policy rejected the author.",
	})
	syncRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_sync_runs_total",
		Help: "Synchronization runs over subscribed boards.",
	})
	ghostsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_ghost_threads_created_total",
		Help: "Ghost thread links created for not-yet-fetched roots.",
	})
	ghostsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_ghost_threads_promoted_total",
		Help: "Ghost thread links promoted to real after the root arrived.",
	})
	threadForks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forumdb_thread_forks_total",
		Help: "Threads forked off messages that are replies elsewhere.",
	})
)
