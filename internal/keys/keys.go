// Package keys centralizes Redis key construction for the broker.
// It is kept in internal to avoid leaking key formats to public API.
package keys

import "strings"

// Task returns the key holding the serialized Task record for id.
func Task(id string) string { return "task:" + id }

// Pending returns the priority-ordered ZSET of tasks waiting to run.
func Pending(q string) string { return "queue:" + q + ":pending" }

// Processing returns the SET of task ids currently leased by a worker.
func Processing(q string) string { return "queue:" + q + ":processing" }

// ProcessingTS returns the HASH mapping a processing task id to its
// dequeue timestamp (unix ms), used by the stale sweeper.
func ProcessingTS(q string) string { return "queue:" + q + ":processing:ts" }

// Completed returns the SET of completed task ids.
func Completed(q string) string { return "queue:" + q + ":completed" }

// CompletedExpiry returns the ZSET indexing completed-task retention
// expiry times (unix ms) for the retention reaper.
func CompletedExpiry(q string) string { return "queue:" + q + ":completed:expiry" }

// Failed returns the SET of failed (dead-lettered) task ids.
func Failed(q string) string { return "queue:" + q + ":failed" }

// DLQ returns the ZSET of dead-lettered task ids, scored by failure time.
func DLQ(q string) string { return "queue:" + q + ":dlq" }

// DLQExpiry returns the ZSET indexing dead-letter retention expiry times.
func DLQExpiry(q string) string { return "queue:" + q + ":dlq:expiry" }

// Delayed returns the ZSET holding tasks in backoff, scored by the unix-ms
// time at which they become visible again.
func Delayed(q string) string { return "queue:" + q + ":delayed" }

// Paused returns the flag key; its presence (value "1") marks the queue
// paused.
func Paused(q string) string { return "queue:" + q + ":paused" }

// Queues returns the SET of registered queue names.
func Queues() string { return "queues" }

// Worker returns the key holding a serialized WorkerState.
func Worker(id string) string { return "worker:" + id }

// Workers returns the SET of registered worker ids.
func Workers() string { return "workers" }

// Queue holds all precomputed keys for a queue name, to avoid repeated
// string concatenation in hot paths.
type Queue struct {
	Name            string
	Pending         string
	Processing      string
	ProcessingTS    string
	Completed       string
	CompletedExpiry string
	Failed          string
	DLQ             string
	DLQExpiry       string
	Delayed         string
	Paused          string
}

// For returns the precomputed key set for the given queue name.
func For(q string) Queue {
	return Queue{
		Name:            q,
		Pending:         Pending(q),
		Processing:      Processing(q),
		ProcessingTS:    ProcessingTS(q),
		Completed:       Completed(q),
		CompletedExpiry: CompletedExpiry(q),
		Failed:          Failed(q),
		DLQ:             DLQ(q),
		DLQExpiry:       DLQExpiry(q),
		Delayed:         Delayed(q),
		Paused:          Paused(q),
	}
}

// ExtractQueueName parses the queue name out of a "queue:{q}:suffix" key.
// It returns an empty string if the key does not match that shape.
func ExtractQueueName(key string) string {
	if !strings.HasPrefix(key, "queue:") {
		return ""
	}
	rest := key[len("queue:"):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return ""
	}
	return rest[:idx]
}
