package emberq

// WorkerStatus is the lifecycle state of a worker process.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
)

// WorkerState is the liveness and activity record a Worker publishes to
// the broker and observers read back via ListWorkers/WorkerStats.
type WorkerState struct {
	WorkerID       string       `json:"worker_id"`
	Status         WorkerStatus `json:"status"`
	Queues         []string     `json:"queues"`
	CurrentTask    string       `json:"current_task,omitempty"`
	LastHeartbeat  int64        `json:"last_heartbeat"`
	TasksCompleted int64        `json:"tasks_completed"`
	TasksFailed    int64        `json:"tasks_failed"`
	StartedAt      int64        `json:"started_at"`
}

func (w WorkerState) encode(enc Encoder) ([]byte, error) { return enc.Encode(w) }

func decodeWorkerState(enc Encoder, data []byte) (WorkerState, error) {
	var w WorkerState
	err := enc.Decode(data, &w)
	return w, err
}

// IsOffline reports whether a worker's heartbeat is stale relative to now,
// per the heartbeat_interval + slack invariant (spec §3 invariant 6):
// slack equals one additional heartbeat_interval.
func (w WorkerState) IsOffline(now int64, heartbeatInterval int64) bool {
	maxAge := 2 * heartbeatInterval
	return now-w.LastHeartbeat > maxAge
}
