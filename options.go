package emberq

// options collects the optional parameters to Broker.Enqueue. Defaults
// match spec: priority=5, queue="default", max_retries=3.
type options struct {
	id         string
	priority   int
	queue      string
	maxRetries int
}

func defaultOptions() *options {
	return &options{
		priority:   DefaultPriority,
		queue:      DefaultQueue,
		maxRetries: DefaultMaxRetries,
	}
}

// Option configures a single Enqueue call.
type Option func(*options)

// TaskID assigns a caller-supplied id instead of a generated UUID. Two
// Enqueue calls with the same id in the same queue race: whichever writes
// task:{id} and the pending entry first wins, the other returns
// ErrConflict.
func TaskID(id string) Option {
	return func(o *options) { o.id = id }
}

// Priority sets the task's priority (1..10, 10 = most urgent). Default 5.
func Priority(p int) Option {
	return func(o *options) { o.priority = p }
}

// Queue sets the destination queue name. Default "default".
func Queue(q string) Option {
	return func(o *options) { o.queue = q }
}

// MaxRetries sets the retry ceiling for this task. Default 3.
func MaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}
