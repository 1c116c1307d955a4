package keys

import "testing"

func TestTask(t *testing.T) {
	if got, want := Task("abc"), "task:abc"; got != want {
		t.Errorf("Task() = %q, want %q", got, want)
	}
}

func TestQueueKeys(t *testing.T) {
	cases := []struct {
		name string
		fn   func(string) string
		want string
	}{
		{"Pending", Pending, "queue:emails:pending"},
		{"Processing", Processing, "queue:emails:processing"},
		{"ProcessingTS", ProcessingTS, "queue:emails:processing:ts"},
		{"Completed", Completed, "queue:emails:completed"},
		{"CompletedExpiry", CompletedExpiry, "queue:emails:completed:expiry"},
		{"Failed", Failed, "queue:emails:failed"},
		{"DLQ", DLQ, "queue:emails:dlq"},
		{"DLQExpiry", DLQExpiry, "queue:emails:dlq:expiry"},
		{"Delayed", Delayed, "queue:emails:delayed"},
		{"Paused", Paused, "queue:emails:paused"},
	}
	for _, c := range cases {
		if got := c.fn("emails"); got != c.want {
			t.Errorf("%s(%q) = %q, want %q", c.name, "emails", got, c.want)
		}
	}
}

func TestGlobalKeys(t *testing.T) {
	if Queues() != "queues" {
		t.Errorf("Queues() = %q, want %q", Queues(), "queues")
	}
	if Workers() != "workers" {
		t.Errorf("Workers() = %q, want %q", Workers(), "workers")
	}
	if got, want := Worker("w1"), "worker:w1"; got != want {
		t.Errorf("Worker() = %q, want %q", got, want)
	}
}

func TestFor_PopulatesAllFields(t *testing.T) {
	q := For("emails")
	if q.Name != "emails" {
		t.Errorf("Name = %q, want %q", q.Name, "emails")
	}
	want := map[string]string{
		q.Pending:         Pending("emails"),
		q.Processing:      Processing("emails"),
		q.ProcessingTS:    ProcessingTS("emails"),
		q.Completed:       Completed("emails"),
		q.CompletedExpiry: CompletedExpiry("emails"),
		q.Failed:          Failed("emails"),
		q.DLQ:             DLQ("emails"),
		q.DLQExpiry:       DLQExpiry("emails"),
		q.Delayed:         Delayed("emails"),
		q.Paused:          Paused("emails"),
	}
	for got, want := range want {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestExtractQueueName(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"queue:emails:pending", "emails"},
		{"queue:emails:dlq:expiry", "emails"},
		{"queue:a-b-c:paused", "a-b-c"},
		{"task:abc", ""},
		{"queues", ""},
		{"queue:", ""},
		{"queue::pending", ""},
	}
	for _, c := range cases {
		if got := ExtractQueueName(c.key); got != c.want {
			t.Errorf("ExtractQueueName(%q) = %q, want %q", c.key, got, c.want)
		}
	}
}
