package emberq

import "testing"

func TestStatus_StringAndParse(t *testing.T) {
	if StatusPending.String() != "pending" || StatusProcessing.String() != "processing" ||
		StatusCompleted.String() != "completed" || StatusFailed.String() != "failed" {
		t.Fatal("unexpected status string values")
	}
	for _, s := range []string{"pending", "processing", "completed", "failed"} {
		if _, err := ParseStatus(s); err != nil {
			t.Fatalf("parse valid status %q failed: %v", s, err)
		}
	}
	if _, err := ParseStatus("weird"); err == nil {
		t.Fatal("expected error for invalid status")
	} else if err != ErrUnknownStatus {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}
