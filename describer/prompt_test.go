package describer

import "testing"

func TestSummaryPrompt(t *testing.T) {
	got := SummaryPrompt([]string{"a cat", "a dog"})
	expected := "Please create a comprehensive summary of these image descriptions:\n\nImage 1: a cat\n\nImage 2: a dog"
	if got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}
