package montage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveRun(t *testing.T) {
	db, err := NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	t.Run("no outcomes", func(t *testing.T) {
		res := &Result{ID: "empty", Provider: "fake", StartedAt: time.Now(), SummaryStatus: StatusSkipped}
		if err := db.SaveRun(t.Context(), res); err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		outcomes, err := db.RunOutcomes(t.Context(), "empty")
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		if len(outcomes) != 0 {
			t.Errorf("Expected no outcomes, got %d", len(outcomes))
		}
	})

	t.Run("multiple batches", func(t *testing.T) {
		res := &Result{
			ID:            "big",
			Provider:      "fake",
			StartedAt:     time.Now().Add(time.Minute),
			Outcomes:      make([]Outcome, 250),
			Summary:       "lots of pictures",
			SummaryStatus: StatusSuccess,
			Duration:      3 * time.Second,
		}
		for i := range res.Outcomes {
			o := Outcome{ID: fmt.Sprintf("/path/to/%d.jpg", i), Attempts: 1, Duration: time.Duration(i) * time.Millisecond}
			if i%10 == 3 {
				o.Status = StatusFailed
				o.Error = "boom"
				res.Failed++
			} else {
				o.Status = StatusSuccess
				o.Description = fmt.Sprintf("picture %d", i)
				res.Succeeded++
			}
			res.Outcomes[i] = o
		}

		if err := db.SaveRun(t.Context(), res); err != nil {
			t.Fatalf("Unexpected error %s", err)
		}

		outcomes, err := db.RunOutcomes(t.Context(), "big")
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if expected, actual := 250, len(outcomes); expected != actual {
			t.Fatalf("Expected %d outcomes, got %d", expected, actual)
		}
		for i, o := range outcomes {
			if o != res.Outcomes[i] {
				t.Errorf("Outcome %d: expected %+v, got %+v", i, res.Outcomes[i], o)
				break
			}
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		res := &Result{ID: "big", Provider: "fake", StartedAt: time.Now(), SummaryStatus: StatusSkipped}
		if err := db.SaveRun(t.Context(), res); err == nil {
			t.Errorf("Expected an error saving a run twice")
		}
	})
}

func TestRuns(t *testing.T) {
	db, err := NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		res := &Result{
			ID:            fmt.Sprintf("run-%d", i),
			Provider:      "ollama",
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			Duration:      1500 * time.Millisecond,
			Succeeded:     i,
			SummaryStatus: StatusFailed,
			SummaryError:  "summarizer down",
			TimedOut:      i == 2,
		}
		if err := db.SaveRun(t.Context(), res); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := db.Runs(t.Context(), 2)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected, actual := 2, len(runs); expected != actual {
		t.Fatalf("Expected %d runs, got %d", expected, actual)
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("Expected newest first, got %s, %s", runs[0].ID, runs[1].ID)
	}
	r := runs[0]
	if !r.StartedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Expected start time to round trip, got %s", r.StartedAt)
	}
	if r.Duration != 1.5 || !r.TimedOut || r.SummaryError != "summarizer down" || r.Summary != "" {
		t.Errorf("Unexpected run %+v", r)
	}

	all, err := db.Runs(t.Context(), 0)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 runs, got %d", len(all))
	}
}

func TestNewDBErrors(t *testing.T) {
	// The parent directory does not exist so sqlite cannot create the file
	fname := filepath.Join(t.TempDir(), "missing", "runs.db")
	db, err := NewDB(t.Context(), fname)
	if err == nil {
		db.Close()
		t.Fatalf("Expected an error opening %s", fname)
	}
	if db != nil {
		t.Errorf("Expected no DB on error")
	}

	// A file backed DB can be closed and opened again
	fname = filepath.Join(t.TempDir(), "runs.db")
	for range 2 {
		db, err := NewDB(t.Context(), fname)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		db.Close()
	}
}
