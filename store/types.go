package store

// Test is a recorded step sequence.
type Test struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BaseURL   string `json:"base_url,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Run is one execution of a test.
type Run struct {
	ID         string `json:"id"`
	TestID     string `json:"test_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt *int64 `json:"finished_at,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// RunResult is the recorded outcome of one step within a run.
type RunResult struct {
	RunID           string `json:"run_id"`
	Index           int    `json:"index"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	OriginalLocator string `json:"original_locator,omitempty"`
	HealedLocator   string `json:"healed_locator,omitempty"`
	DurationMs      int64  `json:"duration_ms"`
}

// Vitals is the page timing row for one navigate step.
type Vitals struct {
	RunID            string            `json:"run_id"`
	StepIndex        int               `json:"step_index"`
	URL              string            `json:"url"`
	TTFB             float64           `json:"ttfb"`
	FCP              float64           `json:"fcp"`
	LCP              float64           `json:"lcp"`
	DOMContentLoaded float64           `json:"dom_content_loaded"`
	Load             float64           `json:"load"`
	CLS              float64           `json:"cls"`
	Ratings          map[string]string `json:"ratings"`
}

// SuggestionRow is a persisted healing suggestion in the review queue.
type SuggestionRow struct {
	ID               string   `json:"id"`
	RunID            string   `json:"run_id,omitempty"`
	TestID           string   `json:"test_id,omitempty"`
	StepIndex        int      `json:"step_index"`
	OriginalLocator  string   `json:"original_locator"`
	SuggestedLocator string   `json:"suggested_locator"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning,omitempty"`
	Alternatives     []string `json:"alternatives,omitempty"`
	Status           string   `json:"status"`
	CreatedAt        int64    `json:"created_at"`
	DecidedAt        *int64   `json:"decided_at,omitempty"`
}
