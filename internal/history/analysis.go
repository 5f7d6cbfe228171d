// internal/history/analysis.go
package history

import "fmt"

// Progress classifies the score change between two consecutive runs.
type Progress string

const (
	ProgressSignificant Progress = "significant improvement"
	ProgressMinor       Progress = "minor improvement"
	ProgressRegression  Progress = "regression"
	ProgressStable      Progress = "stable"
)

// TrendWindow is how many recent runs the trend looks at.
const TrendWindow = 10

// Classify maps a score delta to a progress class.
func Classify(delta float64) Progress {
	switch {
	case delta > 5:
		return ProgressSignificant
	case delta > 1:
		return ProgressMinor
	case delta < -5:
		return ProgressRegression
	}
	return ProgressStable
}

// Trend is the mean of consecutive score deltas over the last TrendWindow
// runs. Fewer than two runs have no trend.
func Trend(runs []RunRecord) float64 {
	if len(runs) > TrendWindow {
		runs = runs[len(runs)-TrendWindow:]
	}
	if len(runs) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(runs); i++ {
		sum += runs[i].Score - runs[i-1].Score
	}
	return sum / float64(len(runs)-1)
}

// TrendLabel renders the sign of a trend.
func TrendLabel(trend float64) string {
	switch {
	case trend > 0:
		return "improving"
	case trend < 0:
		return "declining"
	}
	return "stable"
}

// Analysis summarizes a scenario's runs, oldest first.
type Analysis struct {
	Runs     int
	Latest   float64
	Delta    float64
	Progress Progress
	Trend    float64
	Best     float64
	Worst    float64
	// Total is the change from the first to the latest run.
	Total float64
}

// Analyze computes the progress of the latest run against the one before it
// and the recent trend.
func Analyze(runs []RunRecord) Analysis {
	a := Analysis{Runs: len(runs), Progress: ProgressStable}
	if len(runs) == 0 {
		return a
	}
	latest := runs[len(runs)-1]
	a.Latest = latest.Score
	a.Best, a.Worst = latest.Score, latest.Score
	for _, r := range runs {
		if r.Score > a.Best {
			a.Best = r.Score
		}
		if r.Score < a.Worst {
			a.Worst = r.Score
		}
	}
	a.Total = latest.Score - runs[0].Score
	if len(runs) >= 2 {
		a.Delta = latest.Score - runs[len(runs)-2].Score
		a.Progress = Classify(a.Delta)
	}
	a.Trend = Trend(runs)
	return a
}

func (a Analysis) String() string {
	if a.Runs < 2 {
		return fmt.Sprintf("score %.1f (first run)", a.Latest)
	}
	return fmt.Sprintf("score %.1f, %s (%+.1f), trend %s (%+.2f/run), best %.1f, worst %.1f over %d runs",
		a.Latest, a.Progress, a.Delta, TrendLabel(a.Trend), a.Trend, a.Best, a.Worst, a.Runs)
}
