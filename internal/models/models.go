package models

type ErrorResponse struct {
	Error   string  `json:"error"`
	Details *string `json:"details,omitempty"`
}

type AuditReport struct {
	URL               string        `json:"url"`
	FirstLoadTimeMs   float64       `json:"firstLoadTimeMs"`
	SecondLoadTimeMs  float64       `json:"secondLoadTimeMs"`
	OutlineIssues     OutlineIssues `json:"outlineIssues"`
	DesktopScoring    ScoringResult `json:"desktopScoring"`
	MobileScoring     ScoringResult `json:"mobileScoring"`
	DesktopScreenshot string        `json:"desktopScreenshot"`
	MobileScreenshot  string        `json:"mobileScreenshot"`
}

type OutlineIssues struct {
	HeadingIssues IssueList `json:"headingIssues"`
	ImageIssues   IssueList `json:"imageIssues"`
}

type ScoringResult struct {
	PerformanceScore   float64            `json:"performanceScore"`
	AccessibilityScore float64            `json:"accessibilityScore"`
	BestPracticesScore float64            `json:"bestPracticesScore"`
	SeoScore           float64            `json:"seoScore"`
	PwaScore           float64            `json:"pwaScore"`
	Performance        PerformanceMetrics `json:"performance"`
}

type PerformanceMetrics struct {
	FirstContentfulPaint   TimingMetric `json:"firstContentfulPaint"`
	SpeedIndex             TimingMetric `json:"speedIndex"`
	LargestContentfulPaint TimingMetric `json:"largestContentfulPaint"`
	TimeToInteractive      TimingMetric `json:"timeToInteractive"`
	TotalBlockingTime      TimingMetric `json:"totalBlockingTime"`
	CumulativeLayoutShift  TimingMetric `json:"cumulativeLayoutShift"`
}

// TimingMetric pairs the engine's human readable value with its numeric
// value in milliseconds. DisplayValue is passed through untouched.
type TimingMetric struct {
	DisplayValue string  `json:"displayValue"`
	NumericValue float64 `json:"numericValue"`
}

// CategoryScore converts a [0,1] engine score to a percentage. A missing score
// counts as 0.
func CategoryScore(score *float64) float64 {
	if score == nil {
		return 0
	}
	return *score * 100
}

// Internal Lighthouse Data Models

type LighthouseResult struct {
	LighthouseVersion string                        `json:"lighthouseVersion"`
	FinalDisplayedURL string                        `json:"finalDisplayedUrl"`
	Categories        map[string]LighthouseCategory `json:"categories"`
	Audits            map[string]LighthouseAudit    `json:"audits"`
	RuntimeError      *LighthouseRuntimeError       `json:"runtimeError,omitempty"`
}

type LighthouseCategory struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Score *float64 `json:"score"`
}

type LighthouseAudit struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	DisplayValue string   `json:"displayValue"`
	NumericValue *float64 `json:"numericValue"`
}

type LighthouseRuntimeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
