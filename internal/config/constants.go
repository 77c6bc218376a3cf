package config

import "time"

const (
	// Classifier context: last N history turns shown to the intent classifier.
	ClassifierHistoryTurns = 6

	// Generation context: recent turns and similar cached patterns folded
	// into the SQL generation prompt.
	GenerationHistoryTurns = 3
	SimilarPatterns        = 3

	// Table previews
	PreviewRowsAnalysis     = 10
	PreviewRowsContinuation = 20

	// Enrichment caps
	EnrichSampleRows   = 10
	EnrichMaxLookupIDs = 500

	// LLM call bounds
	ClassifyMaxTokens  = 10
	GenerateMaxTokens  = 2000
	AnalysisMaxTokens  = 1000
	FollowUpMaxTokens  = 500
	RefineMaxTokens    = 2000
	DiscoveryMaxTokens = 200

	ClassifyTemperature = 0.0
	GenerateTemperature = 0.0
	AnalysisTemperature = 0.7

	// Slack API timeout
	SlackTimeout = 10 * time.Second

	// Export file name
	ExportFilename = "query_result.xlsx"
)
