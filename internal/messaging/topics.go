package messaging

// Topic constants for miner events
const (
	TopicBlocksFound       = "mining.blocks_found"       // solution validated, about to be submitted
	TopicSubmissionResults = "mining.submission_results" // node verdict on a submitted block
	TopicSearchReports     = "mining.search_reports"     // one per search pass
)
