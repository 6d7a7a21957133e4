package affinity

var (
	ParseAnalysis  = parseAnalysis
	StripCodeFence = stripCodeFence
	AnalysisSchema = analysisSchema
)
