package config

// BusKeyStruct names the AMQP queues and exchanges of the proctoring pipeline.
type BusKeyStruct struct {
	FrameAnalysisQueue  string
	AudioAnalysisQueue  string
	BehaviorEventsQueue string
	ResultsQueue        string

	AIDeadLetterExchange string
	AIDeadLetterQueue    string

	ResultsDeadLetterExchange string
	ResultsDeadLetterQueue    string
}

var BusKey = &BusKeyStruct{
	FrameAnalysisQueue:  "frame.analysis",
	AudioAnalysisQueue:  "audio.analysis",
	BehaviorEventsQueue: "behavior.events",
	ResultsQueue:        "proctoring.results",

	AIDeadLetterExchange: "ai.dlx",
	AIDeadLetterQueue:    "ai.dlq",

	ResultsDeadLetterExchange: "proctoring.dlx",
	ResultsDeadLetterQueue:    "proctoring.results.dlq",
}
