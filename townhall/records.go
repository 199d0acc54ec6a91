package townhall

// Sentiment labels used by Feedback records.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Conversation categories.
const (
	ConversationIncident = "incident"
	ConversationFeedback = "feedback"
	ConversationInquiry  = "inquiry"
	ConversationOther    = "other"
)

// Incident is a structured report extracted from a resident conversation,
// e.g. a lost item, an anomaly, a violation or a crime.
type Incident struct {
	IncidentType     string `json:"incident_type"`
	Description      string `json:"description"`
	DateOfOccurrence string `json:"date_of_occurrence,omitempty"`
	Location         string `json:"location"`
	PersonInvolved   string `json:"person_involved"`
	ReporterName     string `json:"reporter_name,omitempty"`
	SeverityLevel    int    `json:"severity_level"`
}

// Feedback captures a resident's opinion on a city topic.
type Feedback struct {
	Topic     string `json:"topic"`
	Summary   string `json:"summary"`
	Sentiment string `json:"sentiment"` // positive, neutral, negative
}

// Conversation summarizes an entire dialogue once it wraps up: topics
// covered, analytical signals and the sentiment arc.
type Conversation struct {
	Topics             []string `json:"topics"`
	PrimaryTopic       string   `json:"primary_topic"`
	TopicShiftCount    int      `json:"topic_shift_count"`
	TurnCount          int      `json:"turn_count"`
	HandoffCount       int      `json:"handoff_count"`
	ConversationType   string   `json:"conversation_type"` // incident, feedback, inquiry, other
	SentimentStart     float64  `json:"sentiment_start"`
	SentimentEnd       float64  `json:"sentiment_end"`
	SentimentTrend     float64  `json:"sentiment_trend"`
	SentimentDirection string   `json:"sentiment_direction"` // up, down, flat
	Resolved           bool     `json:"resolved"`
}
