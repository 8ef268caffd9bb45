package bus

// Ingress event topics.
const (
	TopicWebhookVerified = "webhook.verified"
	TopicWebhookRejected = "webhook.rejected"
)

// Idempotency topics.
const (
	TopicOperationReserved  = "operation.reserved"
	TopicOperationDuplicate = "operation.duplicate"
	TopicOperationCompleted = "operation.completed"
	TopicOperationFailed    = "operation.failed"
)

// Learning-loop topics.
const (
	TopicOutcomeRecorded = "outcome.recorded"
	TopicTrustUpdated    = "trust.updated"
	TopicGateDecision    = "gate.decision"
)

// Failure-isolation topics.
const (
	TopicDeadLetterRecorded = "deadletter.recorded"
	TopicAlertRaised        = "deadletter.alert"
)

// WebhookEvent is published when an inbound event passes or fails the
// trust boundary.
type WebhookEvent struct {
	Integration string // webhook integration name
	Valid       bool   // verification result
	Reason      string // rejection reason code, empty when valid
}

// OperationEvent is published on idempotency guard transitions.
type OperationEvent struct {
	OperationID    string // deterministic idempotency key
	ConversationID string // owning conversation
	Tool           string // action kind
	Status         string // pending | completed | failed
	Duplicate      bool   // true when a prior reservation was hit
}

// OutcomeEvent is published when a draft/send pair is classified.
type OutcomeEvent struct {
	AppID      string  // application id
	Category   string  // conversation category
	Outcome    string  // unchanged | minor_edit | major_rewrite | deleted | no_draft
	Similarity float64 // Jaccard similarity, 0 for deleted/no_draft
}

// TrustEvent is published when a trust score aggregate changes.
type TrustEvent struct {
	AppID       string  // application id
	Category    string  // conversation category
	Score       float64 // new aggregate score
	SampleCount int     // raw sample count
}

// GateEvent is published for every auto-send decision.
type GateEvent struct {
	AppID    string // application id
	Category string // conversation category
	Allowed  bool   // true when the action may run without review
	Reason   string // denial reason, empty when allowed
}

// DeadLetterEvent is published when a terminal failure is recorded.
type DeadLetterEvent struct {
	ID                  string // dead letter record id
	Operation           string // failed operation name
	ConsecutiveFailures int    // streak length including this failure
	Alerted             bool   // true when this record raised an alert
}
