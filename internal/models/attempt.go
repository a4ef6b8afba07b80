package models

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

type Formatter string

const (
	FormatterNone Formatter = ""
	FormatterCard Formatter = "card"
	FormatterHTML Formatter = "html"
)

type ErrorClass string

const (
	ErrorNone                 ErrorClass = ""
	ErrorInvalidPayload       ErrorClass = "InvalidPayload"
	ErrorIgnored              ErrorClass = "Ignored"
	ErrorNoCredential         ErrorClass = "NoCredential"
	ErrorRefreshFailed        ErrorClass = "RefreshFailed"
	ErrorCredentialUnreadable ErrorClass = "CredentialUnreadable"
	ErrorTargetNotFound       ErrorClass = "TargetNotFound"
	ErrorTargetNotResolvable  ErrorClass = "TargetNotResolvable"
	ErrorProviderRejected     ErrorClass = "ProviderRejected"
	ErrorProviderError        ErrorClass = "ProviderError"
	ErrorNetworkTimeout       ErrorClass = "NetworkTimeout"
)

// DeliveryAttempt is the single record written for one pipeline run.
type DeliveryAttempt struct {
	ID                string     `json:"id"`
	EventID           string     `json:"event_id"`
	SubscriptionID    string     `json:"subscription_id"`
	TargetID          string     `json:"target_id"`
	TargetKind        TargetKind `json:"target_kind"`
	FormatterUsed     Formatter  `json:"formatter_used,omitempty"`
	Outcome           Outcome    `json:"outcome"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ErrorClass        ErrorClass `json:"error_class,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	TimestampMs       int64      `json:"timestamp_ms"`
}

func (a *DeliveryAttempt) Succeeded() bool {
	return a.Outcome == OutcomeSuccess
}
