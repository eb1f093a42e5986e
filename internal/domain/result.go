package domain

import "time"

// DeliveryResult is the uniform outcome of one delivery attempt sequence.
// Exactly one of the success fields or the error fields is meaningful.
type DeliveryResult struct {
	Success      bool
	MessageID    int64
	SentAt       time.Time
	Parts        int
	Bot          string
	ErrorCode    ErrorCode
	ErrorMessage string
	Attempts     int
}

func Succeeded(messageID int64, sentAt time.Time) DeliveryResult {
	return DeliveryResult{
		Success:   true,
		MessageID: messageID,
		SentAt:    sentAt,
		Parts:     1,
	}
}

func Failed(code ErrorCode, message string) DeliveryResult {
	return DeliveryResult{
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

// SentAtRFC3339 formats the provider send time in UTC.
func (r DeliveryResult) SentAtRFC3339() string {
	if r.SentAt.IsZero() {
		return ""
	}
	return r.SentAt.UTC().Format(time.RFC3339)
}

// Transient reports whether the failure is worth handing to a fallback channel
// for later redelivery.
func (r DeliveryResult) Transient() bool {
	if r.Success {
		return false
	}
	switch r.ErrorCode {
	case CodeTimeout, CodeNetworkUnreachable, CodeInternalUnknown:
		return true
	default:
		return false
	}
}
