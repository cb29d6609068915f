// ABOUTME: Outbound frame payload and the status, type and reason vocabularies
// ABOUTME: Also maps failure reasons to the message shown to the end user

package dispatch

import (
	"strings"
	"time"
)

// Status is the lifecycle stage a frame reports.
type Status string

const (
	StatusStarted    Status = "started"
	StatusProcessing Status = "processing"
	StatusResponding Status = "responding"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// FrameType classifies a frame for the client.
type FrameType string

const (
	TypeStatus   FrameType = "status"
	TypeResponse FrameType = "response"
	TypeError    FrameType = "error"
	TypeTool     FrameType = "tool"
)

// Reason explains why a work item ended in error.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonNoInitialResponse     Reason = "no_initial_response"
	ReasonStalled               Reason = "stalled"
	ReasonOverallTimeout        Reason = "overall_timeout"
	ReasonProviderError         Reason = "provider_error"
	ReasonStreamIncomplete      Reason = "stream_incomplete"
	ReasonDependencyUnavailable Reason = "dependency_unavailable"
	ReasonCancelled             Reason = "cancelled"
)

// IsTimeout reports whether r is one of the three timeout classes.
func (r Reason) IsTimeout() bool {
	switch r {
	case ReasonNoInitialResponse, ReasonStalled, ReasonOverallTimeout:
		return true
	}
	return false
}

// Payload is the body of one outbound frame.
type Payload struct {
	Message      string    `json:"message"`
	Timestamp    float64   `json:"timestamp"`
	Status       Status    `json:"status"`
	Type         FrameType `json:"type"`
	FinalMessage bool      `json:"final_message"`
	MessageID    string    `json:"message_id"`
	ThreadID     string    `json:"thread_id"`
	Tool         string    `json:"tool,omitempty"`
	ErrorCode    Reason    `json:"error_code,omitempty"`
	ErrorDetails string    `json:"error_details,omitempty"`
}

// Time returns the frame timestamp as a time.Time.
func (p Payload) Time() time.Time {
	sec := int64(p.Timestamp)
	nsec := int64((p.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

const (
	msgStarted    = "Message received"
	msgResponding = "Responding"

	msgGeneric    = "I encountered an issue while processing your request."
	msgTimeout    = "The request took too long to process. Please try again."
	msgConnection = "I'm having trouble connecting to my services. Please try again in a moment."
	msgRateLimit  = "I'm receiving too many requests right now. Please try again in a moment."
	msgInvalid    = "There was an issue with your request format. Please try again."
	msgMissing    = "Some required information is missing from your request. Please make sure to include all necessary details."
	msgCancelled  = "The request was interrupted. Please try again."
)

// FriendlyMessage returns the user-facing text for a failure.
func FriendlyMessage(reason Reason, details string) string {
	if reason.IsTimeout() {
		return msgTimeout
	}
	switch reason {
	case ReasonDependencyUnavailable:
		return msgConnection
	case ReasonCancelled:
		return msgCancelled
	}

	lower := strings.ToLower(details)
	switch {
	case strings.Contains(lower, "rate limit"):
		return msgRateLimit
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return msgTimeout
	case strings.Contains(lower, "connection"):
		return msgConnection
	case strings.Contains(lower, "missing"):
		return msgMissing
	case strings.Contains(lower, "invalid"):
		return msgInvalid
	}
	return msgGeneric
}
