package domain

// NotificationType is the fixed type tag of job notifications.
const NotificationType = "ganeti-op-status"

// JobNotification is the wire message describing one operation of a backend job.
type JobNotification struct {
	Type      string  `json:"type"`
	Instance  string  `json:"instance"`
	Operation string  `json:"operation"`
	JobID     int64   `json:"jobId"`
	Status    string  `json:"status"`
	LogMsg    *string `json:"logmsg"`
	Message   *string `json:"message,omitempty"`
}

// NewJobNotification builds a notification. Message mirrors logmsg and is
// only present when logmsg is.
func NewJobNotification(instance, operation string, jobID int64, status string, logmsg *string) JobNotification {
	n := JobNotification{
		Type:      NotificationType,
		Instance:  instance,
		Operation: operation,
		JobID:     jobID,
		Status:    status,
		LogMsg:    logmsg,
	}
	if logmsg != nil {
		msg := *logmsg
		n.Message = &msg
	}
	return n
}

// LogMessage returns the log line or "" when absent.
func (n JobNotification) LogMessage() string {
	if n.LogMsg == nil {
		return ""
	}
	return *n.LogMsg
}
