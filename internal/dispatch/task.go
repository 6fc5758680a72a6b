package dispatch

// TaskType discriminates the asynchronous work a task carries.
type TaskType string

const (
	TaskSendEmail          TaskType = "sendEmail"
	TaskQueueCampaign      TaskType = "queueCampaign"
	TaskBatchDeleteRelated TaskType = "batchDeleteRelated"
)

// Task is the transient dispatch message. It is never stored by the
// core; durability is the chosen substrate's problem.
type Task struct {
	Type         TaskType `json:"type"`
	DelaySeconds int64    `json:"delaySeconds,omitempty"`

	SendEmail          *SendEmailPayload          `json:"sendEmail,omitempty"`
	QueueCampaign      *QueueCampaignPayload      `json:"queueCampaign,omitempty"`
	BatchDeleteRelated *BatchDeleteRelatedPayload `json:"batchDeleteRelated,omitempty"`
}

// SendEmailPayload identifies one send: who, with what template, and
// which action or campaign caused it.
type SendEmailPayload struct {
	Project  string `json:"project"`
	Contact  string `json:"contact"`
	Template string `json:"template"`
	Action   string `json:"action,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

// QueueCampaignPayload asks the worker to fan a campaign out to its
// recipients.
type QueueCampaignPayload struct {
	Project  string `json:"project"`
	Campaign string `json:"campaign"`
}

// BatchDeleteRelatedPayload asks the worker to delete the children of a
// removed parent entity. Cascades are caller-driven, never implicit.
type BatchDeleteRelatedPayload struct {
	Project   string   `json:"project"`
	Kind      string   `json:"kind"`
	Parent    string   `json:"parent"`
	Relations []string `json:"relations"`
}
