package models

// ResourceType names a metered resource on a subscription
type ResourceType string

const (
	ResourceExecutions ResourceType = "executions"
)

// UsageCounter accumulates consumption per subscription, resource and
// billing period. Enforced at dispatcher admission.
type UsageCounter struct {
	SubscriptionID string       `json:"subscription_id"`
	Resource       ResourceType `json:"resource"`
	Period         string       `json:"period"`
	Quantity       int64        `json:"quantity"`
}

// Tier is the subscription contract consumed from the billing collaborator:
// a limit per metered resource for the current period.
type Tier struct {
	SubscriptionID string
	Limits         map[ResourceType]int64
}
