package models

type EndpointStatus string

const (
	EndpointStatusPending      EndpointStatus = "PENDING"
	EndpointStatusProvisioning EndpointStatus = "PROVISIONING"
	EndpointStatusReady        EndpointStatus = "READY"
	EndpointStatusFailed       EndpointStatus = "FAILED"
)

// TerminalStatuses are never selected for a readiness check again.
var TerminalStatuses = []EndpointStatus{EndpointStatusReady, EndpointStatusFailed}

type EndpointType string

const (
	EndpointTypeCamel   EndpointType = "camel"
	EndpointTypeWebhook EndpointType = "webhook"
)

// ExtraProcessorID is the extras key holding the bridge processor identifier.
const ExtraProcessorID = "processorId"

type Endpoint struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      EndpointType      `json:"type"`
	SubType   string            `json:"sub_type,omitempty"`
	Status    EndpointStatus    `json:"status"`
	Extras    map[string]string `json:"extras,omitempty"` // JSON object in DB
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

func (e *Endpoint) ProcessorID() string {
	if e.Extras == nil {
		return ""
	}
	return e.Extras[ExtraProcessorID]
}
