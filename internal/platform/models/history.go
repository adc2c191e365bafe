package models

type NotificationHistory struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	// EndpointID is resolved once at insert time. Nil when the endpoint no longer
	// existed, in which case only the type snapshot below identifies it.
	EndpointID       *string        `json:"endpoint_id"`
	EndpointType     EndpointType   `json:"endpoint_type"`
	EndpointSubType  string         `json:"endpoint_sub_type,omitempty"`
	InvocationTime   int64          `json:"invocation_time"` // milliseconds
	InvocationResult bool           `json:"invocation_result"`
	Details          map[string]any `json:"details,omitempty"`
	CreatedAt        int64          `json:"created"`
	// PatchedAt is set by the single outcome patch a row may receive.
	PatchedAt *int64 `json:"patched_at,omitempty"`
}
