package prediction

import (
	"encoding/json"
	"time"
)

// Status is the job's lifecycle/terminal status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// UploadObject is an artifact awaiting transcode and upload, produced by one
// PredictionOutput event item.
type UploadObject struct {
	ImageBytes      []byte
	TargetExtension string
	TargetQuality   int
}

// Metrics carries timing facts surfaced only on success.
type Metrics struct {
	PredictTime *float64 `json:"predict_time,omitempty"`
}

// Response is the mutable per-job payload, seeded from the Job Message and
// enriched over the job's lifetime. UploadOutputs/UploadPrefix are internal
// bookkeeping fields stripped before delivery.
type Response struct {
	Status      Status  `json:"status"`
	Output      any     `json:"output,omitempty"`
	Logs        string  `json:"logs"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at,omitempty"`
	CompletedAt string  `json:"completed_at,omitempty"`
	Metrics     Metrics `json:"metrics"`
	NSFWCount   int     `json:"nsfw_count"`

	// UploadOutputs and UploadPrefix are internal-only; never marshaled to
	// the final delivered payload (see MarshalDelivery).
	UploadOutputs []UploadObject `json:"-"`
	UploadPrefix  string         `json:"-"`

	// OutputIsMulti records whether PredictionOutputType{multi:true} was
	// observed, so the Upload Stage knows whether to render a single
	// gathered URL or a list even when exactly one artifact was produced.
	OutputIsMulti bool `json:"-"`

	// Extras are echoed verbatim from the originating Job Message.
	Extras map[string]json.RawMessage `json:"-"`
}

// NewResponse seeds a Response from a parsed Job Message.
func NewResponse(msg *Message) *Response {
	return &Response{
		Status: StatusProcessing,
		Extras: msg.Extras,
	}
}

// HasPendingUploads reports whether this response must be routed through
// the Upload Stage rather than delivered directly.
func (r *Response) HasPendingUploads() bool {
	return len(r.UploadOutputs) > 0
}

// MarshalDelivery renders the response as the JSON object actually sent to
// a Response Sink: typed fields plus echoed extras, with the internal
// upload_outputs/upload_prefix keys stripped.
func (r *Response) MarshalDelivery() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extras)+8)
	for k, v := range r.Extras {
		out[k] = v
	}

	type known Response
	typed, err := json.Marshal((*known)(r))
	if err != nil {
		return nil, err
	}
	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return nil, err
	}
	for k, v := range typedMap {
		out[k] = v
	}

	return json.Marshal(out)
}

// FormatTimestamp renders t as ISO-8601 with a literal trailing "Z", the
// wire format every timestamp in a Response uses.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}
