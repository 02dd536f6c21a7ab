package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// JobDescriptor is the strict view of a queue message. `job_id` is required;
// every other field is optional with an explicit zero default. Raw preserves
// the payload as delivered so dead-letter entries can echo it verbatim.
type JobDescriptor struct {
	JobID          string `validate:"required"`
	RequestID      string
	Source         string
	JobType        string
	Filename       string
	ContentSubtype string
	InputPath      string
	InputGCSURI    string
	OutputFilename string
	Attempts       int `validate:"min=0"`
	MaxAttempts    int `validate:"min=0"`

	Raw map[string]any `validate:"-"`
}

var jobValidate = validator.New()

// ParseJobDescriptor decodes a raw queue payload into a JobDescriptor.
// Undecodable payloads and payloads lacking job_id are rejected; the caller
// routes those to the DLQ with PROCESSING_FAILED.
func ParseJobDescriptor(raw []byte) (JobDescriptor, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return JobDescriptor{}, fmt.Errorf("op=domain.ParseJobDescriptor: %w", err)
	}
	job := JobDescriptorFromMap(m)
	if err := jobValidate.Struct(job); err != nil {
		return JobDescriptor{}, fmt.Errorf("op=domain.ParseJobDescriptor: %w", err)
	}
	return job, nil
}

// JobDescriptorFromMap builds a descriptor from an already-decoded payload.
// String/number coercion is lenient: producers send attempts as either.
func JobDescriptorFromMap(m map[string]any) JobDescriptor {
	jobType := mapString(m, "job_type")
	if jobType == "" {
		jobType = mapString(m, "type")
	}
	return JobDescriptor{
		JobID:          mapString(m, "job_id"),
		RequestID:      mapString(m, "request_id"),
		Source:         mapString(m, "source"),
		JobType:        jobType,
		Filename:       mapString(m, "filename"),
		ContentSubtype: mapString(m, "content_subtype"),
		InputPath:      mapString(m, "input_path"),
		InputGCSURI:    mapString(m, "input_gcs_uri"),
		OutputFilename: mapString(m, "output_filename"),
		Attempts:       mapInt(m, "attempts", 0),
		MaxAttempts:    mapInt(m, "max_attempts", 0),
		Raw:            m,
	}
}

// Encode renders the descriptor back to a queue payload, preserving unknown
// fields from Raw and overriding the typed ones. Used for requeue-on-retry.
func (j JobDescriptor) Encode() ([]byte, error) {
	out := make(map[string]any, len(j.Raw)+4)
	for k, v := range j.Raw {
		out[k] = v
	}
	out["job_id"] = j.JobID
	if j.JobType != "" {
		out["job_type"] = j.JobType
	}
	out["attempts"] = j.Attempts
	if j.MaxAttempts > 0 {
		out["max_attempts"] = j.MaxAttempts
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("op=domain.JobDescriptor.Encode job_id=%s: %w", j.JobID, err)
	}
	return b, nil
}

// WithAttempts returns a copy carrying updated attempt accounting for requeue.
func (j JobDescriptor) WithAttempts(attempts, maxAttempts int) JobDescriptor {
	j.Attempts = attempts
	j.MaxAttempts = maxAttempts
	return j
}

func mapString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprintf("%v", v)
}

func mapInt(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}
