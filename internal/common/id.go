package common

import (
	"github.com/google/uuid"
)

// NewSourceID generates a unique trend source row ID with the "src_" prefix
// Format: src_<uuid>
func NewSourceID() string {
	return "src_" + uuid.New().String()
}

// NewDraftID generates a unique content draft ID with the "drf_" prefix
func NewDraftID() string {
	return "drf_" + uuid.New().String()
}

// NewRunID generates a unique pipeline run ID with the "run_" prefix
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewPublishRecordID generates a unique publish record ID with the "pub_" prefix
func NewPublishRecordID() string {
	return "pub_" + uuid.New().String()
}

// NewJobID generates a unique scrape job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewDeadLetterID generates a unique dead-letter entry ID with the "dlq_" prefix
func NewDeadLetterID() string {
	return "dlq_" + uuid.New().String()
}
