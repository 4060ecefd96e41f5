package entities

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SwarmEventType represents the type of engine event
type SwarmEventType string

const (
	SwarmEventProgress       SwarmEventType = "progress"
	SwarmEventCellUpdated    SwarmEventType = "cell_updated"
	SwarmEventControl        SwarmEventType = "control"
	SwarmEventJobCompleted   SwarmEventType = "job_completed"
	SwarmEventJobFailed      SwarmEventType = "job_failed"
	SwarmEventBreakerChanged SwarmEventType = "breaker_changed"
)

// ControlChannel carries operator commands to every engine process.
const ControlChannel = "swarm:control"

// ProgressChannel returns the channel for job progress of a dataset.
func ProgressChannel(datasetID string) string {
	return "progress:" + datasetID
}

// CellUpdatedChannel returns the channel for cell writes of a dataset.
func CellUpdatedChannel(datasetID string) string {
	return "cellUpdated:" + datasetID
}

// SwarmEvent represents a realtime notification published by the engine
type SwarmEvent struct {
	ID        string                 `json:"id"`
	Type      SwarmEventType         `json:"type"`
	DatasetID string                 `json:"dataset_id,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewSwarmEvent creates a new engine event
func NewSwarmEvent(eventType SwarmEventType, datasetID, jobID string, data map[string]interface{}) *SwarmEvent {
	return &SwarmEvent{
		ID:        generateEventID(),
		Type:      eventType,
		DatasetID: datasetID,
		JobID:     jobID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// generateEventID generates a unique event ID
func generateEventID() string {
	return time.Now().Format("20060102150405") + "-" + randomString(8)
}

func randomString(length int) string {
	bytes := make([]byte, length/2+1)
	if _, err := rand.Read(bytes); err != nil {
		return time.Now().Format("150405.000")
	}
	return hex.EncodeToString(bytes)[:length]
}
