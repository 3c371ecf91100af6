package types

import (
	"encoding/json"
	"time"
)

// Server message types pushed over the websocket.
const (
	MsgUploadProgress = "upload_progress"
	MsgUploadComplete = "upload_complete"
	MsgPostAnalyzed   = "post_analyzed"
)

// Bus topics.
const (
	TopicUploadStatus     = "upload_status"
	TopicUploadCompletion = "upload_completion"
)

// Event types carried in bus payloads.
const (
	EventUploadComplete   = "upload_complete"
	EventUploadFinished   = "upload_finished"
	EventAnalysisComplete = "analysis_complete"
)

// StageComplete is the stage label forced onto the final progress event.
const StageComplete = "Analysis complete"

// Progress describes how far an upload has been processed.
type Progress struct {
	Processed int    `json:"processed"`
	Stage     string `json:"stage"`
	Total     int    `json:"total,omitempty"` // 0 = server did not report a total
}

// ServerMsg is a message pushed by the PanicSense server.
type ServerMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	Post      json.RawMessage `json:"post,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ClientMsg is a message sent to the server.
type ClientMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	Title     string `json:"title,omitempty"`
	Source    string `json:"source,omitempty"`
}

// StatusEvent is the payload published on the upload_status topic.
type StatusEvent struct {
	Type       string    `json:"type"` // upload_progress, upload_complete or upload_finished
	Progress   *Progress `json:"progress,omitempty"`
	IsComplete bool      `json:"isComplete"`
	Timestamp  int64     `json:"timestamp"` // milliseconds since epoch
	Source     string    `json:"source"`
}

// CompletionEvent is the payload published on the upload_completion topic.
type CompletionEvent struct {
	Type      string `json:"type"` // always analysis_complete
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// Post is an analyzed social-media or news item.
type Post struct {
	Text         string    `json:"text"`
	Source       string    `json:"source,omitempty"`
	DisasterType string    `json:"disasterType,omitempty"`
	Sentiment    string    `json:"sentiment,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}
