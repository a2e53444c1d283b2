package models

// LogLevel is the severity of a log entry
type LogLevel string

const (
	LogLevelTrace LogLevel = "TRACE"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// FileRef names the multipart part carrying a log attachment
type FileRef struct {
	Name string `json:"name"`
}

// SaveLogRQ saves a single log entry against a launch or an item
type SaveLogRQ struct {
	LaunchUUID string   `json:"launchUuid"`
	ItemUUID   string   `json:"itemUuid,omitempty"`
	Time       string   `json:"time"`
	Message    string   `json:"message"`
	Level      LogLevel `json:"level"`
	File       *FileRef `json:"file,omitempty"`
}

// Attachment is a file uploaded along with a log entry
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}
