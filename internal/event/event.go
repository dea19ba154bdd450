package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	BackupStarted Type = iota + 1
	CaptureEnabled
	FileStarted
	FileCompleted
	FileVanished
	FileExcluded
	DirCreated
	SymlinkSkipped
	CaptureDisabled
	BackupFailed
	BackupComplete
	VerifyStarted
	VerifyOK
	VerifyFailed
)

var typeNames = [...]string{
	BackupStarted:   "BackupStarted",
	CaptureEnabled:  "CaptureEnabled",
	FileStarted:     "FileStarted",
	FileCompleted:   "FileCompleted",
	FileVanished:    "FileVanished",
	FileExcluded:    "FileExcluded",
	DirCreated:      "DirCreated",
	SymlinkSkipped:  "SymlinkSkipped",
	CaptureDisabled: "CaptureDisabled",
	BackupFailed:    "BackupFailed",
	BackupComplete:  "BackupComplete",
	VerifyStarted:   "VerifyStarted",
	VerifyOK:        "VerifyOK",
	VerifyFailed:    "VerifyFailed",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Session   string // backup session id
	Path      string // path relative to the source root
	Size      int64  // file size or bytes copied
	Error     error
}

// Emit sends e on ch without blocking. A nil channel drops the event.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case ch <- e:
	default:
	}
}
