package upload

import "time"

// FileStatus is the metadata status of a stored object.
type FileStatus string

const (
	FilePending  FileStatus = "pending"
	FileComplete FileStatus = "complete"
)

// File is the metadata row for an uploaded object. It is complete only once
// the object exists at ContentKey.
type File struct {
	ID           string
	ContentKey   string
	Owner        string
	Name         string
	ContentType  string
	DeclaredSize int64
	Size         int64
	Checksum     string
	Status       FileStatus
	CreatedAt    time.Time
	CompletedAt  *time.Time
}
