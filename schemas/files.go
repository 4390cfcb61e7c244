package schemas

// FilePurpose represents the declared purpose of an uploaded file.
type FilePurpose string

const (
	FilePurposeBatch       FilePurpose = "batch"
	FilePurposeBatchOutput FilePurpose = "batch_output"
)

// FileObject is the provider-side file object returned by uploads and
// file metadata lookups.
type FileObject struct {
	ID        string      `json:"id"`
	Object    string      `json:"object,omitempty"`
	Bytes     int64       `json:"bytes,omitempty"`
	CreatedAt int64       `json:"created_at,omitempty"`
	ExpiresAt *int64      `json:"expires_at,omitempty"`
	Filename  string      `json:"filename,omitempty"`
	Purpose   FilePurpose `json:"purpose,omitempty"`
}
