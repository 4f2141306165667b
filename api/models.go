package api

// SourceDescriptor names where a dataset is read from. Kind "client" means
// the caller pushes chunks over the chunk endpoint; the other kinds are
// pulled by the server's own workers.
type SourceDescriptor struct {
	Kind     string `json:"kind"`
	Location string `json:"location,omitempty"`
}

// InitiateRequest is the body of POST /upload/initiate.
type InitiateRequest struct {
	Source      SourceDescriptor `json:"source"`
	Destination string           `json:"destination,omitempty"`
	DatasetID   string           `json:"dataset_id"`
	DatasetName string           `json:"dataset_name"`
	Sensor      string           `json:"sensor,omitempty"`
	UserEmail   string           `json:"user_email,omitempty"`
	FolderUUID  string           `json:"folder_uuid,omitempty"`
	TeamUUID    string           `json:"team_uuid,omitempty"`

	// TotalBytes is required for client sources.
	TotalBytes int64 `json:"total_bytes,omitempty"`

	ChunkSizeMB       int64 `json:"chunk_size_mb,omitempty"`
	MaxRetries        int   `json:"max_retries,omitempty"`
	RetryDelaySeconds int   `json:"retry_delay_seconds,omitempty"`
	TimeoutMinutes    int   `json:"timeout_minutes,omitempty"`

	Convert        bool `json:"convert"`
	VerifyChecksum bool `json:"verify_checksum"`
	IsPublic       bool `json:"is_public"`

	// ResumeToken re-initiates an interrupted upload for an existing job
	// id; only missing chunks are transferred.
	ResumeToken string `json:"resume_token,omitempty"`
}

// InitiateResponse acknowledges job creation.
type InitiateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ChunkResponse acknowledges a chunk PUT. Checksum is the hex CRC64 of the
// bytes the server durably stored; clients compare it against their own.
type ChunkResponse struct {
	Committed bool   `json:"committed"`
	Checksum  string `json:"checksum"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ChecksumHeader carries the client-declared chunk checksum (hex CRC64) on
// chunk PUTs. Optional: when absent the server acknowledges its own sum.
const ChecksumHeader = "X-Chunk-Checksum"
