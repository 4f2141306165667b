package engine

// ChunkJob is one unit of transfer work: a single chunk of a job's source
// file, dispatched to the worker pool.
type ChunkJob struct {
	// JobID identifies the upload job the chunk belongs to.
	JobID string

	// Desc identifies the byte range to transfer.
	Desc ChunkDescriptor
}

// JobChannel is a channel used to queue and dispatch ChunkJobs to workers
// in the worker pool.
type JobChannel chan ChunkJob
