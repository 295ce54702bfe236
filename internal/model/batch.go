package model

import "time"

// Principal is the authenticated caller on whose behalf an operation runs.
type Principal struct {
	Tenant string `json:"tenant"`
	User   string `json:"user"`
	Role   string `json:"role"`
}

// FileSetStats summarises the input files of one dataset.
type FileSetStats struct {
	Count     int64 `json:"count"`
	SizeBytes int64 `json:"size_bytes"`
}

// Batch is one admitted request to run a process with a fixed parameter set.
// Batches are never modified after creation.
type Batch struct {
	ID            string                  `json:"id"`
	CorrelationID string                  `json:"correlation_id"`
	ProcessName   string                  `json:"process_name"`
	Tenant        string                  `json:"tenant"`
	User          string                  `json:"user"`
	UserRole      string                  `json:"user_role"`
	Parameters    map[string]string       `json:"parameters"`
	FileStats     map[string]FileSetStats `json:"fileset_stats"`
	CreatedAt     time.Time               `json:"created_at"`
}

// TotalFiles returns the number of input files across every dataset.
func (b *Batch) TotalFiles() int64 {
	var n int64
	for _, s := range b.FileStats {
		n += s.Count
	}
	return n
}

// TotalSize returns the input size in bytes across every dataset.
func (b *Batch) TotalSize() int64 {
	var n int64
	for _, s := range b.FileStats {
		n += s.SizeBytes
	}
	return n
}
