package upload

// Result describes one file accepted by the blob storage collaborator.
type Result struct {
	FileName string `json:"file_name"`
	Location string `json:"location"`
}

// ProgressFunc is invoked after each file settles (stored or failed).
type ProgressFunc func(completed, total int, fileName string)
