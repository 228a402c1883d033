// Package scrape defines core types shared across subsystems.
package scrape

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values held in the registry.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Active reports whether the status allows the job to occupy or wait for a
// scheduler slot.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusPaused:
		return true
	default:
		return false
	}
}

// Terminal reports whether the job has finished for good.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the record tracked end-to-end for one scrape run of a source URL.
type Job struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Status         JobStatus `json:"status"`
	Model          string    `json:"model"`
	Images         int       `json:"images"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	Error          string    `json:"error,omitempty"`
	Products       []Product `json:"products,omitempty"`
	StopRequested  bool      `json:"-"`
	PauseRequested bool      `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summary is the wire shape pushed to subscribers and returned by the API.
// Error is a pointer so callers see an explicit null rather than "".
type Summary struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Status         JobStatus `json:"status"`
	Model          string    `json:"model"`
	Images         int       `json:"images"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	Error          *string   `json:"error"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Products       []Product `json:"products,omitempty"`
}

// Summarize builds the external summary, optionally carrying the full product
// list for detail requests.
func (j Job) Summarize(includeProducts bool) Summary {
	s := Summary{
		ID:             j.ID,
		URL:            j.URL,
		Status:         j.Status,
		Model:          j.Model,
		Images:         j.Images,
		TotalItems:     j.TotalItems,
		ProcessedItems: j.ProcessedItems,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.Error != "" {
		errText := j.Error
		s.Error = &errText
	}
	if includeProducts {
		s.Products = j.Products
		if s.Products == nil {
			s.Products = []Product{}
		}
	}
	return s
}

// Product is one discovered listing item. It is created once during listing
// extraction and later mutated only by attaching Images.
type Product struct {
	Name         string   `json:"name"`
	Price        string   `json:"price"`
	ProductURL   string   `json:"product_url"`
	Img          string   `json:"img,omitempty"`
	Images       []Image  `json:"images"`
	SourceImages []string `json:"source_images,omitempty"`
}

// Image is a stored image record. Immutable once written.
type Image struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	OriginalURL  string    `json:"original_url"`
	Index        int       `json:"index"`
	ProductIndex int       `json:"product_index"`
	ProductName  string    `json:"product_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Data         []byte    `json:"jpg_data,omitempty"`
	Converted    bool      `json:"converted"`
	Size         int64     `json:"size,omitempty"`
	Quality      int       `json:"quality,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// ImageID derives the stable image identity. Reprocessing the same product
// must never mint a new id for the same logical image.
func ImageID(jobID string, productIndex, imageIndex int) string {
	return fmt.Sprintf("%s_%d_%d", jobID, productIndex, imageIndex)
}

// JobPatch lists the legal mutable fields of a job. Nil fields are left
// untouched; the registry applies the patch as a whole-record update.
type JobPatch struct {
	URL            *string
	Status         *JobStatus
	Model          *string
	Images         *int
	TotalItems     *int
	ProcessedItems *int
	Error          *string
	Products       []Product
	StopRequested  *bool
	PauseRequested *bool
}

// String returns a pointer for patch literals.
func String(v string) *string { return &v }

// Int returns a pointer for patch literals.
func Int(v int) *int { return &v }

// Bool returns a pointer for patch literals.
func Bool(v bool) *bool { return &v }

// Status returns a pointer for patch literals.
func Status(v JobStatus) *JobStatus { return &v }

// ConvertResult is what the external converter collaborator reports for one
// source URL. A zero Data with Converted=false means pass-through.
type ConvertResult struct {
	Data      []byte
	Converted bool
	Size      int64
	Quality   int
	Reason    string
}
