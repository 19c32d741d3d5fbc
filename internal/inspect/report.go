// Package inspect renders the lineage of a job: the chain of parent jobs
// that led to it and the jobs it chained in turn.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/repoflow/internal/queue"
)

// maxHops bounds the parent walk.
const maxHops = 64

// childScan bounds how many of the repository's recent jobs are searched for
// children.
const childScan = 200

// JobSource is the part of the queue the report reads.
type JobSource interface {
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	ListByRepo(ctx context.Context, repoURI string, limit int) ([]*queue.Job, error)
}

// Report is the structured JSON representation of a lineage report.
type Report struct {
	JobID   string `json:"job_id"`
	Type    string `json:"type"`
	RepoURI string `json:"repo_uri"`
	Status  string `json:"status"`
	Hops    int    `json:"hops"`
	// Truncated is set when a parent was pruned from the job log.
	Truncated bool   `json:"truncated,omitempty"`
	Steps     []Step `json:"steps"`
	Children  []Step `json:"children,omitempty"`
}

// Step is one job in the lineage.
type Step struct {
	Hop         int        `json:"hop"`
	JobID       string     `json:"job_id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	SubmittedBy string     `json:"submitted_by"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// BuildReport renders a terminal-friendly lineage report for a job.
func BuildReport(ctx context.Context, jobs JobSource, jobID string) (string, error) {
	report, err := Gather(ctx, jobs, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Lineage Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Type        : %s\n", report.Type)
	fmt.Fprintf(&out, "Repository  : %s\n", report.RepoURI)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Hops        : %d\n", report.Hops)
	if report.Truncated {
		fmt.Fprintf(&out, "Note        : earlier jobs were pruned from the job log\n")
	}
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		writeStep(&out, step)
	}
	if len(report.Children) > 0 {
		fmt.Fprintf(&out, "Chained jobs:\n")
		for _, step := range report.Children {
			writeStep(&out, step)
		}
	}
	return out.String(), nil
}

func writeStep(out *strings.Builder, step Step) {
	fmt.Fprintf(out, "[%d] %s :: %s\n", step.Hop, step.Type, step.JobID)
	if step.ParentID != "" {
		fmt.Fprintf(out, "    parent_id  : %s\n", step.ParentID)
	} else {
		fmt.Fprintf(out, "    parent_id  : <none>\n")
	}
	fmt.Fprintf(out, "    status     : %s (attempt %d/%d)\n", step.Status, step.Attempt, step.MaxAttempts)
	fmt.Fprintf(out, "    submitted  : %s at %s\n", step.SubmittedBy, step.CreatedAt.Format(time.RFC3339))
	if step.CompletedAt != nil {
		fmt.Fprintf(out, "    completed  : %s\n", step.CompletedAt.Format(time.RFC3339))
	}
	if step.LastError != "" {
		fmt.Fprintf(out, "    error      : %s\n", step.LastError)
	}
	fmt.Fprintf(out, "\n")
}

// BuildJSONReport returns the lineage report as indented JSON.
func BuildJSONReport(ctx context.Context, jobs JobSource, jobID string) (string, error) {
	report, err := Gather(ctx, jobs, jobID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(data), nil
}

// Gather walks the parent chain of jobID up to its root and collects the
// jobs it chained. Steps are ordered root first.
func Gather(ctx context.Context, jobs JobSource, jobID string) (*Report, error) {
	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		JobID:   job.ID,
		Type:    string(job.Type),
		RepoURI: job.RepoURI,
		Status:  string(job.Status),
	}

	chain := []*queue.Job{job}
	seen := map[string]bool{job.ID: true}
	for cur := job; cur.ParentJobID != nil && len(chain) < maxHops; {
		parentID := *cur.ParentJobID
		if seen[parentID] {
			return nil, fmt.Errorf("job %s: parent cycle at %s", jobID, parentID)
		}
		parent, err := jobs.Get(ctx, parentID)
		if errors.Is(err, queue.ErrJobNotFound) {
			report.Truncated = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load parent %s: %w", parentID, err)
		}
		seen[parentID] = true
		chain = append(chain, parent)
		cur = parent
	}

	for i := len(chain) - 1; i >= 0; i-- {
		report.Steps = append(report.Steps, stepOf(len(chain)-1-i, chain[i]))
	}
	report.Hops = len(report.Steps)

	recent, err := jobs.ListByRepo(ctx, job.RepoURI, childScan)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", job.RepoURI, err)
	}
	for _, j := range recent {
		if j.ParentJobID != nil && *j.ParentJobID == job.ID {
			report.Children = append(report.Children, stepOf(report.Hops, j))
		}
	}
	return report, nil
}

func stepOf(hop int, j *queue.Job) Step {
	s := Step{
		Hop:         hop,
		JobID:       j.ID,
		Type:        string(j.Type),
		Status:      string(j.Status),
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		SubmittedBy: j.SubmittedBy,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.ParentJobID != nil {
		s.ParentID = *j.ParentJobID
	}
	if j.LastError != nil {
		s.LastError = *j.LastError
	}
	return s
}
