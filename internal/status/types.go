package status

import (
	"encoding/json"
	"time"
)

// Stage names one tracked lifecycle aspect of a repository. The value doubles
// as the document id and the top-level field of the persisted body.
type Stage string

const (
	StageRepository Stage = "repository"
	StageGitClone   Stage = "git_clone_status"
	StageLspIndex   Stage = "lsp_index_status"
	StageDelete     Stage = "delete_status"
)

// Stages lists every stage this build understands, metadata first.
var Stages = []Stage{StageRepository, StageGitClone, StageLspIndex, StageDelete}

func (s Stage) Known() bool {
	switch s {
	case StageRepository, StageGitClone, StageLspIndex, StageDelete:
		return true
	}
	return false
}

// State is the lifecycle state of a worker stage.
type State string

const (
	StateCreated   State = "Created"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// Terminal reports whether a worker may return leaving the record in s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Record is one persisted stage value. The set of implementations is closed:
// Repository, CloneProgress, IndexProgress, DeleteProgress and UnknownRecord.
type Record interface {
	Stage() Stage
	isRecord()
}

// Repository is the metadata record of a tracked repository.
type Repository struct {
	URI  string `json:"uri"`
	URL  string `json:"url"`
	Name string `json:"name"`
	Org  string `json:"org"`
}

// WorkerProgress is the shape shared by all stage-progress records.
type WorkerProgress struct {
	Timestamp    time.Time `json:"timestamp"`
	Progress     float64   `json:"progress"`
	State        State     `json:"state"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type CloneProgress struct {
	WorkerProgress
	ReceivedObjects int    `json:"received_objects,omitempty"`
	TotalObjects    int    `json:"total_objects,omitempty"`
	ReceivedBytes   int64  `json:"received_bytes,omitempty"`
	IndexedObjects  int    `json:"indexed_objects,omitempty"`
	Revision        string `json:"revision,omitempty"`
}

type IndexProgress struct {
	WorkerProgress
	Revision     string `json:"revision,omitempty"`
	Indexer      string `json:"indexer,omitempty"`
	IndexedFiles int    `json:"indexed_files,omitempty"`
	TotalFiles   int    `json:"total_files,omitempty"`
}

type DeleteProgress struct {
	WorkerProgress
}

// UnknownRecord carries a stage value this build has no type for. It is
// written back verbatim by Set.
type UnknownRecord struct {
	StageName Stage
	Raw       json.RawMessage
}

func (Repository) Stage() Stage      { return StageRepository }
func (CloneProgress) Stage() Stage   { return StageGitClone }
func (IndexProgress) Stage() Stage   { return StageLspIndex }
func (DeleteProgress) Stage() Stage  { return StageDelete }
func (r UnknownRecord) Stage() Stage { return r.StageName }
func (Repository) isRecord()         {}
func (CloneProgress) isRecord()      {}
func (IndexProgress) isRecord()      {}
func (DeleteProgress) isRecord()     {}
func (UnknownRecord) isRecord()      {}
func (r UnknownRecord) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// Patch is a partial stage value accepted by Store.Update. Only non-nil
// fields are written.
type Patch interface {
	appliesTo(Stage) bool
}

// ProgressPatch updates fields of a clone, index or delete progress record.
type ProgressPatch struct {
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	Progress     *float64   `json:"progress,omitempty"`
	State        *State     `json:"state,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`

	ReceivedObjects *int    `json:"received_objects,omitempty"`
	TotalObjects    *int    `json:"total_objects,omitempty"`
	ReceivedBytes   *int64  `json:"received_bytes,omitempty"`
	IndexedObjects  *int    `json:"indexed_objects,omitempty"`
	Revision        *string `json:"revision,omitempty"`

	Indexer      *string `json:"indexer,omitempty"`
	IndexedFiles *int    `json:"indexed_files,omitempty"`
	TotalFiles   *int    `json:"total_files,omitempty"`
}

func (ProgressPatch) appliesTo(s Stage) bool {
	return s == StageGitClone || s == StageLspIndex || s == StageDelete
}

// RepositoryPatch updates fields of the metadata record.
type RepositoryPatch struct {
	URL  *string `json:"url,omitempty"`
	Name *string `json:"name,omitempty"`
	Org  *string `json:"org,omitempty"`
}

func (RepositoryPatch) appliesTo(s Stage) bool { return s == StageRepository }

// Ptr returns a pointer to v, for filling patches.
func Ptr[T any](v T) *T { return &v }

// Transition is the patch for moving a stage to state at now. Moving to any
// state other than Failed clears a previous error message.
func Transition(state State, now time.Time) ProgressPatch {
	p := ProgressPatch{Timestamp: Ptr(now.UTC()), State: Ptr(state)}
	if state != StateFailed {
		p.ErrorMessage = Ptr("")
	}
	if state == StateCompleted {
		p.Progress = Ptr(100.0)
	}
	return p
}

// Failure is the patch recording a failed stage.
func Failure(err error, now time.Time) ProgressPatch {
	p := Transition(StateFailed, now)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	p.ErrorMessage = &msg
	return p
}

// Progress returns the common WorkerProgress of a record, if it has one.
func Progress(r Record) (WorkerProgress, bool) {
	switch v := r.(type) {
	case CloneProgress:
		return v.WorkerProgress, true
	case IndexProgress:
		return v.WorkerProgress, true
	case DeleteProgress:
		return v.WorkerProgress, true
	case Repository, UnknownRecord:
		return WorkerProgress{}, false
	}
	return WorkerProgress{}, false
}
