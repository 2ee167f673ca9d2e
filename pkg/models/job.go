package models

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// JobID identifies one upload-to-publish unit of work. It is used both as the
// scratch directory name and as the object key prefix, so it is validated
// before it is ever turned into a path.
type JobID string

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewJobID generates a fresh random job id.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// ParseJobID validates s as a job id.
func ParseJobID(s string) (JobID, error) {
	s = strings.TrimSpace(s)
	if !jobIDPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, s)
	}
	return JobID(s), nil
}

// Validate reports whether the id is safe to use as a path segment or key prefix.
func (id JobID) Validate() error {
	if !jobIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, string(id))
	}
	return nil
}

func (id JobID) String() string {
	return string(id)
}

// JobState represents the lifecycle state of a job.
type JobState string

const (
	StateCreated     JobState = "created"
	StateUploading   JobState = "uploading"
	StatePlanning    JobState = "planning"
	StateTranscoding JobState = "transcoding"
	StateSegmenting  JobState = "segmenting"
	StatePackaging   JobState = "packaging"
	StatePublishing  JobState = "publishing"
	StatePublished   JobState = "published"
	StateFailed      JobState = "failed"
)

// IsValid returns true if the state is a known JobState.
func (s JobState) IsValid() bool {
	switch s {
	case StateCreated, StateUploading, StatePlanning, StateTranscoding, StateSegmenting,
		StatePackaging, StatePublishing, StatePublished, StateFailed:
		return true
	}
	return false
}

// IsTerminal returns true for Published and Failed.
func (s JobState) IsTerminal() bool {
	return s == StatePublished || s == StateFailed
}

// RenditionStatus is the per-rendition sub-state.
type RenditionStatus string

const (
	RenditionPending     RenditionStatus = "pending"
	RenditionTranscoding RenditionStatus = "transcoding"
	RenditionTranscoded  RenditionStatus = "transcoded"
	RenditionSegmenting  RenditionStatus = "segmenting"
	RenditionSegmented   RenditionStatus = "segmented"
	RenditionFailed      RenditionStatus = "failed"
)

// Rendition is one quality variant of a job.
type Rendition struct {
	Name          string
	QualityParam  int
	TargetBitrate int64

	// Bandwidth is the bitrate declared in the master playlist, in bits per second.
	Bandwidth int64
	Width     int
	Height    int

	VideoArtifactPath  string
	StreamManifestPath string
	SegmentPaths       []string
	Status             RenditionStatus
}

// MasterPlaylistName is the package entry point. It shares the job directory
// with every rendition's files.
const MasterPlaylistName = "master.m3u8"

// PlaylistName is the file name of the rendition's stream manifest.
func (r *Rendition) PlaylistName() string {
	return r.Name + ".m3u8"
}

// VideoName is the file name of the rendition's encoded single-file output.
func (r *Rendition) VideoName() string {
	return r.Name + ".mp4"
}

// SegmentPattern is the numbered file pattern handed to the segmenter.
func (r *Rendition) SegmentPattern() string {
	return r.Name + "_%03d.ts"
}

// ShadowsMaster reports whether one of the rendition's files would be
// written under the master playlist's name.
func (r *Rendition) ShadowsMaster() bool {
	return r.PlaylistName() == MasterPlaylistName || r.VideoName() == MasterPlaylistName
}

// Failure is the terminal failure detail of a job.
type Failure struct {
	Stage  JobState `json:"stage"`
	Kind   string   `json:"kind"`
	Detail string   `json:"detail"`
}

func (f Failure) String() string {
	return fmt.Sprintf("%s at %s: %s", f.Kind, f.Stage, f.Detail)
}

// Job is one upload-to-publish unit of work. A Job is owned by the pipeline
// for its lifetime; use Snapshot to hand a copy to anyone else.
type Job struct {
	mu sync.Mutex

	ID          JobID
	SourcePath  string
	Renditions  []*Rendition
	State       JobState
	Failure     *Failure
	PlaybackURL string
	Thumbnails  []string
}

// NewJob creates a job in the Created state.
func NewJob(id JobID, sourcePath string) *Job {
	return &Job{
		ID:         id,
		SourcePath: sourcePath,
		State:      StateCreated,
	}
}

// SetState moves the job to state unless it is already terminal.
// It returns false if the transition was refused.
func (j *Job) SetState(state JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.State.IsTerminal() {
		return false
	}
	j.State = state
	return true
}

// CurrentState returns the job state.
func (j *Job) CurrentState() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State
}

// Fail records the failure and moves the job to Failed. The first failure
// wins; later calls are ignored.
func (j *Job) Fail(f Failure) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.State.IsTerminal() || j.Failure != nil {
		return false
	}
	j.Failure = &f
	j.State = StateFailed
	return true
}

// SetRenditionStatus updates one rendition's sub-state.
func (j *Job) SetRenditionStatus(r *Rendition, status RenditionStatus) {
	j.mu.Lock()
	r.Status = status
	j.mu.Unlock()
}

// Update runs fn with the job locked.
func (j *Job) Update(fn func(*Job)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(j)
}

// Snapshot returns a deep copy that is safe to read without locking.
func (j *Job) Snapshot() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	cp := &Job{
		ID:          j.ID,
		SourcePath:  j.SourcePath,
		State:       j.State,
		PlaybackURL: j.PlaybackURL,
		Thumbnails:  append([]string(nil), j.Thumbnails...),
	}
	if j.Failure != nil {
		f := *j.Failure
		cp.Failure = &f
	}
	cp.Renditions = make([]*Rendition, len(j.Renditions))
	for i, r := range j.Renditions {
		rc := *r
		rc.SegmentPaths = append([]string(nil), r.SegmentPaths...)
		cp.Renditions[i] = &rc
	}
	return cp
}

// RenditionSummary is the stored view of a rendition.
type RenditionSummary struct {
	Name         string          `dynamodbav:"name" json:"name"`
	QualityParam int             `dynamodbav:"quality_param" json:"qualityParam"`
	Bandwidth    int64           `dynamodbav:"bandwidth,omitempty" json:"bandwidth,omitempty"`
	Width        int             `dynamodbav:"width,omitempty" json:"width,omitempty"`
	Height       int             `dynamodbav:"height,omitempty" json:"height,omitempty"`
	Status       RenditionStatus `dynamodbav:"status" json:"status"`
}

// Summaries converts the job's renditions into their stored form.
func (j *Job) Summaries() []RenditionSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]RenditionSummary, len(j.Renditions))
	for i, r := range j.Renditions {
		out[i] = RenditionSummary{
			Name:         r.Name,
			QualityParam: r.QualityParam,
			Bandwidth:    r.Bandwidth,
			Width:        r.Width,
			Height:       r.Height,
			Status:       r.Status,
		}
	}
	return out
}

// JobRecord is the persisted status of a job.
type JobRecord struct {
	// Keys
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`

	// Attributes
	JobID         string             `dynamodbav:"job_id" json:"jobId"`
	Filename      string             `dynamodbav:"filename,omitempty" json:"filename,omitempty"`
	SourcePath    string             `dynamodbav:"source_path,omitempty" json:"-"`
	FileSizeBytes int64              `dynamodbav:"file_size_bytes,omitempty" json:"fileSizeBytes,omitempty"`
	State         JobState           `dynamodbav:"state" json:"state"`
	FailureStage  JobState           `dynamodbav:"failure_stage,omitempty" json:"failureStage,omitempty"`
	FailureKind   string             `dynamodbav:"failure_kind,omitempty" json:"failureKind,omitempty"`
	FailureDetail string             `dynamodbav:"failure_detail,omitempty" json:"failureDetail,omitempty"`
	PlaybackURL   string             `dynamodbav:"playback_url,omitempty" json:"playbackUrl,omitempty"`
	ObjectPrefix  string             `dynamodbav:"object_prefix,omitempty" json:"objectPrefix,omitempty"`
	Renditions    []RenditionSummary `dynamodbav:"renditions,omitempty" json:"renditions,omitempty"`
	CreatedAt     string             `dynamodbav:"created_at,omitempty" json:"createdAt,omitempty"`
	UpdatedAt     string             `dynamodbav:"updated_at" json:"updatedAt"`
	PublishedAt   string             `dynamodbav:"published_at,omitempty" json:"publishedAt,omitempty"`
}

// IngestMessage is the queue message handed from ingress to the worker.
type IngestMessage struct {
	JobID      string `json:"jobId"`
	SourcePath string `json:"sourcePath"`
	Filename   string `json:"filename,omitempty"`
}

// Validate checks the message has all required fields.
func (m *IngestMessage) Validate() error {
	if m.JobID == "" {
		return ErrMissingJobID
	}
	if _, err := ParseJobID(m.JobID); err != nil {
		return err
	}
	if m.SourcePath == "" {
		return ErrMissingSourcePath
	}
	return nil
}
