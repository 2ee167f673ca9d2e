// Package pipeline drives a job from an uploaded file to a published
// streaming package.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/vod-packager/internal/metrics"
	"github.com/amillerrr/vod-packager/internal/publisher"
	"github.com/amillerrr/vod-packager/internal/transcoder"
	"github.com/amillerrr/vod-packager/pkg/models"
)

var tracer = otel.Tracer("vod-pipeline")

// Tools produces a job's artifacts.
type Tools interface {
	Transcode(ctx context.Context, sourcePath string, paths transcoder.Paths, r *models.Rendition) (string, error)
	Segment(ctx context.Context, paths transcoder.Paths, r *models.Rendition) (string, []string, error)
	Thumbnails(ctx context.Context, sourcePath string, paths transcoder.Paths) ([]string, error)
	Probe(ctx context.Context, path string) (*transcoder.ProbeResult, error)
}

// Publisher uploads a finished package directory.
type Publisher interface {
	Publish(ctx context.Context, id models.JobID, dir string) (*publisher.Result, error)
}

// Scratch owns per-job working directories. Every artifact path of a job is
// composed by Resolve.
type Scratch interface {
	Create(id models.JobID) (string, error)
	Resolve(id models.JobID, name ...string) string
	Destroy(id models.JobID) error
}

// Planner yields the rendition set for a new job.
type Planner interface {
	Plan() []*models.Rendition
}

// Recorder persists job state. Failures are logged and never change the
// outcome of a job.
type Recorder interface {
	RecordState(ctx context.Context, job *models.Job) error
}

// Deps holds the orchestrator's collaborators. Recorder may be nil.
type Deps struct {
	Planner   Planner
	Scratch   Scratch
	Tools     Tools
	Publisher Publisher
	Recorder  Recorder
	Logger    *slog.Logger
}

// Orchestrator runs the job state machine. It holds no per-job state, so one
// Orchestrator can run many jobs concurrently.
type Orchestrator struct {
	planner   Planner
	scratch   Scratch
	tools     Tools
	publisher Publisher
	recorder  Recorder
	log       *slog.Logger
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		planner:   d.Planner,
		scratch:   d.Scratch,
		tools:     d.Tools,
		publisher: d.Publisher,
		recorder:  d.Recorder,
		log:       d.Logger,
	}
}

// run is the bookkeeping for one job.
type run struct {
	job        *models.Job
	dir        string
	paths      transcoder.Paths
	log        *slog.Logger
	stage      models.JobState
	stageStart time.Time
}

// Run processes sourcePath as job id and returns a snapshot of the finished
// job. The error is non-nil exactly when the job ended Failed.
func (o *Orchestrator) Run(ctx context.Context, id models.JobID, sourcePath string) (*models.Job, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "process-job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", string(id)),
		attribute.String("job.source", sourcePath),
	)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	start := time.Now()
	r := &run{
		job: models.NewJob(id, sourcePath),
		log: o.log.With("jobId", string(id)),
	}
	r.log.InfoContext(ctx, "Processing job", "sourcePath", sourcePath)

	err := o.execute(ctx, r)
	job, err := o.finish(ctx, r, err)

	status := "published"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, job.Failure.String())
	}
	span.SetAttributes(attribute.String("job.state", status))
	kind := ""
	if job.Failure != nil {
		kind = job.Failure.Kind
	}
	metrics.RecordJob(status, kind, time.Since(start).Seconds())

	return job, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	o.transition(ctx, r, models.StatePlanning)

	dir, err := o.scratch.Create(r.job.ID)
	if err != nil {
		return models.AtStage(models.StatePlanning, err)
	}
	r.dir = dir
	r.paths = func(name ...string) string {
		return o.scratch.Resolve(r.job.ID, name...)
	}

	renditions := o.planner.Plan()
	r.job.Update(func(j *models.Job) {
		j.Renditions = renditions
	})

	o.transition(ctx, r, models.StateTranscoding)
	if err := o.produce(ctx, r, renditions); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return models.AtStage(r.job.CurrentState(), err)
	}
	o.transition(ctx, r, models.StatePackaging)
	if err := o.verify(r); err != nil {
		return models.AtStage(models.StatePackaging, err)
	}
	snap := r.job.Snapshot()
	if _, err := transcoder.WriteMasterPlaylist(r.paths, segmentedOnly(snap.Renditions)); err != nil {
		return models.AtStage(models.StatePackaging, err)
	}

	if err := ctx.Err(); err != nil {
		return models.AtStage(models.StatePackaging, err)
	}
	o.transition(ctx, r, models.StatePublishing)
	res, err := o.publisher.Publish(ctx, r.job.ID, r.paths())
	if err != nil {
		return models.AtStage(models.StatePublishing, err)
	}
	r.job.Update(func(j *models.Job) {
		j.PlaybackURL = res.URL
	})
	return nil
}

// produce runs every rendition's transcode-then-segment chain and the
// thumbnail extraction concurrently. The first failure cancels the rest.
func (o *Orchestrator) produce(ctx context.Context, r *run, renditions []*models.Rendition) error {
	g, gctx := errgroup.WithContext(ctx)

	var transcoding atomic.Int32
	transcoding.Store(int32(len(renditions)))

	g.Go(func() error {
		paths, err := o.tools.Thumbnails(gctx, r.job.SourcePath, r.paths)
		if err != nil {
			return models.AtStage(models.StateTranscoding, fmt.Errorf("thumbnails: %w", err))
		}
		r.job.Update(func(j *models.Job) {
			j.Thumbnails = paths
		})
		return nil
	})

	for _, rend := range renditions {
		g.Go(func() error {
			return o.renditionChain(gctx, r, rend, &transcoding)
		})
	}

	return g.Wait()
}

func (o *Orchestrator) renditionChain(ctx context.Context, r *run, rend *models.Rendition, transcoding *atomic.Int32) error {
	log := r.log.With("rendition", rend.Name)
	job := r.job

	job.SetRenditionStatus(rend, models.RenditionTranscoding)
	out, err := o.tools.Transcode(ctx, job.SourcePath, r.paths, rend)
	if err != nil {
		job.SetRenditionStatus(rend, models.RenditionFailed)
		log.WarnContext(ctx, "Transcode failed", "error", err)
		return models.AtStage(models.StateTranscoding, fmt.Errorf("rendition %s: %w", rend.Name, err))
	}
	job.Update(func(*models.Job) {
		rend.VideoArtifactPath = out
		rend.Status = models.RenditionTranscoded
	})

	o.resolveBandwidth(ctx, log, job, rend, out)

	if transcoding.Add(-1) == 0 && ctx.Err() == nil {
		o.transition(ctx, r, models.StateSegmenting)
	}

	// A failed sibling cancels ctx; no new segment step starts after that.
	if err := ctx.Err(); err != nil {
		job.SetRenditionStatus(rend, models.RenditionFailed)
		return models.AtStage(models.StateTranscoding, err)
	}

	job.SetRenditionStatus(rend, models.RenditionSegmenting)
	playlist, segments, err := o.tools.Segment(ctx, r.paths, rend)
	if err != nil {
		job.SetRenditionStatus(rend, models.RenditionFailed)
		log.WarnContext(ctx, "Segment failed", "error", err)
		return models.AtStage(models.StateSegmenting, fmt.Errorf("rendition %s: %w", rend.Name, err))
	}
	job.Update(func(*models.Job) {
		rend.StreamManifestPath = playlist
		rend.SegmentPaths = segments
		rend.Status = models.RenditionSegmented
	})
	return nil
}

// resolveBandwidth declares the measured bitrate of the encoded file, or
// the rendition's target bitrate when it cannot be measured.
func (o *Orchestrator) resolveBandwidth(ctx context.Context, log *slog.Logger, job *models.Job, rend *models.Rendition, path string) {
	bandwidth := rend.TargetBitrate
	var width, height int

	probe, err := o.tools.Probe(ctx, path)
	switch {
	case err != nil:
		log.WarnContext(ctx, "Bitrate probe failed, declaring target bitrate", "error", err, "bandwidth", bandwidth)
	case probe.BitRate <= 0:
		log.WarnContext(ctx, "Probe reported no bitrate, declaring target bitrate", "bandwidth", bandwidth)
		width, height = probe.Width, probe.Height
	default:
		bandwidth = probe.BitRate
		width, height = probe.Width, probe.Height
	}

	job.Update(func(*models.Job) {
		rend.Bandwidth = bandwidth
		rend.Width = width
		rend.Height = height
	})
	metrics.RenditionBitrate.WithLabelValues(rend.Name).Set(float64(bandwidth))
}

// verify checks that every artifact the package references exists on disk.
func (o *Orchestrator) verify(r *run) error {
	snap := r.job.Snapshot()
	for _, rend := range snap.Renditions {
		if rend.Status != models.RenditionSegmented {
			return fmt.Errorf("%w: rendition %s is %s", models.ErrInputMissing, rend.Name, rend.Status)
		}
		if err := requireFiles(append([]string{rend.StreamManifestPath}, rend.SegmentPaths...)); err != nil {
			return fmt.Errorf("rendition %s: %w", rend.Name, err)
		}
	}
	if err := requireFiles(snap.Thumbnails); err != nil {
		return fmt.Errorf("thumbnails: %w", err)
	}
	return nil
}

// transition moves the job to state and records it.
func (o *Orchestrator) transition(ctx context.Context, r *run, state models.JobState) {
	if !r.job.SetState(state) {
		return
	}
	o.endStage(r)
	r.stage = state
	r.stageStart = time.Now()

	r.log.InfoContext(ctx, "Job state changed", "state", state)
	o.record(ctx, r)
}

func (o *Orchestrator) endStage(r *run) {
	if r.stage != "" {
		metrics.StageDuration.WithLabelValues(string(r.stage)).Observe(time.Since(r.stageStart).Seconds())
	}
}

// finish releases the scratch directory, then records the terminal state.
func (o *Orchestrator) finish(ctx context.Context, r *run, err error) (*models.Job, error) {
	ctx = context.WithoutCancel(ctx)

	if r.dir != "" {
		if derr := o.scratch.Destroy(r.job.ID); derr != nil {
			metrics.ScratchCleanupFailures.Inc()
			r.log.WarnContext(ctx, "Failed to remove scratch directory", "dir", r.dir, "error", derr)
		}
	}

	o.endStage(r)
	if err != nil {
		failure := models.FailureFrom(err, r.job.CurrentState())
		r.job.Fail(failure)
		r.log.ErrorContext(ctx, "Job failed",
			"stage", failure.Stage,
			"kind", failure.Kind,
			"error", failure.Detail,
		)
	} else {
		r.job.SetState(models.StatePublished)
		r.log.InfoContext(ctx, "Job published", "playbackURL", r.job.Snapshot().PlaybackURL)
	}
	o.record(ctx, r)

	return r.job.Snapshot(), err
}

func (o *Orchestrator) record(ctx context.Context, r *run) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordState(context.WithoutCancel(ctx), r.job); err != nil {
		r.log.WarnContext(ctx, "Failed to record job state", "error", err)
	}
}

func segmentedOnly(renditions []*models.Rendition) []*models.Rendition {
	out := make([]*models.Rendition, 0, len(renditions))
	for _, r := range renditions {
		if r.Status == models.RenditionSegmented {
			out = append(out, r)
		}
	}
	return out
}

// IsShutdown reports whether err came from ctx being canceled rather than
// from the job itself.
func IsShutdown(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled)
}
