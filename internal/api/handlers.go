package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-packager/internal/auth"
	"github.com/amillerrr/vod-packager/internal/config"
	"github.com/amillerrr/vod-packager/internal/ingest"
	"github.com/amillerrr/vod-packager/internal/metrics"
	"github.com/amillerrr/vod-packager/pkg/models"
)

var tracer = otel.Tracer("vod-api")

// Form field carrying the source file.
const (
	UploadField = "file"

	// multipartOverhead allows for boundaries and part headers on top of
	// the configured upload size.
	multipartOverhead = 1 << 20
)

// JobStore is the job status store as seen by the ingress.
type JobStore interface {
	CreateJob(ctx context.Context, id models.JobID, filename, sourcePath string, fileSizeBytes int64) (*models.JobRecord, error)
	GetJob(ctx context.Context, id models.JobID) (*models.JobRecord, error)
	GetLatestJob(ctx context.Context) (*models.JobRecord, error)
	ListJobPage(ctx context.Context, limit int, cursor string) ([]models.JobRecord, string, error)
}

// Queue is the subset of the SQS client used to hand jobs to the worker.
type Queue interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg         *config.Config
	log         *slog.Logger
	jobs        JobStore
	queue       Queue
	receiver    *ingest.Receiver
	jwtService  *auth.JWTService
	rateLimiter *auth.RateLimiter
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config      *config.Config
	Logger      *slog.Logger
	Jobs        JobStore
	Queue       Queue
	Receiver    *ingest.Receiver
	JWTService  *auth.JWTService
	RateLimiter *auth.RateLimiter
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:         cfg.Config,
		log:         cfg.Logger,
		jobs:        cfg.Jobs,
		queue:       cfg.Queue,
		receiver:    cfg.Receiver,
		jwtService:  cfg.JWTService,
		rateLimiter: cfg.RateLimiter,
	}
}

func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// LoginHandler exchanges basic-auth credentials for a bearer token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := auth.GetClientIP(r)

	if h.rateLimiter != nil && h.rateLimiter.IsLimited(clientIP) {
		metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "900")
		h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		metrics.AuthFailures.WithLabelValues("missing_credentials").Inc()
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.cfg.GetAPICredentials()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(expectedUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(expectedPassword)) == 1
	if !userOK || !passOK {
		if h.rateLimiter != nil {
			h.rateLimiter.RecordFailure(clientIP)
		}
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	if h.rateLimiter != nil {
		h.rateLimiter.Reset(clientIP)
	}
	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// UploadResponse is returned once a source has been accepted.
type UploadResponse struct {
	JobID     string `json:"jobId"`
	State     string `json:"state"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// UploadHandler receives a multipart source upload, records the job and
// queues it for processing.
func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(r.Context(), "upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "upload"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	if limit := h.cfg.API.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	part, err := filePart(r)
	if err != nil {
		span.RecordError(err)
		h.writeUploadError(ctx, w, err)
		return
	}
	defer part.Close()

	filename := part.FileName()
	if err := ingest.ValidateFilename(filename); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := ingest.ValidateContentType(part.Header.Get("Content-Type")); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	id := models.NewJobID()
	span.SetAttributes(
		attribute.String("job.id", id.String()),
		attribute.String("upload.filename", filename),
	)

	upload, err := h.receiver.Receive(ctx, id, filename, part)
	if err != nil {
		span.RecordError(err)
		h.log.WarnContext(ctx, "Upload failed",
			"jobId", id,
			"requestId", requestID,
			"error", err,
		)
		h.writeUploadError(ctx, w, err)
		return
	}
	if _, err := h.jobs.CreateJob(ctx, id, filename, upload.Path, upload.Size); err != nil {
		h.log.WarnContext(ctx, "Failed to create job record",
			"jobId", id,
			"requestId", requestID,
			"error", err,
		)
	}

	if err := h.enqueue(ctx, id, upload.Path, filename); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to queue job",
			"jobId", id,
			"requestId", requestID,
			"error", err,
		)
		h.receiver.Discard(ctx, upload)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to queue job")
		return
	}

	metrics.UploadsReceived.Inc()
	metrics.UploadBytes.Add(float64(upload.Size))

	h.log.InfoContext(ctx, "Job queued",
		"jobId", id,
		"sizeBytes", upload.Size,
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusAccepted, UploadResponse{
		JobID:     id.String(),
		State:     string(models.StateCreated),
		Message:   "Video queued for processing",
		RequestID: requestID,
	})
}

func (h *Handlers) enqueue(ctx context.Context, id models.JobID, sourcePath, filename string) error {
	body, err := json.Marshal(models.IngestMessage{
		JobID:      id.String(),
		SourcePath: sourcePath,
		Filename:   filename,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = h.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(h.cfg.AWS.SQSQueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

var errNoFilePart = errors.New("multipart field \"" + UploadField + "\" is required")

// filePart returns the first part of a multipart body named UploadField.
// Parts are read as a stream; nothing is spooled to disk.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected multipart/form-data body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == UploadField {
			return part, nil
		}
		part.Close()
	}
}

func (h *Handlers) writeUploadError(ctx context.Context, w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, models.ErrUploadTooLarge):
		h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Upload too large")
	case errors.Is(err, models.ErrInvalidFileType),
		errors.Is(err, models.ErrFilenameTooLong),
		errors.Is(err, errNoFilePart):
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		h.writeError(ctx, w, http.StatusBadRequest, "Upload interrupted")
	default:
		if ctx.Err() == nil && isClientError(err) {
			h.writeError(ctx, w, http.StatusBadRequest, "Invalid multipart body")
			return
		}
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to store upload")
	}
}

func isClientError(err error) bool {
	return errors.Is(err, http.ErrNotMultipart) ||
		errors.Is(err, http.ErrMissingBoundary) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// GetJobHandler returns the status record of one job.
func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "get-job")
	defer span.End()

	id, err := models.ParseJobID(r.PathValue("id"))
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(attribute.String("job.id", id.String()))

	rec, err := h.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Job not found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to get job", "jobId", id, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve job")
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, rec)
}

// ListJobsResponse is one page of jobs, newest first.
type ListJobsResponse struct {
	Jobs       []models.JobRecord `json:"jobs"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// ListJobsHandler pages through jobs with ?limit= and ?cursor=.
func (h *Handlers) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list-jobs")
	defer span.End()

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(ctx, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, next, err := h.jobs.ListJobPage(ctx, limit, q.Get("cursor"))
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to list jobs", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.JobRecord{}
	}

	h.writeJSON(ctx, w, http.StatusOK, ListJobsResponse{Jobs: jobs, NextCursor: next})
}

// LatestResponse describes the most recently published job.
type LatestResponse struct {
	JobID       string `json:"jobId"`
	PlaybackURL string `json:"playbackUrl"`
	PublishedAt string `json:"publishedAt"`
}

// GetLatestHandler returns the most recently published job.
func (h *Handlers) GetLatestHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "get-latest-job")
	defer span.End()

	rec, err := h.jobs.GetLatestJob(ctx)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "No published videos found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to get latest job", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve video")
		return
	}

	span.SetAttributes(attribute.String("job.id", rec.JobID))
	h.writeJSON(ctx, w, http.StatusOK, LatestResponse{
		JobID:       rec.JobID,
		PlaybackURL: rec.PlaybackURL,
		PublishedAt: rec.PublishedAt,
	})
}
