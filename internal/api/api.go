// Package api exposes the pipeline over JSON HTTP: sample registry
// management, genotype intake, job control, and IBD reports.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/kaburi0214/amIBD/internal/domain"
	"github.com/kaburi0214/amIBD/internal/executor"
	"github.com/kaburi0214/amIBD/internal/intake"
	"github.com/kaburi0214/amIBD/internal/platform/objectstore"
	"github.com/kaburi0214/amIBD/internal/registry"
	"github.com/kaburi0214/amIBD/internal/repo"
	"github.com/kaburi0214/amIBD/internal/report"
	"github.com/kaburi0214/amIBD/internal/workflow"
)

const maxGenotypeUpload = 64 << 20

// Server wires the registry, plan builder, executor, history repositories
// and object store behind the HTTP API.
type Server struct {
	logger      *slog.Logger
	registry    *registry.Registry
	builder     *workflow.Builder
	exec        *executor.Executor
	jobs        repo.JobRepository
	units       repo.UnitExecutionRepository
	bamChecker  *intake.BAMChecker
	store       *minio.Client
	storeCfg    objectstore.Config
	genotypeDir string
}

type ServerConfig struct {
	Logger      *slog.Logger
	Registry    *registry.Registry
	Builder     *workflow.Builder
	Executor    *executor.Executor
	Jobs        repo.JobRepository
	Units       repo.UnitExecutionRepository
	BAMChecker  *intake.BAMChecker
	Store       *minio.Client
	StoreConfig objectstore.Config
	GenotypeDir string
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("nil registry")
	}
	if cfg.Builder == nil {
		return nil, errors.New("nil builder")
	}
	if cfg.Executor == nil {
		return nil, errors.New("nil executor")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:      logger,
		registry:    cfg.Registry,
		builder:     cfg.Builder,
		exec:        cfg.Executor,
		jobs:        cfg.Jobs,
		units:       cfg.Units,
		bamChecker:  cfg.BAMChecker,
		store:       cfg.Store,
		storeCfg:    cfg.StoreConfig,
		genotypeDir: cfg.GenotypeDir,
	}, nil
}

// NewHistoryRecorder exposes the unit-execution persistence hook so the
// executor can be constructed before the Server.
func NewHistoryRecorder(units repo.UnitExecutionRepository) executor.StageRecorder {
	return &historyRecorder{units: units}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/v1/samples", http.HandlerFunc(s.handleListSamples))
	mux.Handle("POST /api/v1/samples", http.HandlerFunc(s.handleAddSample))
	mux.Handle("DELETE /api/v1/samples/{id}", http.HandlerFunc(s.handleRemoveSample))
	mux.Handle("POST /api/v1/genotypes", http.HandlerFunc(s.handleUploadGenotype))
	mux.Handle("POST /api/v1/jobs/preview", http.HandlerFunc(s.handlePreview))
	mux.Handle("POST /api/v1/jobs", http.HandlerFunc(s.handleStartJob))
	mux.Handle("GET /api/v1/jobs", http.HandlerFunc(s.handleListJobs))
	mux.Handle("GET /api/v1/jobs/{id}", http.HandlerFunc(s.handleGetJob))
	mux.Handle("POST /api/v1/jobs/{id}/cancel", http.HandlerFunc(s.handleCancelJob))
	mux.Handle("GET /api/v1/jobs/{id}/report", http.HandlerFunc(s.handleGetReport))
	mux.Handle("GET /api/v1/jobs/{id}/report.tsv", http.HandlerFunc(s.handleDownloadReport))
}

type sampleView struct {
	ID      string `json:"id"`
	BAMPath string `json:"bam_path"`
	Status  string `json:"status"`
}

func (s *Server) handleListSamples(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Snapshot()
	views := make([]sampleView, 0, len(snapshot.Samples))
	for _, sample := range snapshot.Samples {
		views = append(views, sampleView{
			ID:      sample.ID,
			BAMPath: sample.BAMPath,
			Status:  string(sample.Status),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"samples":  views,
		"revision": snapshot.Revision,
	})
}

func (s *Server) handleAddSample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		BAMPath string `json:"bam_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.bamChecker != nil {
		verified, err := s.bamChecker.Check(r.Context(), strings.TrimSpace(req.BAMPath))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if !verified {
			s.logger.Warn("bam not verified, samtools unavailable", "sample", req.ID)
		}
	}

	if err := s.registry.Add(req.ID, req.BAMPath); err != nil {
		switch {
		case errors.Is(err, registry.ErrDuplicateIdentifier):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, registry.ErrInvalidPath):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       strings.TrimSpace(req.ID),
		"revision": s.registry.Revision(),
	})
}

func (s *Server) handleRemoveSample(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Remove(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"revision": s.registry.Revision(),
	})
}

// handleUploadGenotype accepts a raw consumer genotype export, normalizes
// it, stores the normalized copy both locally for the plan builder and in
// the object store.
func (s *Server) handleUploadGenotype(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxGenotypeUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	name := strings.TrimSpace(r.FormValue("sample"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "sample is required")
		return
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeError(w, http.StatusBadRequest, "invalid sample name")
		return
	}

	file, _, err := r.FormFile("genotype")
	if err != nil {
		writeError(w, http.StatusBadRequest, "genotype file is required")
		return
	}
	defer file.Close()

	var normalized bytes.Buffer
	if err := intake.NormalizeGenotypes(file, &normalized); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	localPath := filepath.Join(s.genotypeDir, name+".txt")
	if err := writeFileAtomic(localPath, normalized.Bytes()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	objectKey := name + ".txt"
	if s.store != nil {
		_, err := s.store.PutObject(r.Context(), s.storeCfg.GenotypesBucket, objectKey,
			bytes.NewReader(normalized.Bytes()), int64(normalized.Len()),
			minio.PutObjectOptions{ContentType: "text/tab-separated-values"})
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Sprintf("store genotype: %v", err))
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sample": name,
		"path":   localPath,
		"object": objectKey,
	})
}

type jobRequest struct {
	ModernSample string   `json:"modern_sample"`
	Regions      []string `json:"regions"`
	Cores        int      `json:"cores"`
}

func (s *Server) buildPlan(req jobRequest) (domain.WorkflowPlan, error) {
	modern := strings.TrimSpace(req.ModernSample)
	if modern != "" && !filepath.IsAbs(modern) {
		modern = filepath.Join(s.genotypeDir, modern)
	}
	return s.builder.Build(s.registry.Snapshot(), modern, req.Regions, req.Cores)
}

func planError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrEmptyRegistry),
		errors.Is(err, workflow.ErrInvalidCoreCount):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, workflow.ErrMissingReference):
		writeError(w, http.StatusFailedDependency, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plan, err := s.buildPlan(req)
	if err != nil {
		planError(w, err)
		return
	}

	job, listing := s.exec.Preview(plan)
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     jobView(job),
		"listing": listing,
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plan, err := s.buildPlan(req)
	if err != nil {
		planError(w, err)
		return
	}

	// The job must outlive this request.
	job, err := s.exec.Run(context.WithoutCancel(r.Context()), plan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.jobs != nil {
		record := jobRecord(job, plan)
		if err := s.jobs.InsertJob(r.Context(), record); err != nil {
			s.logger.Error("persist job", "job_id", job.ID, "error", err)
		}
		go s.finishJob(job.ID, plan)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"job": jobView(job)})
}

// finishJob waits for the job to reach a terminal state and writes the
// final row. Runs detached from the originating request.
func (s *Server) finishJob(jobID string, plan domain.WorkflowPlan) {
	final, err := s.exec.Wait(context.Background(), jobID)
	if err != nil {
		s.logger.Error("wait for job", "job_id", jobID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.jobs.FinishJob(ctx, jobRecord(final, plan)); err != nil {
		s.logger.Error("finish job", "job_id", jobID, "error", err)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []any{}})
		return
	}
	filter := repo.JobFilter{
		Mode:  r.URL.Query().Get("mode"),
		State: r.URL.Query().Get("state"),
		Limit: 100,
	}
	records, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": records})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if job, err := s.exec.Get(id); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"job": jobView(job)})
		return
	}

	// Fall back to history for jobs from earlier process lifetimes.
	if s.jobs != nil {
		record, err := s.jobs.GetJob(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"job": record})
			return
		}
		if !errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeError(w, http.StatusNotFound, "job not found")
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.exec.Cancel(id); err != nil {
		if errors.Is(err, executor.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

func (s *Server) loadReport(ctx context.Context, jobID string) (domain.Report, error) {
	if s.jobs == nil {
		return domain.Report{}, repo.ErrNotFound
	}
	record, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.Report{}, err
	}
	if domain.NormalizeJobState(record.State) != domain.JobStateSucceeded {
		return domain.Report{}, fmt.Errorf("job %s has no report in state %q", jobID, record.State)
	}
	return report.Aggregate(s.builder.SegmentFiles(record.Regions))
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, err := s.loadReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	rows := make([]map[string]any, 0, len(rep.Rows))
	for _, row := range rep.Rows {
		rows = append(rows, map[string]any{
			"chromosome":     row.Chromosome,
			"start":          row.Start,
			"end":            row.End,
			"modern_id":      row.ModernID,
			"ancient_id":     row.AncientID,
			"length_cm":      row.LengthText,
			"group_total_cm": row.GroupTotalCM,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "rows": rows})
}

func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, err := s.loadReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	var buf bytes.Buffer
	if err := report.WriteTSV(&buf, rep); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.store != nil {
		key := id + ".tsv"
		_, err := s.store.PutObject(r.Context(), s.storeCfg.ReportsBucket, key,
			bytes.NewReader(buf.Bytes()), int64(buf.Len()),
			minio.PutObjectOptions{ContentType: "text/tab-separated-values"})
		if err != nil {
			s.logger.Error("store report", "job_id", id, "error", err)
		}
	}

	w.Header().Set("Content-Type", "text/tab-separated-values")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".tsv"))
	_, _ = w.Write(buf.Bytes())
}

func jobView(job domain.Job) map[string]any {
	view := map[string]any{
		"id":             job.ID,
		"mode":           string(job.Mode),
		"cores":          job.Cores,
		"state":          string(job.State),
		"started_at":     job.StartedAt,
		"stale_snapshot": job.StaleSnapshot,
	}
	if job.EndedAt != nil {
		view["ended_at"] = *job.EndedAt
	}
	if job.FailureCode != "" {
		view["failure_code"] = job.FailureCode
		view["failure_detail"] = job.FailureDetail
	}
	if len(job.Units) > 0 {
		units := make([]map[string]any, 0, len(job.Units))
		for _, u := range job.Units {
			units = append(units, map[string]any{
				"stage":     u.Stage,
				"unit":      u.Unit,
				"exit_code": u.ExitCode,
			})
		}
		view["units"] = units
	}
	return view
}

func jobRecord(job domain.Job, plan domain.WorkflowPlan) repo.JobRecord {
	return repo.JobRecord{
		JobID:         job.ID,
		Mode:          string(job.Mode),
		Cores:         job.Cores,
		State:         string(job.State),
		ModernSample:  plan.ModernSample,
		Regions:       plan.Regions,
		StartedAt:     job.StartedAt,
		EndedAt:       job.EndedAt,
		FailureCode:   job.FailureCode,
		FailureDetail: job.FailureDetail,
		StaleSnapshot: job.StaleSnapshot,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
