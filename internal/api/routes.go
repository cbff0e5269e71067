package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hhaiyu/singleCellSeq/internal/cache"
	"github.com/hhaiyu/singleCellSeq/internal/cvcompare"
	"github.com/hhaiyu/singleCellSeq/internal/jobstore"
	"github.com/hhaiyu/singleCellSeq/internal/service"
)

const (
	maxIterations = 10000
	maxSampleSize = 10000
	maxPageSize   = 500
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Analysis    *service.AnalysisService
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/phases", phasesHandler(cfg.Analysis))

			r.Route("/cv/jobs", func(r chi.Router) {
				r.Post("/", cvJobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", cvJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", cvJobResultHandler(cfg.JobManager, cfg.Cache))
				r.Delete("/{job_id}", cvJobDeleteHandler(cfg.JobManager, cfg.Cache))
			})
		})
	})

	return r
}

// datasetMiddleware rejects requests for datasets that are not configured.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			if registry == nil || !registry.Has(datasetID) {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

// phasesHandler returns per-cell phase scores and assignments. Optional query
// parameters corr_threshold and rounds override the configured settings.
func phasesHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "analysis service not configured", http.StatusNotImplemented)
			return
		}

		var req service.PhaseRequest
		q := r.URL.Query()
		if s := q.Get("corr_threshold"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v < -1 || v > 1 {
				http.Error(w, "corr_threshold must be a number in [-1, 1]", http.StatusBadRequest)
				return
			}
			req.CorrThreshold = &v
		}
		if s := q.Get("rounds"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 || v > 100 {
				http.Error(w, "rounds must be an integer in [1, 100]", http.StatusBadRequest)
				return
			}
			req.RefineRounds = v
		}

		data, err := svc.Phases(r.Context(), chi.URLParam(r, "dataset"), req)
		if err != nil {
			var pe *service.PhaseError
			switch {
			case errors.Is(err, service.ErrDatasetNotFound):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.As(err, &pe):
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

type cvJobSubmitRequest struct {
	GroupBy    string   `json:"group_by"`
	Groups     []string `json:"groups"`
	SampleSize int      `json:"sample_size"`
	Iterations int      `json:"iterations"`
	Seed       uint64   `json:"seed"`
	Mode       string   `json:"mode"`
	Tail       string   `json:"tail"`
}

func (req *cvJobSubmitRequest) validate() string {
	if req.SampleSize < 0 || req.SampleSize > maxSampleSize {
		return "sample_size must be in [1, " + strconv.Itoa(maxSampleSize) + "]"
	}
	if req.Iterations < 0 || req.Iterations > maxIterations {
		return "iterations must be in [1, " + strconv.Itoa(maxIterations) + "]"
	}
	switch cvcompare.Mode(req.Mode) {
	case "", cvcompare.ModeWithin, cvcompare.ModePooled:
	default:
		return "mode must be \"within\" or \"pooled\""
	}
	switch cvcompare.Tail(req.Tail) {
	case "", cvcompare.TailTwoSided, cvcompare.TailUpper:
	default:
		return "tail must be \"two-sided\" or \"upper\""
	}
	if len(req.Groups) == 1 {
		return "groups must name at least two groups"
	}
	return ""
}

func cvJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req cvJobSubmitRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		if msg := req.validate(); msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(jobstore.CVJobParams{
			DatasetID:  chi.URLParam(r, "dataset"),
			GroupBy:    req.GroupBy,
			Groups:     req.Groups,
			SampleSize: req.SampleSize,
			Iterations: req.Iterations,
			Seed:       req.Seed,
			Mode:       req.Mode,
			Tail:       req.Tail,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusServiceUnavailable)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// jobForRequest returns the job named in the URL if it belongs to the URL's
// dataset, writing the error response otherwise.
func jobForRequest(w http.ResponseWriter, r *http.Request, jm *JobManager) *jobstore.CVJob {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func cvJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := jobForRequest(w, r, jm)
		if job == nil {
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func cvJobResultHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := jobForRequest(w, r, jm)
		if job == nil {
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusConflict)
			return
		}

		// Parse pagination and order params
		offset, limit := 0, 50
		orderBy := r.URL.Query().Get("order_by")
		switch orderBy {
		case "":
			orderBy = "ssm"
		case "ssm", "sam", "significant", "gene":
		default:
			http.Error(w, "order_by must be one of ssm, sam, significant, gene", http.StatusBadRequest)
			return
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = min(v, maxPageSize)
			}
		}

		key := cache.ResultPageKey(job.ID, orderBy, offset, limit)
		if cm != nil {
			if data, ok := cm.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		items, total, err := jm.Store().QueryResults(job.ID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		data, err := json.Marshal(map[string]interface{}{
			"params":   job.Params,
			"groups":   job.Groups,
			"n_genes":  job.NGenes,
			"n_cells":  job.NCells,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
		if err != nil {
			http.Error(w, "failed to encode results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.SetQuery(key, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// cvJobDeleteHandler cancels a queued or running job, or deletes a finished
// one together with its results.
func cvJobDeleteHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := jobForRequest(w, r, jm)
		if job == nil {
			return
		}

		if !job.Status.Finished() {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    job.ID,
				"cancelled": jm.Cancel(job.ID),
			})
			return
		}

		if err := jm.Delete(job.ID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.InvalidateQueries(cache.JobQueryPrefix(job.ID))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  job.ID,
			"deleted": true,
		})
	}
}
