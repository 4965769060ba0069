package api

import (
	"net/http"
)

// ListPipelines возвращает pipelines каталога.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, _ *http.Request) {
	specs := h.pipelines.List()

	result := make([]PipelineResponse, len(specs))
	for i, spec := range specs {
		result[i] = PipelineFromDomain(spec)
	}

	List(w, result, len(result))
}

// GetPipeline возвращает полное определение pipeline.
// GET /api/v1/pipelines/{name}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	spec, err := h.pipelines.Get(r.PathValue("name"))
	if HandleError(w, h.log(r), err, "pipeline not found") {
		return
	}

	Success(w, spec)
}
