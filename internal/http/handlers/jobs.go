package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/trackdeck/internal/scheduler"
)

// JobHandler exposes the scheduled maintenance jobs.
type JobHandler struct {
	scheduler *scheduler.Scheduler
}

// NewJobHandler creates a new job handler.
func NewJobHandler(s *scheduler.Scheduler) *JobHandler {
	return &JobHandler{scheduler: s}
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns every scheduled job with its next run and last outcome",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "runJob",
		Method:      "POST",
		Path:        "/api/v1/jobs/{name}/run",
		Summary:     "Run job now",
		Tags:        []string{"Jobs"},
	}, h.Run)
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct{}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs []scheduler.JobStatus `json:"jobs"`
	}
}

// List returns the scheduled jobs.
func (h *JobHandler) List(_ context.Context, _ *ListJobsInput) (*ListJobsOutput, error) {
	out := &ListJobsOutput{}
	out.Body.Jobs = h.scheduler.Jobs()
	return out, nil
}

// RunJobInput names the job to run.
type RunJobInput struct {
	Name string `path:"name" doc:"Job name"`
}

// RunJobOutput is the job's status after the run.
type RunJobOutput struct {
	Body scheduler.JobStatus
}

// Run runs a job immediately and waits for it.
func (h *JobHandler) Run(ctx context.Context, input *RunJobInput) (*RunJobOutput, error) {
	err := h.scheduler.RunNow(ctx, input.Name)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.Name))
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("job failed", err)
	}
	for _, st := range h.scheduler.Jobs() {
		if st.Name == input.Name {
			return &RunJobOutput{Body: st}, nil
		}
	}
	return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.Name))
}
