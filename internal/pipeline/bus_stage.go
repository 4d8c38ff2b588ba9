package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

// StageRequest is sent to the responder of a bus-backed stage.
type StageRequest struct {
	TaskID      string            `json:"task_id"`
	Type        task.Type         `json:"type"`
	Description string            `json:"description"`
	Input       map[string]any    `json:"input,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Stage       string            `json:"stage"`
	Index       int               `json:"index"`
	Total       int               `json:"total"`
	Outputs     map[string]any    `json:"outputs,omitempty"`
}

// StageResponse is the responder's answer. A non-empty Error fails the stage.
type StageResponse struct {
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StageEndpoint returns the request channel for the named stage.
func StageEndpoint(name string) bus.Endpoint[StageRequest, StageResponse] {
	return bus.NewEndpoint[StageRequest, StageResponse]("stage." + name)
}

// BusStage returns a stage whose unit of work is answered by the responder
// registered on "stage.<name>". A zero timeout uses the bus default.
func BusStage(b *bus.Bus, name string, timeout time.Duration) Stage {
	endpoint := StageEndpoint(name)
	return Stage{
		Name: name,
		Run: func(ctx context.Context, sc StageContext) (any, error) {
			resp, err := bus.Request(ctx, b, endpoint, StageRequest{
				TaskID:      sc.Task.ID,
				Type:        sc.Task.Type,
				Description: sc.Task.Description,
				Input:       sc.Task.Input,
				Labels:      sc.Task.Labels,
				Stage:       sc.Stage,
				Index:       sc.Index,
				Total:       sc.Total,
				Outputs:     sc.Outputs,
			}, timeout)
			if err != nil {
				return nil, fmt.Errorf("stage request: %w", err)
			}
			if resp.Error != "" {
				return nil, errors.New(resp.Error)
			}
			return resp.Output, nil
		},
	}
}

// DefaultPipeline returns the default stage sequence backed by bus responders.
func DefaultPipeline(b *bus.Bus, timeout time.Duration) Pipeline {
	names := DefaultStageNames()
	p := make(Pipeline, len(names))
	for i, name := range names {
		p[i] = BusStage(b, name, timeout)
	}
	return p
}
