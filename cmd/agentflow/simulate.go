package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/pipeline"
	"github.com/fyrsmithlabs/agentflow/internal/progress"
)

// registerSimulatedStages answers every default stage in-process. Each
// responder reports one action, waits delay, and succeeds.
func registerSimulatedStages(b *bus.Bus, delay time.Duration, logger *logging.Logger) ([]*bus.Subscription, error) {
	subs := make([]*bus.Subscription, 0, len(pipeline.DefaultStageNames()))
	for _, name := range pipeline.DefaultStageNames() {
		sub, err := bus.Respond(b, pipeline.StageEndpoint(name), simulatedStage(b, name, delay))
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("register simulated stage %s: %w", name, err)
		}
		subs = append(subs, sub)
	}
	logger.Info(context.Background(), "simulated stages registered", zap.Duration("delay", delay))
	return subs, nil
}

func simulatedStage(b *bus.Bus, name string, delay time.Duration) bus.ResponderFunc[pipeline.StageRequest, pipeline.StageResponse] {
	return func(ctx context.Context, req pipeline.StageRequest) (pipeline.StageResponse, error) {
		bus.Publish(ctx, b, progress.TopicAction, progress.Action{
			TaskID:  req.TaskID,
			Stage:   name,
			Kind:    "simulated",
			Message: fmt.Sprintf("%s %d/%d", name, req.Index+1, req.Total),
		})

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return pipeline.StageResponse{}, ctx.Err()
		case <-timer.C:
		}

		bus.Publish(ctx, b, progress.TopicReport, progress.Report{
			TaskID: req.TaskID,
			Fields: progress.Update{"last_stage": name},
		})
		return pipeline.StageResponse{Output: map[string]any{"stage": name, "simulated": true}}, nil
	}
}
