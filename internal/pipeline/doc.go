// Package pipeline drives tasks through ordered stages.
//
// # Overview
//
// The Engine owns every task it creates. It advances a task through its
// pipeline one stage at a time, enforces the task state machine, and
// publishes lifecycle and progress events on the bus.
//
//	requirements → design → implementation → verification → review
//
// # State Machine
//
//	pending → running → {paused, completed, failed, cancelled}
//	paused  → {running, cancelled}
//	pending → cancelled
//
// Completed, failed and cancelled are terminal.
//
// # Pause, Resume and Cancel
//
// Stages are not preemptible. Pause and Cancel record a request on the
// execution's interrupt token; the running stage finishes and the engine
// settles the task at the next stage boundary. The stage's context is never
// cancelled, neither by Pause or Cancel nor by the caller of Execute or
// Resume; StageContext.Interrupted lets a stage notice a pause or cancel
// request and wrap up early. A caller whose context ends mid-stage gets the
// task back paused once the stage returns.
//
// Resume continues from the first incomplete stage. Outputs of completed
// stages are kept across pauses and passed to later stages.
//
// # Partial Outputs
//
// Work a stage has already done is not rolled back when a task is cancelled
// or fails. Callers that need transactional behavior must reconcile it
// themselves, for example by inspecting the task's Failure.Stage.
//
// # Events
//
// Events for a single task are published in the order its stages complete:
//
//	task.lifecycle  created, started, resumed, paused, completed, failed, cancelled
//	task.progress   stage_started, stage_completed
//
// # Usage Example
//
//	b := bus.New(logger)
//	engine := pipeline.NewEngine(b,
//	    pipeline.WithLogger(logger),
//	    pipeline.WithPipeline(task.TypeResearch, pipeline.Pipeline{
//	        {Name: "search", Run: searchStage},
//	        {Name: "summarize", Run: summarizeStage},
//	    }),
//	)
//
//	t, err := engine.Create(ctx, task.Spec{Type: task.TypeResearch, Description: "..."})
//	final, err := engine.Execute(ctx, t.ID)
package pipeline
