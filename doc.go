// Package weft provides an embeddable execution engine for workflow
// automation: DAG-shaped workflow definitions whose steps are backed by
// integration module capabilities, executed with bounded concurrency,
// automatic retry of transient failures, durable progress tracking, and
// cooperative cancellation.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. WorkflowDefinition / DefinitionBuilder
//  3. Capability
//  4. Sweeper
//
// # Engine
//
// The Engine owns the run lifecycle. It persists every state transition
// through a pluggable run state store, computes which steps are
// eligible via a pure dependency scheduler, dispatches them to a shared
// bounded worker pool, and applies each step's retry and failure
// policies. Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, development)
//   - Postgres (client/server, production)
//
// The backend is chosen once, at construction; every backend provides
// the same semantics, including the atomic step claim that guarantees
// at most one active attempt per step.
//
// # WorkflowDefinition
//
// A definition is a static, immutable graph: steps plus directed
// dependency edges. Definitions are validated at publish time; cyclic
// or dangling graphs never reach execution. DefinitionBuilder provides
// the fluent API:
//
//	def, err := weft.NewDefinition("enrich-lead").
//	    Step("fetch", "crm", "get-contact", weft.WithParams(map[string]any{
//	        "contact_id": "{{input.contact_id}}",
//	    })).
//	    Step("score", "analytics", "score-lead").
//	    Step("notify", "chat", "send-message", weft.WithOnFailure(weft.OnFailureSkipDependents)).
//	    DependsOn("fetch", "score").
//	    DependsOn("score", "notify").
//	    Build()
//
// # Capability
//
// A Capability is the callable contract an integration module
// implements: it receives a rendered input payload and a cancellation
// context, and returns an output payload or a classified failure.
// Transient failures are retried with exponential backoff and jitter;
// everything else is terminal for the step. Because re-dispatch after a
// crash is at-least-once, capabilities must be idempotent or use the
// dedup store reachable via api.DedupFromContext.
//
// # Sweeper
//
// The retention sweeper (pkg/sweeper) deletes job-log entries and dedup
// records older than their configured windows on a daily schedule,
// independently of run execution.
package weft
