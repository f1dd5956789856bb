// Package queue defines the background job queue driving the bundling
// pipeline. Jobs are named, carry a small JSON payload, and are delivered
// at-least-once; handlers must be idempotent. The redis variant supports
// multi-instance deployments, the memory variant single-node runs and tests.
package queue

import (
	"context"
	"time"
)

// Job names for the pipeline stages.
const (
	JobPrepareBundle     = "prepare-bundle"
	JobPostBundle        = "post-bundle"
	JobSeedBundle        = "seed-bundle"
	JobVerifyBundle      = "verify-bundle"
	JobIndexOffsets      = "index-offsets"
	JobOpticalPost       = "optical-post"
	JobUnbundleBDI       = "unbundle-bdi"
	JobFinalizeMultipart = "finalize-multipart"
	JobCleanup           = "cleanup"
)

// Job payloads. Every pipeline job carries one of these, JSON-encoded.
type (
	// ItemJob names a single data item.
	ItemJob struct {
		ID string `json:"id"`
	}

	// PlanJob names a bundle plan.
	PlanJob struct {
		PlanID string `json:"planId"`
	}

	// UploadJob names a multipart upload.
	UploadJob struct {
		UploadID string `json:"uploadId"`
	}
)

// Options controls delivery of a single enqueued job.
type Options struct {
	// Delay postpones first delivery.
	Delay time.Duration

	// MaxAttempts bounds total delivery attempts, including the first.
	// Zero means a queue-level default.
	MaxAttempts int

	// Backoff is the base delay between retries. Retry n waits
	// Backoff * 2^(n-1). Zero means a queue-level default.
	Backoff time.Duration
}

// Message is a delivered job.
type Message struct {
	// ID uniquely identifies this job instance.
	ID string

	// Name is the job name the message was enqueued under.
	Name string

	// Payload is the enqueued body, typically JSON.
	Payload []byte

	// Attempt is 1 on first delivery.
	Attempt int
}

// Handler processes one message. A nil return acknowledges the job; an
// error triggers retry with backoff until MaxAttempts is exhausted.
type Handler func(ctx context.Context, msg Message) error

// Queue is the job queue contract.
type Queue interface {
	// Enqueue schedules a job for delivery.
	Enqueue(ctx context.Context, name string, payload []byte, opts Options) error

	// Consume registers a handler for a job name and starts concurrency
	// workers delivering to it. Blocks until ctx is cancelled.
	Consume(ctx context.Context, name string, concurrency int, h Handler) error

	// Healthy reports whether the queue backend is reachable.
	Healthy(ctx context.Context) error
}
