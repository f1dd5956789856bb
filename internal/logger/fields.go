package logger

// Standard field keys for structured logging.
// Use these consistently across components so logs aggregate cleanly.
const (
	// Request handling
	KeyRequestID = "request_id" // chi request id
	KeyClientIP  = "client_ip"  // client IP address
	KeyStatus    = "status"     // HTTP status or job outcome
	KeyDuration  = "duration"   // wall-clock duration

	// Data items and bundles
	KeyDataItemID = "data_item_id" // base64url data item id
	KeyBundleID   = "bundle_id"    // Arweave bundle transaction id
	KeyPlanID     = "plan_id"      // bundle plan UUID
	KeyUploadID   = "upload_id"    // multipart upload UUID
	KeyOwner      = "owner"        // native owner address
	KeyByteCount  = "byte_count"   // serialized size in bytes
	KeyPriority   = "priority"     // priority class

	// Pipeline
	KeyJob     = "job"     // queue job name
	KeyAttempt = "attempt" // job attempt number
	KeyWorker  = "worker"  // worker index within a pool

	// External services
	KeyGateway = "gateway" // Arweave gateway URL
	KeyKind    = "kind"    // admission error kind
)
