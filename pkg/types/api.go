package types

// Sampling controls token selection at the terminal stage.
type Sampling struct {
	// Softmax temperature; 0 selects the most likely token.
	// example: 0.7
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability mass.
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// Limit candidates to the K most likely tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Maximum number of new tokens to generate.
	// example: 64
	MaxTokens int `json:"max_tokens,omitempty" example:"64"`
	// Seed for reproducible sampling.
	// example: 42
	Seed uint64 `json:"seed,omitempty" example:"42"`
	// Token ids that end generation (the model's EOS token always does).
	StopTokens []int32 `json:"stop_tokens,omitempty"`
}

// InferRequest is the router's public request payload. Either Prompt or
// PromptTokens must be set.
type InferRequest struct {
	// Prompt text, encoded byte-per-token when PromptTokens is empty.
	// example: Hello
	Prompt string `json:"prompt,omitempty" example:"Hello"`
	// Pre-tokenized prompt.
	PromptTokens []int32 `json:"prompt_tokens,omitempty"`
	// Maximum number of new tokens to generate.
	// example: 64
	MaxTokens int `json:"max_tokens,omitempty" example:"64"`
	// example: 0.7
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// example: 42
	Seed       uint64  `json:"seed,omitempty" example:"42"`
	StopTokens []int32 `json:"stop_tokens,omitempty"`
	// Optional end-to-end timeout; capped by the router's request timeout.
	// example: 10000
	TimeoutMs int64 `json:"timeout_ms,omitempty" example:"10000"`
}

// GenerateRequest is sent by the router to a replica's first stage.
type GenerateRequest struct {
	RequestID string `json:"request_id,omitempty"`
	// Optional; the first stage assigns one when zero.
	SequenceID uint64 `json:"sequence_id,omitempty"`
	// Prompt text, used when PromptTokens is empty.
	Prompt         string   `json:"prompt,omitempty"`
	PromptTokens   []int32  `json:"prompt_tokens,omitempty"`
	Sampling       Sampling `json:"sampling"`
	DeadlineUnixMs int64    `json:"deadline_unix_ms,omitempty"`
}

// Timing breaks down where a request spent its time.
type Timing struct {
	// Time from arrival to the first batch dispatch.
	QueueMs int64 `json:"queue_ms" example:"3"`
	// Time to the first generated token.
	FirstTokenMs int64 `json:"first_token_ms" example:"42"`
	// Total generation time.
	TotalMs int64 `json:"total_ms" example:"512"`
}

// InferResponse is returned by a first stage and relayed by the router.
type InferResponse struct {
	RequestID  string `json:"request_id,omitempty"`
	SequenceID uint64 `json:"sequence_id"`
	// Generated token ids.
	Tokens []int32 `json:"tokens"`
	// Byte-level decoding of Tokens (ids below 256).
	Text string `json:"text"`
	// example: 5
	PromptTokens int `json:"prompt_tokens" example:"5"`
	// example: 64
	CompletionTokens int `json:"completion_tokens" example:"64"`
	// One of: stop, length.
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
	Timing       Timing `json:"timing"`
	// Replica that served the request (set by the router).
	Replica string `json:"replica,omitempty"`
}

// ForwardMember describes one sequence inside a handoff.
type ForwardMember struct {
	SequenceID     uint64   `json:"sequence_id"`
	Pos            int      `json:"pos"`
	Len            int      `json:"len"`
	Sampling       Sampling `json:"sampling"`
	DeadlineUnixMs int64    `json:"deadline_unix_ms,omitempty"`
}

// ForwardRequest carries a hidden-state batch to the next stage. Hidden
// holds each member's Len x Width little-endian float32 values, members back
// to back in order; MaxLen is the longest member.
type ForwardRequest struct {
	FromStage int             `json:"from_stage"`
	BatchID   uint64          `json:"batch_id"`
	MaxLen    int             `json:"max_len"`
	Width     int             `json:"width"`
	Members   []ForwardMember `json:"members"`
	Hidden    []byte          `json:"hidden"`
}

// WireError is an error kind and message carried across the wire.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StepResult is one member's outcome of a forwarded batch.
type StepResult struct {
	SequenceID uint64     `json:"sequence_id"`
	Token      int32      `json:"token"`
	Error      *WireError `json:"error,omitempty"`
}

// ForwardResponse answers a ForwardRequest, one result per member.
type ForwardResponse struct {
	Results []StepResult `json:"results"`
}

// ReleaseRequest drops finished sequences' cache entries along the chain.
type ReleaseRequest struct {
	SequenceIDs []uint64 `json:"sequence_ids"`
}

// HealthResponse is a worker's liveness and load report.
type HealthResponse struct {
	// example: true
	Healthy bool `json:"healthy" example:"true"`
	// example: 0
	Stage int `json:"stage" example:"0"`
	// Entries waiting in the stage queue.
	// example: 3
	QueueDepth int `json:"queue_depth" example:"3"`
	// Queue bound.
	// example: 64
	Capacity int `json:"capacity" example:"64"`
	// Batching engine state.
	// example: accumulating
	State string `json:"state" example:"accumulating"`
	// example: 1048576
	KVBytes int64 `json:"kv_bytes" example:"1048576"`
	// example: 536870912
	KVBudgetBytes int64 `json:"kv_budget_bytes" example:"536870912"`
	// example: 4
	ActiveSequences int `json:"active_sequences" example:"4"`
	// Result of probing the next stage; absent on the terminal stage.
	DownstreamOK *bool `json:"downstream_ok,omitempty"`
	// Reason when not healthy.
	Error string `json:"error,omitempty"`
}

// WorkerStatus is returned by a worker's GET /v1/status.
type WorkerStatus struct {
	Stage          int            `json:"stage"`
	StartLayer     int            `json:"start_layer"`
	EndLayer       int            `json:"end_layer"`
	TotalLayers    int            `json:"total_layers"`
	First          bool           `json:"first"`
	Terminal       bool           `json:"terminal"`
	WeightsPath    string         `json:"weights_path"`
	Tensors        int            `json:"tensors"`
	Mapped         bool           `json:"mapped"`
	NextStage      string         `json:"next_stage,omitempty"`
	BatchesTotal   uint64         `json:"batches_total"`
	EvictionsTotal uint64         `json:"evictions_total"`
	KVEntries      int            `json:"kv_entries"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	ServerTimeUnix int64          `json:"server_time_unix"`
	Health         HealthResponse `json:"health"`
}

// ReplicaStatus is the router's view of one pipeline replica.
type ReplicaStatus struct {
	// example: replica-0
	ID string `json:"id" example:"replica-0"`
	// example: http://10.0.0.5:50051
	Endpoint string `json:"endpoint" example:"http://10.0.0.5:50051"`
	// example: healthy
	State                string  `json:"state" example:"healthy"`
	QueueDepth           int     `json:"queue_depth"`
	Capacity             int     `json:"capacity"`
	Load                 float64 `json:"load"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	LastCheckUnix        int64   `json:"last_check_unix,omitempty"`
	LastError            string  `json:"last_error,omitempty"`
}

// RouterStatus is returned by the router's GET /v1/replicas.
type RouterStatus struct {
	Replicas       []ReplicaStatus `json:"replicas"`
	Healthy        int             `json:"healthy"`
	Inflight       int64           `json:"inflight"`
	MaxConcurrent  int64           `json:"max_concurrent"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	ServerTimeUnix int64           `json:"server_time_unix"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: overloaded: stage queue full (64/64)
	Error string `json:"error" example:"overloaded: stage queue full (64/64)"`
	// Error kind.
	// example: overload
	Kind string `json:"kind,omitempty" example:"overload"`
	// HTTP status code.
	// example: 429
	Code int `json:"code" example:"429"`
}
