package server

// Fully-qualified procedure names of the execution service.
const (
	ExecutionServiceName = "pcode.v1.ExecutionService"

	GenerateProcedure      = "/" + ExecutionServiceName + "/Generate"
	ExecuteProcedure       = "/" + ExecutionServiceName + "/Execute"
	CancelProcedure        = "/" + ExecutionServiceName + "/Cancel"
	DumpProcedure          = "/" + ExecutionServiceName + "/Dump"
	ListArtifactsProcedure = "/" + ExecutionServiceName + "/ListArtifacts"
)

// GenerateRequest carries an annotated tree document.
type GenerateRequest struct {
	Tree   []byte `cbor:"tree"`
	Format string `cbor:"format,omitempty"` // "", "cbor", "yaml" or "json"
	Name   string `cbor:"name,omitempty"`   // Artifact name; defaults to the tree's name
	Store  bool   `cbor:"store,omitempty"`  // Persist the result in the artifact store
}

// GenerateResponse carries the encoded Program, or the diagnostics that
// prevented generating one.
type GenerateResponse struct {
	Artifact    []byte   `cbor:"artifact,omitempty"`
	ArtifactID  string   `cbor:"artifact_id,omitempty"`
	Diagnostics []string `cbor:"diagnostics,omitempty"`
}

// ProgramRef names a Program either inline (encoded bytes) or by the ID of a
// stored artifact. Inline bytes win when both are set.
type ProgramRef struct {
	Artifact   []byte `cbor:"artifact,omitempty"`
	ArtifactID string `cbor:"artifact_id,omitempty"`
}

// ExecuteRequest starts an execution. Input values are served in order;
// reading past the end faults with InputExhausted.
type ExecuteRequest struct {
	Program ProgramRef `cbor:"program"`
	Input   []string   `cbor:"input,omitempty"`
}

// Event kinds streamed by Execute.
const (
	EventStarted = "started"
	EventOutput  = "output"
	EventError   = "error"
	EventStatus  = "status"
)

// ExecuteEvent is one message of the Execute stream: a "started" message
// carrying the execution ID, one message per output or error notification,
// then a final "status" message.
type ExecuteEvent struct {
	ExecutionID string `cbor:"execution_id,omitempty"`
	Kind        string `cbor:"kind"`
	Text        string `cbor:"text,omitempty"`
	State       string `cbor:"state,omitempty"` // Final state on "status"
	Steps       int64  `cbor:"steps,omitempty"`
	Fault       string `cbor:"fault,omitempty"` // Fault kind on a faulted "status"
}

// CancelRequest cancels a running execution.
type CancelRequest struct {
	ExecutionID string `cbor:"execution_id"`
}

// CancelResponse is empty.
type CancelResponse struct{}

// DumpRequest asks for the human-readable listing of a Program.
type DumpRequest struct {
	Program ProgramRef `cbor:"program"`
	Name    string     `cbor:"name,omitempty"`
}

// DumpResponse carries the listing.
type DumpResponse struct {
	Text string `cbor:"text"`
}

// ListArtifactsRequest is empty.
type ListArtifactsRequest struct{}

// ListArtifactsResponse lists stored artifacts, oldest first.
type ListArtifactsResponse struct {
	Artifacts []ArtifactInfo `cbor:"artifacts"`
}
