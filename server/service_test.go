package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/chazu/pcode/pkg/ast"
	"github.com/chazu/pcode/pkg/pcode"
	"github.com/chazu/pcode/vm"
	"github.com/stretchr/testify/require"
)

func callGenerate(t *testing.T, req *GenerateRequest) *GenerateResponse {
	t.Helper()
	client := newClient[GenerateRequest, GenerateResponse](GenerateProcedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(req))
	require.NoError(t, err)
	return resp.Msg
}

// collect runs Execute and returns every streamed event.
func collect(t *testing.T, ctx context.Context, req *ExecuteRequest) []ExecuteEvent {
	t.Helper()
	client := newClient[ExecuteRequest, ExecuteEvent](ExecuteProcedure)
	stream, err := client.CallServerStream(ctx, connect.NewRequest(req))
	require.NoError(t, err)
	defer stream.Close()

	var events []ExecuteEvent
	for stream.Receive() {
		events = append(events, *stream.Msg())
	}
	require.NoError(t, stream.Err())
	return events
}

func output(events []ExecuteEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == EventOutput {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestServiceGenerateAndExecute(t *testing.T) {
	gen := callGenerate(t, &GenerateRequest{Tree: []byte(countdownYAML)})
	require.Empty(t, gen.Diagnostics)
	require.NotEmpty(t, gen.Artifact)
	require.Empty(t, gen.ArtifactID)

	prog, err := pcode.Decode(gen.Artifact)
	require.NoError(t, err)
	require.Positive(t, prog.Len())

	events := collect(t, context.Background(), &ExecuteRequest{
		Program: ProgramRef{Artifact: gen.Artifact},
		Input:   []string{"4"},
	})
	require.GreaterOrEqual(t, len(events), 3)

	first, last := events[0], events[len(events)-1]
	require.Equal(t, EventStarted, first.Kind)
	require.NotEmpty(t, first.ExecutionID)
	require.Equal(t, EventStatus, last.Kind)
	require.Equal(t, first.ExecutionID, last.ExecutionID)
	require.Equal(t, vm.StateHalted.String(), last.State)
	require.Empty(t, last.Fault)

	require.Equal(t, "4 3 2 1 \n", output(events))
}

func TestServiceGenerateCBORTree(t *testing.T) {
	tree, err := ast.Load([]byte(countdownYAML), ast.FormatYAML)
	require.NoError(t, err)
	data, err := ast.MarshalCBOR(tree)
	require.NoError(t, err)

	gen := callGenerate(t, &GenerateRequest{Tree: data, Format: string(ast.FormatCBOR)})
	require.Empty(t, gen.Diagnostics)
	require.NotEmpty(t, gen.Artifact)
}

func TestServiceGenerateDiagnostics(t *testing.T) {
	const bad = `
name: bad
block:
  depth: 0
  body:
    kind: compound
    stmts:
      - {kind: call, proc: nowhere, name: nowhere, line: 2}
      - kind: write
        line: 3
        args: [{kind: var, name: ghost, type: int, line: 3}]
`
	gen := callGenerate(t, &GenerateRequest{Tree: []byte(bad)})
	require.Empty(t, gen.Artifact)
	require.Len(t, gen.Diagnostics, 2)
	require.Contains(t, gen.Diagnostics[0], "line 2")
	require.Contains(t, gen.Diagnostics[1], "line 3")
}

func TestServiceGenerateRejectsBadTree(t *testing.T) {
	client := newClient[GenerateRequest, GenerateResponse](GenerateProcedure)

	_, err := client.CallUnary(context.Background(), connect.NewRequest(&GenerateRequest{}))
	require.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = client.CallUnary(context.Background(), connect.NewRequest(&GenerateRequest{
		Tree: []byte("name: x\nblock: {body: {kind: teleport}}\n"),
	}))
	require.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestServiceStoredArtifacts(t *testing.T) {
	gen := callGenerate(t, &GenerateRequest{Tree: []byte(divideYAML), Store: true})
	require.NotEmpty(t, gen.ArtifactID)

	events := collect(t, context.Background(), &ExecuteRequest{
		Program: ProgramRef{ArtifactID: gen.ArtifactID},
	})
	last := events[len(events)-1]
	require.Equal(t, vm.StateFaulted.String(), last.State)
	require.Equal(t, vm.ErrDivisionByZero.Error(), last.Fault)
	require.Contains(t, last.Text, "line 3")

	var errs []string
	for _, ev := range events {
		if ev.Kind == EventError {
			errs = append(errs, ev.Text)
		}
	}
	require.Len(t, errs, 1, "a fault is streamed exactly once")
	require.Equal(t, "before", output(events))

	list := newClient[ListArtifactsRequest, ListArtifactsResponse](ListArtifactsProcedure)
	resp, err := list.CallUnary(context.Background(), connect.NewRequest(&ListArtifactsRequest{}))
	require.NoError(t, err)
	found := false
	for _, info := range resp.Msg.Artifacts {
		if info.ID == gen.ArtifactID {
			found = true
			require.Equal(t, "divide", info.Name)
		}
	}
	require.True(t, found, "stored artifact not listed")
}

func TestServiceUnknownArtifact(t *testing.T) {
	client := newClient[ExecuteRequest, ExecuteEvent](ExecuteProcedure)
	stream, err := client.CallServerStream(context.Background(), connect.NewRequest(&ExecuteRequest{
		Program: ProgramRef{ArtifactID: string(NewExecutionID())},
	}))
	require.NoError(t, err)
	defer stream.Close()
	require.False(t, stream.Receive())
	require.Equal(t, connect.CodeNotFound, connect.CodeOf(stream.Err()))
}

func TestServiceCancel(t *testing.T) {
	gen := callGenerate(t, &GenerateRequest{Tree: []byte(spinYAML)})

	client := newClient[ExecuteRequest, ExecuteEvent](ExecuteProcedure)
	stream, err := client.CallServerStream(context.Background(), connect.NewRequest(&ExecuteRequest{
		Program: ProgramRef{Artifact: gen.Artifact},
	}))
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.Receive())
	started := stream.Msg()
	require.Equal(t, EventStarted, started.Kind)

	cancel := newClient[CancelRequest, CancelResponse](CancelProcedure)
	_, err = cancel.CallUnary(context.Background(), connect.NewRequest(&CancelRequest{ExecutionID: started.ExecutionID}))
	require.NoError(t, err)

	var last ExecuteEvent
	for stream.Receive() {
		last = *stream.Msg()
	}
	require.NoError(t, stream.Err())
	require.Equal(t, EventStatus, last.Kind)
	require.Equal(t, vm.ErrCancelled.Error(), last.Fault)

	_, err = cancel.CallUnary(context.Background(), connect.NewRequest(&CancelRequest{ExecutionID: started.ExecutionID}))
	require.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	_, err = cancel.CallUnary(context.Background(), connect.NewRequest(&CancelRequest{}))
	require.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestServiceClientDisconnectCancels(t *testing.T) {
	gen := callGenerate(t, &GenerateRequest{Tree: []byte(spinYAML)})

	ctx, cancel := context.WithCancel(context.Background())
	client := newClient[ExecuteRequest, ExecuteEvent](ExecuteProcedure)
	stream, err := client.CallServerStream(ctx, connect.NewRequest(&ExecuteRequest{
		Program: ProgramRef{Artifact: gen.Artifact},
	}))
	require.NoError(t, err)
	require.True(t, stream.Receive())
	cancel()
	stream.Close()

	require.Eventually(t, func() bool {
		return len(sharedServer.Runner().Running()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceDump(t *testing.T) {
	gen := callGenerate(t, &GenerateRequest{Tree: []byte(countdownYAML)})

	client := newClient[DumpRequest, DumpResponse](DumpProcedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&DumpRequest{
		Program: ProgramRef{Artifact: gen.Artifact},
		Name:    "countdown",
	}))
	require.NoError(t, err)
	require.Contains(t, resp.Msg.Text, "; === countdown ===")
	require.Contains(t, resp.Msg.Text, "RED 0,0")
	require.Contains(t, resp.Msg.Text, "HLT")

	_, err = client.CallUnary(context.Background(), connect.NewRequest(&DumpRequest{
		Program: ProgramRef{Artifact: []byte("garbage")},
	}))
	require.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestServiceListenersSeeEveryExecution(t *testing.T) {
	rec := &vm.Recorder{}
	srv, err := New(WithListeners(rec))
	require.NoError(t, err)
	defer srv.Stop(context.Background())
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	generate := connect.NewClient[GenerateRequest, GenerateResponse](
		hs.Client(), hs.URL+GenerateProcedure, connect.WithCodec(CBORCodec{}))
	_, err = generate.CallUnary(context.Background(), connect.NewRequest(&GenerateRequest{
		Tree: []byte(divideYAML), Store: true,
	}))
	require.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err), "no store configured")

	gen, err := generate.CallUnary(context.Background(), connect.NewRequest(&GenerateRequest{Tree: []byte(divideYAML)}))
	require.NoError(t, err)

	execute := connect.NewClient[ExecuteRequest, ExecuteEvent](
		hs.Client(), hs.URL+ExecuteProcedure, connect.WithCodec(CBORCodec{}))
	for i := 0; i < 2; i++ {
		stream, err := execute.CallServerStream(context.Background(), connect.NewRequest(&ExecuteRequest{
			Program: ProgramRef{Artifact: gen.Msg.Artifact},
		}))
		require.NoError(t, err)
		for stream.Receive() {
		}
		require.NoError(t, stream.Err())
		stream.Close()
	}

	require.Equal(t, "beforebefore", rec.Text())
	require.Len(t, rec.Errors(), 2)
}

func TestServerRejectsDuplicateListeners(t *testing.T) {
	rec := &vm.Recorder{}
	_, err := New(WithListeners(rec, rec))
	require.ErrorIs(t, err, ErrDuplicateListener)

	runner := NewRunner()
	defer runner.Close()
	_, err = NewService(runner, nil, vm.SinkFuncs{})
	require.ErrorIs(t, err, ErrUncomparableListener)
}
