package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/chazu/pcode/pkg/ast"
	"github.com/chazu/pcode/pkg/codegen"
	"github.com/chazu/pcode/pkg/pcode"
	"github.com/chazu/pcode/vm"
)

// Service implements the execution service: generate P-Code from annotated
// trees, run it with streamed output, cancel runs and dump listings.
type Service struct {
	runner    *Runner
	store     *Store  // nil disables artifact IDs
	listeners *Fanout // observers of every execution
}

// NewService creates a Service. store may be nil. listeners receive every
// output and error notification of every execution, in addition to the
// requesting stream. A listener given twice fails with ErrDuplicateListener.
func NewService(runner *Runner, store *Store, listeners ...vm.Sink) (*Service, error) {
	fan, err := NewFanout(listeners...)
	if err != nil {
		return nil, err
	}
	return &Service{runner: runner, store: store, listeners: fan}, nil
}

// Handlers returns the Connect handlers of the service keyed by procedure.
func (s *Service) Handlers(opts ...connect.HandlerOption) map[string]http.Handler {
	opts = append([]connect.HandlerOption{connect.WithCodec(CBORCodec{})}, opts...)
	return map[string]http.Handler{
		GenerateProcedure:      connect.NewUnaryHandler(GenerateProcedure, s.Generate, opts...),
		ExecuteProcedure:       connect.NewServerStreamHandler(ExecuteProcedure, s.Execute, opts...),
		CancelProcedure:        connect.NewUnaryHandler(CancelProcedure, s.Cancel, opts...),
		DumpProcedure:          connect.NewUnaryHandler(DumpProcedure, s.Dump, opts...),
		ListArtifactsProcedure: connect.NewUnaryHandler(ListArtifactsProcedure, s.ListArtifacts, opts...),
	}
}

// Generate lowers a tree document to an encoded Program.
func (s *Service) Generate(
	ctx context.Context,
	req *connect.Request[GenerateRequest],
) (*connect.Response[GenerateResponse], error) {
	if len(req.Msg.Tree) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("tree is required"))
	}
	if req.Msg.Store && s.store == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no artifact store configured"))
	}

	tree, err := ast.Load(req.Msg.Tree, ast.Format(req.Msg.Format))
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	prog, diags := codegen.Generate(tree)
	if len(diags) > 0 {
		resp := &GenerateResponse{}
		for _, d := range diags {
			resp.Diagnostics = append(resp.Diagnostics, d.Error())
		}
		log.Debugf("generate %q: %d diagnostics", tree.Name, len(diags))
		return connect.NewResponse(resp), nil
	}

	resp := &GenerateResponse{Artifact: pcode.Encode(prog)}
	if req.Msg.Store {
		name := req.Msg.Name
		if name == "" {
			name = tree.Name
		}
		id, err := s.store.Put(ctx, name, prog)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		resp.ArtifactID = id
	}
	return connect.NewResponse(resp), nil
}

// Execute runs a Program, streaming a "started" event, every output and
// error notification, and a final "status" event. Closing the stream
// cancels the execution.
func (s *Service) Execute(
	ctx context.Context,
	req *connect.Request[ExecuteRequest],
	stream *connect.ServerStream[ExecuteEvent],
) error {
	prog, err := s.program(ctx, req.Msg.Program)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := newStreamSink(ctx)
	sinks := []vm.Sink{events}
	if s.listeners.Len() > 0 {
		sinks = append(sinks, s.listeners)
	}
	fan, err := NewFanout(sinks...)
	if err != nil {
		return connect.NewError(connect.CodeInternal, err)
	}

	id, err := s.runner.Start(ctx, prog, vm.NewScriptedInput(req.Msg.Input...), fan)
	if err != nil {
		if errors.Is(err, ErrProgramBusy) {
			return connect.NewError(connect.CodeAborted, err)
		}
		return connect.NewError(connect.CodeUnavailable, err)
	}

	done := make(chan Result, 1)
	go func() {
		res, _ := s.runner.Wait(context.Background(), id)
		done <- res
	}()

	if err := stream.Send(&ExecuteEvent{ExecutionID: string(id), Kind: EventStarted}); err != nil {
		return err
	}

	for {
		select {
		case ev := <-events.ch:
			if err := stream.Send(ev); err != nil {
				return err
			}
		case res := <-done:
			// The machine has stopped, so nothing else writes to the queue.
			for len(events.ch) > 0 {
				if err := stream.Send(<-events.ch); err != nil {
					return err
				}
			}
			return stream.Send(statusEvent(res))
		}
	}
}

func statusEvent(res Result) *ExecuteEvent {
	ev := &ExecuteEvent{
		ExecutionID: string(res.ID),
		Kind:        EventStatus,
		State:       res.State.String(),
		Steps:       res.Steps,
	}
	switch {
	case res.Fault != nil:
		ev.Fault = res.Fault.Kind.String()
		ev.Text = res.Fault.Error()
	case res.Err != nil:
		ev.Text = res.Err.Error()
	}
	return ev
}

// Cancel cancels a running execution.
func (s *Service) Cancel(
	ctx context.Context,
	req *connect.Request[CancelRequest],
) (*connect.Response[CancelResponse], error) {
	if req.Msg.ExecutionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("execution_id is required"))
	}
	if err := s.runner.Cancel(ExecutionID(req.Msg.ExecutionID)); err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	return connect.NewResponse(&CancelResponse{}), nil
}

// Dump renders the listing of a Program.
func (s *Service) Dump(
	ctx context.Context,
	req *connect.Request[DumpRequest],
) (*connect.Response[DumpResponse], error) {
	prog, err := s.program(ctx, req.Msg.Program)
	if err != nil {
		return nil, err
	}
	name := req.Msg.Name
	if name == "" {
		name = req.Msg.Program.ArtifactID
	}
	return connect.NewResponse(&DumpResponse{Text: pcode.DumpWithName(prog, name)}), nil
}

// ListArtifacts lists the stored artifacts.
func (s *Service) ListArtifacts(
	ctx context.Context,
	req *connect.Request[ListArtifactsRequest],
) (*connect.Response[ListArtifactsResponse], error) {
	if s.store == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no artifact store configured"))
	}
	infos, err := s.store.List(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ListArtifactsResponse{Artifacts: infos}), nil
}

// program resolves ref to a Program.
func (s *Service) program(ctx context.Context, ref ProgramRef) (*pcode.Program, error) {
	switch {
	case len(ref.Artifact) > 0:
		prog, err := pcode.Decode(ref.Artifact)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		return prog, nil
	case ref.ArtifactID != "":
		if s.store == nil {
			return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no artifact store configured"))
		}
		prog, err := s.store.Get(ctx, ref.ArtifactID)
		if err != nil {
			if errors.Is(err, ErrArtifactNotFound) {
				return nil, connect.NewError(connect.CodeNotFound, err)
			}
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return prog, nil
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("artifact or artifact_id is required"))
	}
}

// streamSink queues notifications for the Execute handler goroutine, which
// owns the stream.
type streamSink struct {
	ctx context.Context
	ch  chan *ExecuteEvent
}

func newStreamSink(ctx context.Context) *streamSink {
	return &streamSink{ctx: ctx, ch: make(chan *ExecuteEvent, 64)}
}

func (s *streamSink) Output(text string) { s.send(EventOutput, text) }
func (s *streamSink) Error(text string)  { s.send(EventError, text) }

func (s *streamSink) send(kind, text string) {
	select {
	case s.ch <- &ExecuteEvent{Kind: kind, Text: text}:
	case <-s.ctx.Done():
	}
}
