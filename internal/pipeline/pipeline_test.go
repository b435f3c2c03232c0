package pipeline_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/pipeline"
)

// --- Fakes ---

type fakeFilter struct {
	id    string
	pass  bool
	err   error
	calls int
	hook  func()
}

func (f *fakeFilter) ID() string { return f.id }

func (f *fakeFilter) Allow(_ context.Context, _ *event.Event) (bool, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	return f.pass, f.err
}

type fakeTransformer struct {
	id    string
	fn    func(*event.Event) (*event.Event, error)
	calls int
}

func (t *fakeTransformer) ID() string { return t.id }

func (t *fakeTransformer) Transform(_ context.Context, ev *event.Event) (*event.Event, error) {
	t.calls++
	if t.fn == nil {
		return ev, nil
	}
	return t.fn(ev)
}

type fakeOutput struct {
	id       string
	sendErr  error
	startErr error
	stopErr  error
	sendFn   func(context.Context, *event.Event) error

	mu      sync.Mutex
	events  []*event.Event
	started int
	stopped int
}

func (o *fakeOutput) ID() string { return o.id }

func (o *fakeOutput) Start(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
	return o.startErr
}

func (o *fakeOutput) Stop(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped++
	return o.stopErr
}

func (o *fakeOutput) Send(ctx context.Context, ev *event.Event) error {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
	if o.sendFn != nil {
		return o.sendFn(ctx, ev)
	}
	return o.sendErr
}

func (o *fakeOutput) received() []*event.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*event.Event, len(o.events))
	copy(out, o.events)
	return out
}

func (o *fakeOutput) counts() (started, stopped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started, o.stopped
}

// --- Process ---

func TestPipeline_ProcessHappyPath(t *testing.T) {
	f := &fakeFilter{id: "tstmsg", pass: true}
	tr := &fakeTransformer{id: "parse"}
	outA := &fakeOutput{id: "console"}
	outB := &fakeOutput{id: "mqtt"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithFilters(f),
		pipeline.WithTransformer(tr),
		pipeline.WithOutputs(outA, outB))

	ev := testEvent(t)
	delivered, err := p.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !delivered {
		t.Fatal("Process = false, want true")
	}

	for _, o := range []*fakeOutput{outA, outB} {
		got := o.received()
		if len(got) != 1 {
			t.Fatalf("output %s received %d events, want 1", o.id, len(got))
		}
		recv := got[0]
		if recv.Meta.EventID != ev.Meta.EventID || recv.Meta.TraceID != ev.Meta.TraceID {
			t.Errorf("output %s: event identity changed", o.id)
		}
		if recv.Meta.Stage != event.StageOutput {
			t.Errorf("output %s: stage = %v, want %v", o.id, recv.Meta.Stage, event.StageOutput)
		}
		if _, ok := recv.Meta.Custom["tstmsg_duration_ms"]; !ok {
			t.Errorf("output %s: missing filter duration annotation", o.id)
		}
		if got, want := recv.Meta.Custom["transformed_by"], "parse"; got != want {
			t.Errorf("output %s: transformed_by = %v, want %v", o.id, got, want)
		}
	}

	stats := p.Stats()
	if stats.Processed != 1 || stats.Delivered != 1 || stats.Filtered != 0 || stats.Failed != 0 {
		t.Errorf("Stats = %+v, want 1 processed / 1 delivered", stats)
	}
}

func TestPipeline_FilterDropShortCircuits(t *testing.T) {
	first := &fakeFilter{id: "first", pass: true}
	dropper := &fakeFilter{id: "dropper", pass: false}
	unreached := &fakeFilter{id: "unreached", pass: true}
	tr := &fakeTransformer{id: "parse"}
	out := &fakeOutput{id: "console"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithFilters(first, dropper, unreached),
		pipeline.WithTransformer(tr),
		pipeline.WithOutputs(out))

	delivered, err := p.Process(context.Background(), testEvent(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if delivered {
		t.Fatal("Process = true, want false for filtered event")
	}
	if first.calls != 1 || dropper.calls != 1 {
		t.Errorf("filter calls = %d/%d, want 1/1", first.calls, dropper.calls)
	}
	if unreached.calls != 0 {
		t.Errorf("filter after the drop ran %d times, want 0", unreached.calls)
	}
	if tr.calls != 0 {
		t.Errorf("transformer ran %d times after drop, want 0", tr.calls)
	}
	if len(out.received()) != 0 {
		t.Errorf("output received %d events after drop, want 0", len(out.received()))
	}
	if got := p.Stats().Filtered; got != 1 {
		t.Errorf("Stats.Filtered = %d, want 1", got)
	}
}

func TestPipeline_FiltersRunInRegistrationOrder(t *testing.T) {
	var order []string
	mk := func(id string) *fakeFilter {
		f := &fakeFilter{id: id, pass: true}
		f.hook = func() { order = append(order, id) }
		return f
	}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithFilters(mk("a"), mk("b"), mk("c")))

	if _, err := p.Process(context.Background(), testEvent(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(order, want) {
		t.Errorf("filter order = %v, want %v", order, want)
	}
}

func TestPipeline_FilterErrorFailsFast(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeFilter{id: "bad", err: boom}
	out := &fakeOutput{id: "console"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithFilters(f),
		pipeline.WithOutputs(out))

	delivered, err := p.Process(context.Background(), testEvent(t))
	if delivered || !errors.Is(err, boom) {
		t.Fatalf("Process = (%v, %v), want (false, boom)", delivered, err)
	}
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != event.StageFilter || se.StageID != "bad" {
		t.Errorf("error = %v, want StageError at filter.bad", err)
	}
	if len(out.received()) != 0 {
		t.Error("output ran after filter error")
	}
	if got := p.Stats().Failed; got != 1 {
		t.Errorf("Stats.Failed = %d, want 1", got)
	}
}

func TestPipeline_FilterErrorContinueTreatsAsPass(t *testing.T) {
	h := pipeline.NewHandler(discardLogger(),
		pipeline.WithPolicy("filter.flaky", pipeline.Policy{Strategy: pipeline.Continue}))
	f := &fakeFilter{id: "flaky", pass: false, err: errors.New("lookup failed")}
	out := &fakeOutput{id: "console"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithErrorHandler(h),
		pipeline.WithFilters(f),
		pipeline.WithOutputs(out))

	delivered, err := p.Process(context.Background(), testEvent(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !delivered {
		t.Fatal("Process = false, want true (erroring filter abstains)")
	}
	if len(out.received()) != 1 {
		t.Errorf("output received %d events, want 1", len(out.received()))
	}
}

func TestPipeline_TransformerReplacesEvent(t *testing.T) {
	tr := &fakeTransformer{id: "extract", fn: func(ev *event.Event) (*event.Event, error) {
		return ev.WithXML("<alert/>"), nil
	}}
	out := &fakeOutput{id: "console"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithTransformer(tr),
		pipeline.WithOutputs(out))

	ev := testEvent(t)
	if _, err := p.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := out.received()
	if len(got) != 1 {
		t.Fatalf("output received %d events, want 1", len(got))
	}
	if got[0].Kind != event.KindXML || got[0].XML != "<alert/>" {
		t.Errorf("output saw kind %v, want transformed XML event", got[0].Kind)
	}
	if got[0].Meta.EventID != ev.Meta.EventID {
		t.Error("transformed event lost its identity")
	}
}

func TestPipeline_TransformerErrorAborts(t *testing.T) {
	boom := errors.New("parse exploded")
	tr := &fakeTransformer{id: "parse", fn: func(*event.Event) (*event.Event, error) {
		return nil, boom
	}}
	out := &fakeOutput{id: "console"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithTransformer(tr),
		pipeline.WithOutputs(out))

	delivered, err := p.Process(context.Background(), testEvent(t))
	if delivered || !errors.Is(err, boom) {
		t.Fatalf("Process = (%v, %v), want (false, boom)", delivered, err)
	}
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != event.StageTransform {
		t.Errorf("error = %v, want StageError at transform stage", err)
	}
	if len(out.received()) != 0 {
		t.Error("output ran after transformer error")
	}
}

func TestPipeline_TransformerErrorContinueKeepsOriginal(t *testing.T) {
	h := pipeline.NewHandler(discardLogger(),
		pipeline.WithPolicy("transform.parse", pipeline.Policy{Strategy: pipeline.Continue}))
	tr := &fakeTransformer{id: "parse", fn: func(*event.Event) (*event.Event, error) {
		return nil, errors.New("bad product")
	}}
	out := &fakeOutput{id: "console"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithErrorHandler(h),
		pipeline.WithTransformer(tr),
		pipeline.WithOutputs(out))

	delivered, err := p.Process(context.Background(), testEvent(t))
	if err != nil || !delivered {
		t.Fatalf("Process = (%v, %v), want (true, nil)", delivered, err)
	}
	got := out.received()
	if len(got) != 1 {
		t.Fatalf("output received %d events, want 1", len(got))
	}
	if got[0].Kind != event.KindRaw {
		t.Errorf("output saw kind %v, want untransformed raw event", got[0].Kind)
	}
}

func TestPipeline_OutputErrorsAllAttemptedFirstRaised(t *testing.T) {
	errB := errors.New("mqtt down")
	errC := errors.New("db down")
	outA := &fakeOutput{id: "a"}
	outB := &fakeOutput{id: "b", sendErr: errB}
	outC := &fakeOutput{id: "c", sendErr: errC}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithOutputs(outA, outB, outC))

	delivered, err := p.Process(context.Background(), testEvent(t))
	if delivered {
		t.Fatal("Process = true, want false when an output failed")
	}
	if !errors.Is(err, errB) {
		t.Fatalf("Process error = %v, want first registered failure %v", err, errB)
	}
	for _, o := range []*fakeOutput{outA, outB, outC} {
		if len(o.received()) != 1 {
			t.Errorf("output %s attempted %d times, want 1", o.id, len(o.received()))
		}
	}
	got := outA.received()[0].Meta.Custom["output_errors"]
	if want := []string{"b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("output_errors annotation = %v, want %v", got, want)
	}
}

func TestPipeline_OutputsRunConcurrently(t *testing.T) {
	ready := make(chan string, 2)
	release := make(chan struct{})
	mk := func(id string) *fakeOutput {
		return &fakeOutput{id: id, sendFn: func(context.Context, *event.Event) error {
			ready <- id
			<-release
			return nil
		}}
	}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithOutputs(mk("a"), mk("b")))

	done := make(chan error, 1)
	go func() {
		_, err := p.Process(context.Background(), testEvent(t))
		done <- err
	}()

	// Both sends must be in flight at once; sequential dispatch would
	// park the second behind the release barrier.
	for i := 0; i < 2; i++ {
		select {
		case <-ready:
		case <-time.After(2 * time.Second):
			t.Fatal("outputs did not run concurrently")
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestPipeline_NilEventRejected(t *testing.T) {
	p := pipeline.New("main", pipeline.WithLogger(discardLogger()))
	if _, err := p.Process(context.Background(), nil); err == nil {
		t.Fatal("Process(nil) = nil error, want error")
	}
}

// --- Lifecycle ---

func TestPipeline_StartStopIdempotent(t *testing.T) {
	outA := &fakeOutput{id: "a"}
	outB := &fakeOutput{id: "b"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithOutputs(outA, outB))

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	for _, o := range []*fakeOutput{outA, outB} {
		if started, _ := o.counts(); started != 1 {
			t.Errorf("output %s started %d times, want 1", o.id, started)
		}
	}

	p.Stop(ctx)
	p.Stop(ctx)
	for _, o := range []*fakeOutput{outA, outB} {
		if _, stopped := o.counts(); stopped != 1 {
			t.Errorf("output %s stopped %d times, want 1", o.id, stopped)
		}
	}
}

func TestPipeline_StartFailureLeavesEarlierOutputsStarted(t *testing.T) {
	outA := &fakeOutput{id: "a"}
	outB := &fakeOutput{id: "b", startErr: errors.New("no broker")}
	outC := &fakeOutput{id: "c"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithOutputs(outA, outB, outC))

	ctx := context.Background()
	if err := p.Start(ctx); err == nil {
		t.Fatal("Start = nil, want error")
	}
	if started, _ := outA.counts(); started != 1 {
		t.Errorf("output a started %d times, want 1", started)
	}
	if started, _ := outC.counts(); started != 0 {
		t.Errorf("output c started %d times, want 0", started)
	}

	// The caller is still responsible for Stop after a failed Start.
	p.Stop(ctx)
	if _, stopped := outA.counts(); stopped != 1 {
		t.Errorf("output a stopped %d times, want 1", stopped)
	}
}

func TestPipeline_StopErrorsDoNotAbortRemainingStops(t *testing.T) {
	outA := &fakeOutput{id: "a", stopErr: errors.New("hang up")}
	outB := &fakeOutput{id: "b"}
	p := pipeline.New("main",
		pipeline.WithLogger(discardLogger()),
		pipeline.WithOutputs(outA, outB))

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop(ctx)
	if _, stopped := outB.counts(); stopped != 1 {
		t.Errorf("output b stopped %d times, want 1", stopped)
	}
}
