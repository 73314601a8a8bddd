package decode

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/logits"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/moe"
	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/rope"
	"github.com/samcharles93/meshdecode/internal/weights"
)

type fixture struct {
	cfg  config.Config
	mesh *mesh.Mesh
	w    *weights.Set
	rot  *rope.Replicated
}

func newFixture(t *testing.T, cfg config.Config, edit func(weights.StateDict)) *fixture {
	t.Helper()
	ctx := context.Background()
	devs, err := device.Open(device.Emulated, cfg.MeshSize)
	if err != nil {
		t.Fatalf("device.Open: %v", err)
	}
	m, err := mesh.New(devs)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	sd := weights.Synthetic(cfg, cfg.Seed)
	if edit != nil {
		edit(sd)
	}
	layers := make([]int, cfg.Layers)
	for i := range layers {
		layers[i] = i
	}
	w, err := weights.Load(ctx, m, sd, layers, cfg.Experts, weights.RoundRobin(cfg.Experts, m.Size()), weights.OptionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("weights.Load: %v", err)
	}
	set, err := rope.ForModel(cfg)
	if err != nil {
		t.Fatalf("rope.ForModel: %v", err)
	}
	rot, err := rope.Replicate(ctx, m, set)
	if err != nil {
		t.Fatalf("rope.Replicate: %v", err)
	}
	return &fixture{cfg: cfg, mesh: m, w: w, rot: rot}
}

func (f *fixture) open(t *testing.T, programs *program.Cache) *Session {
	t.Helper()
	s, err := Open(context.Background(), f.mesh, f.w, f.rot, programs, f.cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func positions(t *testing.T, s *Session, layer, dev int) []int {
	t.Helper()
	view, err := s.WindowView(layer, dev)
	if err != nil {
		t.Fatalf("WindowView: %v", err)
	}
	out := make([]int, len(view))
	for i, e := range view {
		out[i] = e.Position
	}
	return out
}

func seq(lo, hi int) []int {
	var out []int
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

func TestDecodeTenIdenticalTokens(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	f := newFixture(t, cfg, nil)
	programs := program.NewCache(device.HostCompiler{})
	s := f.open(t, programs)
	if s.State() != Uninitialized {
		t.Fatalf("state after Open = %v", s.State())
	}

	var afterFirst map[string]int
	for pos := 0; pos < 10; pos++ {
		res, err := s.Step(context.Background(), pos, []int{7})
		if err != nil {
			t.Fatalf("Step(%d): %v", pos, err)
		}
		if res.Position != pos || s.Position() != pos {
			t.Fatalf("step %d reported position %d, session at %d", pos, res.Position, s.Position())
		}
		if diff := cmp.Diff([]int{1, cfg.Vocab}, res.Logits.Shape); diff != "" {
			t.Fatalf("logits shape (-want +got):\n%s", diff)
		}
		for _, v := range res.Logits.Data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("step %d produced non-finite logit %v", pos, v)
			}
		}
		if len(res.Experts) != 1 || res.Experts[0].Total() != cfg.Batch*cfg.TopK {
			t.Fatalf("step %d expert spread = %+v", pos, res.Experts)
		}

		stats := programs.Stats()
		if pos == 0 {
			if res.Compiles == 0 || res.State != WarmCompiling {
				t.Fatalf("first step compiles=%d state=%v", res.Compiles, res.State)
			}
			afterFirst = stats.PerKey
		} else if res.Compiles != 0 || res.Misses != 0 {
			t.Fatalf("step %d compiled %d programs (%d misses)", pos, res.Compiles, res.Misses)
		}
		for sig, n := range stats.PerKey {
			if n != 1 {
				t.Fatalf("step %d: %s compiled %d times", pos, sig, n)
			}
		}
		if diff := cmp.Diff(afterFirst, stats.PerKey); diff != "" {
			t.Fatalf("step %d changed the compiled set (-first +now):\n%s", pos, diff)
		}
	}
	if s.State() != SteadyState {
		t.Fatalf("state after 10 steps = %v", s.State())
	}

	for dev := 0; dev < cfg.MeshSize; dev++ {
		if diff := cmp.Diff(seq(0, 10), positions(t, s, 0, dev)); diff != "" {
			t.Fatalf("device %d window (-want +got):\n%s", dev, diff)
		}
	}
	if st := s.Stats(); st.Steps != 10 || st.Compiles != len(afterFirst) {
		t.Fatalf("session stats = %+v, %d distinct programs", st, len(afterFirst))
	}
}

func TestStepRejectsRepeatAndRewind(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	s := f.open(t, program.NewCache(device.HostCompiler{}))
	for pos := 0; pos < 3; pos++ {
		if _, err := s.Step(context.Background(), pos, []int{1}); err != nil {
			t.Fatalf("Step(%d): %v", pos, err)
		}
	}
	before := positions(t, s, 0, 4)
	state := s.State()

	for _, pos := range []int{2, 1, 4} {
		if _, err := s.Step(context.Background(), pos, []int{1}); !errors.Is(err, ErrNonSequentialStep) {
			t.Fatalf("Step(%d): err = %v, want ErrNonSequentialStep", pos, err)
		}
	}
	if diff := cmp.Diff(before, positions(t, s, 0, 4)); diff != "" {
		t.Fatalf("window changed (-before +after):\n%s", diff)
	}
	if s.State() != state || s.Position() != 2 {
		t.Fatalf("state %v position %d after rejected steps", s.State(), s.Position())
	}
}

func TestStepRejectsBadTokens(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	f := newFixture(t, cfg, nil)
	s := f.open(t, program.NewCache(device.HostCompiler{}))
	for _, toks := range [][]int{{}, {1, 2}, {-1}, {cfg.Vocab}} {
		if _, err := s.Step(context.Background(), 0, toks); !errors.Is(err, ErrInvalidTokens) {
			t.Fatalf("tokens %v: err = %v, want ErrInvalidTokens", toks, err)
		}
	}
	if s.State() != Uninitialized {
		t.Fatalf("state = %v", s.State())
	}
}

// failOn compiles with the host compiler except for op.
func failOn(op ops.Op) program.Compiler {
	return program.CompilerFunc(func(ctx context.Context, key program.Key) (*program.Program, error) {
		if key.Op == op {
			return nil, errors.New("no kernel for this shape")
		}
		return device.HostCompiler{}.Compile(ctx, key)
	})
}

func TestFatalErrorsFailTheSessionAndRollBack(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		edit    func(weights.StateDict)
		prepare func(*fixture)
		cache   *program.Cache
		want    error
	}{
		{
			name:  "compile failure",
			cache: program.NewCache(failOn(ops.Attention)),
			want:  program.ErrCompileFailure,
		},
		{
			name: "degenerate routing",
			edit: func(sd weights.StateDict) {
				sd[weights.LayerKey(0, "feed_forward.gate")].Data[0] = float32(math.NaN())
			},
			want: moe.ErrRoutingDegenerate,
		},
		{
			name: "device unavailable",
			prepare: func(f *fixture) {
				f.mesh.Device(3).(*device.EmulatedDevice).InjectFaults(1000)
			},
			want: device.ErrDeviceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, config.Default(), tt.edit)
			cache := tt.cache
			if cache == nil {
				cache = program.NewCache(device.HostCompiler{})
			}
			s := f.open(t, cache)
			if tt.prepare != nil {
				tt.prepare(f)
			}

			_, err := s.Step(context.Background(), 0, []int{3})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Step: err = %v, want %v", err, tt.want)
			}
			if s.State() != Failed || !errors.Is(s.Err(), tt.want) {
				t.Fatalf("state %v err %v", s.State(), s.Err())
			}
			for dev := 0; dev < f.cfg.MeshSize; dev++ {
				if got := positions(t, s, 0, dev); len(got) != 0 {
					t.Fatalf("device %d kept positions %v after a failed step", dev, got)
				}
			}
			if _, err := s.Step(context.Background(), 0, []int{3}); !errors.Is(err, ErrSessionFailed) {
				t.Fatalf("Step after failure: err = %v", err)
			}
			if _, err := s.Next(context.Background(), nil, []int{3}); !errors.Is(err, ErrSessionFailed) {
				t.Fatalf("Next after failure: err = %v", err)
			}
		})
	}
}

func TestCancelledStepKeepsSessionUsable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	s := f.open(t, program.NewCache(device.HostCompiler{}))
	if _, err := s.Step(context.Background(), 0, []int{2}); err != nil {
		t.Fatalf("Step(0): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Step(ctx, 1, []int{2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Step: err = %v", err)
	}
	if s.State() == Failed || s.Position() != 0 {
		t.Fatalf("state %v position %d after cancel", s.State(), s.Position())
	}
	if diff := cmp.Diff([]int{0}, positions(t, s, 0, 0)); diff != "" {
		t.Fatalf("window (-want +got):\n%s", diff)
	}
	if _, err := s.Step(context.Background(), 1, []int{2}); err != nil {
		t.Fatalf("Step(1) after cancel: %v", err)
	}
}

func TestDeadlineDuringSharedCompileFailsNeither(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	programs := program.NewCache(device.HostCompiler{Latency: 100 * time.Millisecond})
	a := f.open(t, programs)
	b := f.open(t, programs)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	var errB error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errB = b.Step(context.Background(), 0, []int{4})
	}()
	_, errA := a.Step(ctx, 0, []int{4})
	wg.Wait()

	if !errors.Is(errA, context.DeadlineExceeded) {
		t.Fatalf("Step with deadline: err = %v", errA)
	}
	if errB != nil {
		t.Fatalf("Step without deadline: %v", errB)
	}
	if a.State() != Uninitialized || a.Position() != -1 {
		t.Fatalf("timed out session: state %v position %d", a.State(), a.Position())
	}
	if b.State() == Failed {
		t.Fatalf("live session failed: %v", b.State())
	}
	if _, err := a.Step(context.Background(), 0, []int{4}); err != nil {
		t.Fatalf("retry after deadline: %v", err)
	}
}

func TestNonPersistentCacheNeverSettles(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	s := f.open(t, program.NewCache(device.HostCompiler{}, program.WithPersistent(false)))
	for pos := 0; pos < 3; pos++ {
		res, err := s.Step(context.Background(), pos, []int{5})
		if err != nil {
			t.Fatalf("Step(%d): %v", pos, err)
		}
		if res.Compiles == 0 {
			t.Fatalf("step %d reused a program with caching disabled", pos)
		}
	}
	if s.State() != WarmCompiling {
		t.Fatalf("state = %v, want %v", s.State(), WarmCompiling)
	}
}

func TestSharedCacheSettlesSecondSessionImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	programs := program.NewCache(device.HostCompiler{})
	first := f.open(t, programs)
	if _, err := first.Step(context.Background(), 0, []int{9}); err != nil {
		t.Fatalf("first Step: %v", err)
	}

	second := f.open(t, programs)
	res, err := second.Step(context.Background(), 0, []int{9})
	if err != nil {
		t.Fatalf("second Step: %v", err)
	}
	if res.Compiles != 0 || second.State() != SteadyState {
		t.Fatalf("second session compiled %d, state %v", res.Compiles, second.State())
	}
	// separate sessions produce the same logits for the same input
	if diff := cmp.Diff(first.LastLogits().Data, res.Logits.Data); diff != "" {
		t.Fatalf("logits differ between sessions (-first +second):\n%s", diff)
	}
}

func TestNextSamplesOrOverrides(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	s := f.open(t, program.NewCache(device.HostCompiler{}))
	greedy := logits.NewSampler(logits.SamplerConfig{})

	if _, err := s.Next(context.Background(), greedy, nil); !errors.Is(err, ErrNoLogits) {
		t.Fatalf("Next before any step: err = %v, want ErrNoLogits", err)
	}
	first, err := s.Step(context.Background(), 0, []int{4})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	res, err := s.Next(context.Background(), greedy, nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if diff := cmp.Diff(logits.Argmax(first.Logits), res.Tokens); diff != "" {
		t.Fatalf("sampled tokens (-want +got):\n%s", diff)
	}
	if res.Position != 1 {
		t.Fatalf("Next stepped at %d", res.Position)
	}

	forced, err := s.Next(context.Background(), greedy, []int{11})
	if err != nil {
		t.Fatalf("Next with override: %v", err)
	}
	if diff := cmp.Diff([]int{11}, forced.Tokens); diff != "" {
		t.Fatalf("override tokens (-want +got):\n%s", diff)
	}
}

func TestStepFreesScratchAndCloseReleasesCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	dev := f.mesh.Device(0).(*device.EmulatedDevice)
	baseline := dev.Allocated()

	s := f.open(t, program.NewCache(device.HostCompiler{}))
	opened := dev.Allocated()
	if opened <= baseline {
		t.Fatalf("Open allocated nothing: %d -> %d", baseline, opened)
	}
	for pos := 0; pos < 4; pos++ {
		if _, err := s.Step(context.Background(), pos, []int{1}); err != nil {
			t.Fatalf("Step(%d): %v", pos, err)
		}
	}
	if dev.Allocated() != opened {
		t.Fatalf("steps leaked device memory: %d -> %d", opened, dev.Allocated())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if dev.Allocated() != baseline {
		t.Fatalf("Close left %d bytes, want %d", dev.Allocated(), baseline)
	}
	if s.State() != Terminated {
		t.Fatalf("state = %v", s.State())
	}
	if _, err := s.Step(context.Background(), 4, []int{1}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Step after Close: err = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenRejectsMismatchedMesh(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	cfg := f.cfg
	cfg.MeshSize = 4
	_, err := Open(context.Background(), f.mesh, f.w, f.rot, program.NewCache(device.HostCompiler{}), cfg)
	if !errors.Is(err, mesh.ErrUnsupportedTopology) {
		t.Fatalf("Open: err = %v", err)
	}
}

func TestWindowSlidesPastCapacity(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.MeshSize = 4
	cfg.SlidingWindow = 4
	f := newFixture(t, cfg, nil)
	s := f.open(t, program.NewCache(device.HostCompiler{}))
	for pos := 0; pos < 7; pos++ {
		if _, err := s.Step(context.Background(), pos, []int{pos}); err != nil {
			t.Fatalf("Step(%d): %v", pos, err)
		}
	}
	if diff := cmp.Diff(seq(3, 7), positions(t, s, 0, 1)); diff != "" {
		t.Fatalf("window (-want +got):\n%s", diff)
	}
}
