package weights

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

func testMesh(t *testing.T, n int) *mesh.Mesh {
	t.Helper()
	devs, err := device.Open(device.Emulated, n)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m, err := mesh.New(devs)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRoundRobin(t *testing.T) {
	t.Parallel()
	got := RoundRobin(8, 4)
	if diff := cmp.Diff(Assignment{0, 1, 2, 3, 0, 1, 2, 3}, got); diff != "" {
		t.Fatalf("RoundRobin (-want +got):\n%s", diff)
	}
}

func TestLoadEightExpertsOnFourDevices(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.MeshSize = 4
	m := testMesh(t, 4)
	sd := Synthetic(cfg, 7)

	set, err := Load(context.Background(), m, sd, []int{0}, cfg.Experts, RoundRobin(cfg.Experts, 4), OptionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for d := 0; d < 4; d++ {
		if diff := cmp.Diff([]int{d, d + 4}, set.ExpertsOn(d)); diff != "" {
			t.Fatalf("device %d experts (-want +got):\n%s", d, diff)
		}
	}
	ew, err := set.Expert(0, 5)
	if err != nil {
		t.Fatalf("Expert: %v", err)
	}
	if ew.Device != 1 || ew.W1.Device != 1 {
		t.Fatalf("expert 5 on device %d (tensor %d), want 1", ew.Device, ew.W1.Device)
	}
	// w1 is transposed to [dim, hidden] and stored in the expert dtype
	if diff := cmp.Diff([]int{cfg.Dim, cfg.HiddenDim}, ew.W1.Shape); diff != "" {
		t.Fatalf("w1 shape (-want +got):\n%s", diff)
	}
	if ew.W1.DType != tensor.BF16 {
		t.Fatalf("w1 dtype %v, want bf16", ew.W1.DType)
	}
}

func TestLoadShardsAttentionAndOutput(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	m := testMesh(t, 8)
	sd := Synthetic(cfg, 3)
	set, err := Load(context.Background(), m, sd, []int{0}, cfg.Experts, RoundRobin(cfg.Experts, 8), OptionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	q, kv := set.HeadsPerDevice()
	if q != 1 || kv != 1 {
		t.Fatalf("heads per device q=%d kv=%d", q, kv)
	}

	// column slice d of wq^T must equal rows of the checkpoint wq
	full := sd[LayerKey(0, "attention.wq")]
	for d := 0; d < 8; d++ {
		wq, err := set.Get(0, WQ, d)
		if err != nil {
			t.Fatalf("Get wq %d: %v", d, err)
		}
		if diff := cmp.Diff([]int{cfg.Dim, cfg.HeadDim}, wq.Shape); diff != "" {
			t.Fatalf("wq shape (-want +got):\n%s", diff)
		}
		want := tensor.Convert(full, tensor.BF16)
		row := d * cfg.HeadDim
		if wq.Data[0] != want.Data[row*cfg.Dim] {
			t.Fatalf("device %d wq[0][0] = %v, want %v", d, wq.Data[0], want.Data[row*cfg.Dim])
		}
		out, err := set.Get(Global, Output, d)
		if err != nil {
			t.Fatalf("Get output: %v", err)
		}
		if out.Shape[1] != cfg.Vocab/8 {
			t.Fatalf("output shard width %d, want %d", out.Shape[1], cfg.Vocab/8)
		}
		gate, err := set.Get(0, Gate, d)
		if err != nil {
			t.Fatalf("Get gate: %v", err)
		}
		if diff := cmp.Diff([]int{cfg.Dim, cfg.Experts}, gate.Shape); diff != "" {
			t.Fatalf("gate shape (-want +got):\n%s", diff)
		}
	}
	if set.Embedding().Device != tensor.Host {
		t.Fatal("embedding placed on a device")
	}
}

func TestLoadMissingWeight(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	m := testMesh(t, 8)

	sd := Synthetic(cfg, 1)
	delete(sd, ExpertKey(0, 3, W2))
	_, err := Load(context.Background(), m, sd, []int{0}, cfg.Experts, RoundRobin(cfg.Experts, 8), OptionsFromConfig(cfg))
	if !errors.Is(err, ErrMissingWeight) {
		t.Fatalf("err = %v, want ErrMissingWeight", err)
	}

	// asking for a layer the checkpoint does not have
	_, err = Load(context.Background(), m, Synthetic(cfg, 1), []int{0, 1}, cfg.Experts, RoundRobin(cfg.Experts, 8), OptionsFromConfig(cfg))
	if !errors.Is(err, ErrMissingWeight) {
		t.Fatalf("err = %v, want ErrMissingWeight", err)
	}
}

func TestLoadRejectsDeviceOutsideMesh(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	m := testMesh(t, 4)
	assign := RoundRobin(cfg.Experts, 4)
	assign[6] = 5
	_, err := Load(context.Background(), m, Synthetic(cfg, 1), []int{0}, cfg.Experts, assign, OptionsFromConfig(cfg))
	if !errors.Is(err, ErrShardPlacement) {
		t.Fatalf("err = %v, want ErrShardPlacement", err)
	}
}

func TestTrimLayers(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Layers = 3
	sd := Synthetic(cfg, 1)
	trimmed := TrimLayers(sd, 1)
	if len(trimmed.WithPrefix("layers.1.")) != 0 || len(trimmed.WithPrefix("layers.2.")) != 0 {
		t.Fatal("layers above the cut survived")
	}
	if len(trimmed.WithPrefix("layers.0.")) == 0 {
		t.Fatal("layer 0 was dropped")
	}
	if _, ok := trimmed[KeyEmbedding]; !ok {
		t.Fatal("global weights dropped")
	}
	if len(sd.WithPrefix("layers.2.")) == 0 {
		t.Fatal("TrimLayers modified its input")
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	a, b := Synthetic(cfg, 11), Synthetic(cfg, 11)
	if diff := cmp.Diff(a.Keys(), b.Keys()); diff != "" {
		t.Fatalf("keys differ (-a +b):\n%s", diff)
	}
	k := ExpertKey(0, 7, W3)
	if diff := cmp.Diff(a[k].Data, b[k].Data); diff != "" {
		t.Fatalf("%s differs between runs", k)
	}
}

func TestReleaseFreesDeviceMemory(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	m := testMesh(t, 8)
	set, err := Load(context.Background(), m, Synthetic(cfg, 1), []int{0}, cfg.Experts, RoundRobin(cfg.Experts, 8), OptionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dev := m.Device(0).(*device.EmulatedDevice)
	if dev.Allocated() == 0 {
		t.Fatal("nothing allocated after Load")
	}
	set.Release()
	if dev.Allocated() != 0 {
		t.Fatalf("Allocated after Release = %d", dev.Allocated())
	}
}
