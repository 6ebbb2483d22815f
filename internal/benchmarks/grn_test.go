package benchmarks

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/grn-gomlx/grn"
	"github.com/gomlx/grn-gomlx/internal/togomlx"
	"github.com/gomlx/grn-gomlx/tgraph"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")
	flagPrintGraph    = flag.Bool("print_graph", false, "Prints the legalized graph")

	// GRNShapes are the input shapes benchmarked: [batch, channels, ...spatial].
	GRNShapes = []shapes.Shape{
		shapes.Make(dtypes.Float32, 16, 64),
		shapes.Make(dtypes.Float32, 8, 64, 128),
		shapes.Make(dtypes.Float32, 1, 96, 56, 56),
		shapes.Make(dtypes.Float32, 8, 96, 56, 56),
	}

	// GRNBias is the stability bias used in the benchmarks.
	GRNBias float32 = 1e-6
)

// randomInput returns a tensor of shape s filled with uniform random values in [-1, 1).
func randomInput(s shapes.Shape) *tensors.Tensor {
	r := rand.New(rand.NewPCG(42, 0))
	x := tensors.FromShape(s)
	tensors.MutableFlatData[float32](x, func(flat []float32) {
		for i := range flat {
			flat[i] = 2*r.Float32() - 1
		}
	})
	return x
}

// buildGRN returns a legalized tgraph graph computing GRN on an input named "x" of shape s.
func buildGRN(s shapes.Shape) tgraph.Output {
	g := tgraph.NewGraph(fmt.Sprintf("GRN%s", s))
	x := tgraph.Parameter(g, "x", tgraph.FromShape(s))
	y := must.M1(grn.GRN(x, GRNBias))
	legalized := must.M1(tgraph.Legalize(y))
	if *flagPrintGraph {
		fmt.Printf("%s\n", g)
	}
	return legalized[0]
}

// newGRNExec returns a GoMLX executor of the legalized GRN graph.
func newGRNExec(backend backends.Backend, s shapes.Shape) *context.Exec {
	output := buildGRN(s)
	var isDuringBenchmark bool
	exec := context.MustNewExec(backend, context.New(), func(_ *context.Context, x *graph.Node) *graph.Node {
		if isDuringBenchmark {
			exceptions.Panicf("Graph building function called during benchmark: this shouldn't happen, as all graphs should have been built in startup")
		}
		return togomlx.Convert(x.Graph(), map[string]*graph.Node{"x": x}, output)[0]
	})

	// Compile with a first call.
	result := exec.MustExec(randomInput(s))[0]
	result.FinalizeAll()
	isDuringBenchmark = true
	return exec
}

func TestBenchGRN(t *testing.T) {
	if testing.Short() {
		fmt.Printf("Skipping GRN benchmark test: --short is set\n")
		t.SkipNow()
	}
	if *flagBenchDuration == 0 {
		fmt.Printf("Skipping GRN benchmark test: --bench_duration is not set\n")
		t.SkipNow()
	}
	t.Run("GoMLX", benchGoMLXGRN)
	t.Run("Evaluate", benchEvaluateGRN)
}

func benchGoMLXGRN(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for shapeIdx, s := range GRNShapes {
		exec := newGRNExec(backend, s)
		input := randomInput(s)
		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/%s", t.Name(), s),
			Func: func() {
				output := exec.MustExec(input)[0]
				// Force transfer to local memory: this should be part of the cost.
				tensors.ConstFlatData(output, func(flat []float32) {
					_ = flat[0]
				})
				output.FinalizeAll()
			},
		}
		runtime.LockOSThread()
		benchmarks.New(benchFn).
			WithWarmUps(16).
			WithDuration(*flagBenchDuration).
			WithHeader(shapeIdx == 0).
			Done()
		runtime.UnlockOSThread()
		exec.Finalize()
	}
}

func benchEvaluateGRN(t *testing.T) {
	// The reference interpreter is slow: skip the larger shapes.
	for shapeIdx, s := range GRNShapes[:3] {
		output := buildGRN(s)
		feeds := map[string]*tensors.Tensor{"x": randomInput(s)}
		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/%s", t.Name(), s),
			Func: func() {
				_ = must.M1(tgraph.Evaluate(feeds, output))
			},
		}
		benchmarks.New(benchFn).
			WithWarmUps(2).
			WithDuration(*flagBenchDuration).
			WithHeader(shapeIdx == 0).
			Done()
	}
}

// BenchmarkGRNGoMLX measures the execution of the legalized GRN with the default test backend.
// We try not to count the time for tensor transfers in.
func BenchmarkGRNGoMLX(b *testing.B) {
	backend := graphtest.BuildTestBackend()
	for _, s := range GRNShapes {
		exec := newGRNExec(backend, s)
		input := randomInput(s)
		b.Run(s.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				exec.MustExec(input)[0].FinalizeAll()
			}
		})
		exec.Finalize()
	}
}

// BenchmarkGRNLegalize measures building and legalizing the GRN graph.
func BenchmarkGRNLegalize(b *testing.B) {
	for _, s := range GRNShapes {
		b.Run(s.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = buildGRN(s)
			}
		})
	}
}
