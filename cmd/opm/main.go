package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"runtime/pprof"
	"slices"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-opm/internal/cache"
	"github.com/23skdu/longbow-opm/internal/client"
	"github.com/23skdu/longbow-opm/internal/device"
	"github.com/23skdu/longbow-opm/internal/opm"
	"github.com/23skdu/longbow-opm/internal/tune"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	backendName   = flag.String("backend", "cpu", "Compute backend (cpu, blas)")
	workers       = flag.Int("workers", 0, "Max tiles computed concurrently (0 = NumCPU)")
	blockI        = flag.Int("block-i", 0, "Tile rows (0 = tuned)")
	blockJ        = flag.Int("block-j", 0, "Tile cols (0 = tuned)")
	groupS        = flag.Int("group-s", device.DefaultGroupS, "Reduction chunk length")
	average       = flag.Bool("average", true, "Divide by S (mean) instead of returning the sum")
	autotune      = flag.Bool("autotune", false, "Benchmark tile candidates per problem shape instead of the heuristic")
	dtypeName     = flag.String("dtype", "fp32", "Element type for demo inputs (fp32, fp16)")
	inPath        = flag.String("in", "", "Arrow IPC stream of request batches (default: random demo problem)")
	outPath       = flag.String("out", "", "Write result Arrow IPC stream here instead of stdout")
	demoShape     = flag.String("shape", "2,64,48,32", "Demo problem as batch,I,J,S")
	seed          = flag.Int64("seed", 1, "Random seed for the demo problem")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	serverAddr    = flag.String("server", "", "Flight server address (e.g., localhost:3000) for forwarding or -remote")
	remote        = flag.Bool("remote", false, "Compute on the Flight server at -server via DoExchange")
	datasetName   = flag.String("dataset", "opm_results", "Target dataset name for forwarded results")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int64("max-concurrent", 1<<24, "Maximum output elements computed concurrently by the servers")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	verbose       = flag.Bool("v", false, "Debug logging")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	backend, err := device.NewBackend(*backendName, *workers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create backend")
	}
	opts := kernelOptions()

	var fc *client.FlightClient
	if *serverAddr != "" {
		fc, err = client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
	}

	if *listenAddr != "" || *flightAddr != "" {
		var fcInterface FlightClientInterface
		if fc != nil {
			fcInterface = fc
		}
		srv := NewServer(backend, opts, fcInterface, *datasetName, *maxConcurrent)

		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		if *flightAddr != "" {
			go StartFlightServer(*flightAddr, srv)
		}
		select {}
	}

	reqs, err := loadRequests()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load requests")
	}

	ctx := context.Background()
	start := time.Now()
	var outs []*opm.Tensor
	if *remote {
		if fc == nil {
			log.Fatal().Msg("-remote requires -server")
		}
		outs, err = fc.Compute(ctx, reqs)
	} else {
		outs, err = computeLocal(ctx, backend, opts, reqs)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Compute failed")
	}
	elapsed := time.Since(start)

	elements := 0
	for _, out := range outs {
		elements += out.NumElements()
	}
	log.Info().
		Int("count", len(outs)).
		Int("elements", elements).
		Dur("elapsed", elapsed).
		Str("backend", backend.Name()).
		Bool("remote", *remote).
		Msg("Computed outer product means")

	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stderr, "%d output tensors, %d elements in %v\n", len(outs), elements, elapsed)

	pool := memory.NewGoAllocator()
	rec, err := client.NewRecordBatchBuilder(pool).BuildResultRecord(outs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build result batch")
	}
	if rec == nil {
		return
	}
	defer rec.Release()

	if fc != nil && !*remote {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fc.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Str("dataset", *datasetName).Msg("Successfully sent results")
		return
	}

	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer f.Close()
		w = f
	}
	if err := writeArrowStream(w, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func kernelOptions() []opm.Option {
	opts := []opm.Option{opm.WithGroupS(*groupS)}
	if *blockI != 0 || *blockJ != 0 {
		opts = append(opts, opm.WithBlockSizes(*blockI, *blockJ))
	} else if *autotune {
		opts = append(opts, opm.WithTuner(tune.NewAutotuner(cache.NewMapCache[[2]int]())))
	}
	return opts
}

func computeLocal(ctx context.Context, backend device.Backend, opts []opm.Option, reqs []client.Request) ([]*opm.Tensor, error) {
	outs := make([]*opm.Tensor, len(reqs))
	for i, req := range reqs {
		out, err := opm.OuterProductMean(ctx, backend, req.A, req.B, append(slices.Clone(opts), opm.WithAverage(req.Average))...)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		outs[i] = out
	}
	return outs, nil
}

func loadRequests() ([]client.Request, error) {
	if *inPath == "" {
		req, err := demoRequest(*demoShape, *dtypeName, *seed, *average)
		if err != nil {
			return nil, err
		}
		return []client.Request{req}, nil
	}

	f, err := os.Open(*inPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readRequests(f)
}

func readRequests(r io.Reader) ([]client.Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var reqs []client.Request
	for reader.Next() {
		batch, err := client.DecodeRequestRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, batch...)
	}
	return reqs, reader.Err()
}

// demoRequest builds a random (batch, I, S) x (batch, J, S) problem.
func demoRequest(shape, dtypeName string, seed int64, average bool) (client.Request, error) {
	var batch, i, j, s int
	if _, err := fmt.Sscanf(shape, "%d,%d,%d,%d", &batch, &i, &j, &s); err != nil {
		return client.Request{}, fmt.Errorf("bad -shape %q: %w", shape, err)
	}
	dtype, err := device.ParseDType(dtypeName)
	if err != nil {
		return client.Request{}, err
	}

	rng := rand.New(rand.NewSource(seed))
	random := func(dims ...int) (*opm.Tensor, error) {
		n := 1
		for _, d := range dims {
			n *= d
		}
		if n < 0 {
			return nil, fmt.Errorf("negative dimension in %v", dims)
		}
		data := make([]float32, n)
		for k := range data {
			data[k] = rng.Float32()*2 - 1
		}
		return opm.NewWithType(dims, dtype, data)
	}

	a, err := random(batch, i, s)
	if err != nil {
		return client.Request{}, err
	}
	b, err := random(batch, j, s)
	if err != nil {
		return client.Request{}, err
	}
	return client.Request{A: a, B: b, Average: average}, nil
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-opm"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
