package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-opm/internal/client"
	"github.com/23skdu/longbow-opm/internal/device"
	"github.com/23skdu/longbow-opm/internal/opm"
)

var (
	outputsComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opm_outputs_computed_total",
		Help: "The total number of output tensors computed",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opm_request_duration_seconds",
		Help:    "Time spent processing compute requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opm_request_errors_total",
		Help: "Compute requests that failed, by reason",
	}, []string{"reason"})
)

var errKernelFault = errors.New("kernel fault")

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

type Server struct {
	backend      device.Backend
	opts         []opm.Option
	flightClient FlightClientInterface
	breaker      *client.CircuitBreaker
	datasetName  string
	alloc        memory.Allocator
	sem          *semaphore.Weighted
	capacity     int64
}

// NewServer creates a server. maxConcurrent bounds the output elements being
// computed at once across requests.
func NewServer(backend device.Backend, opts []opm.Option, fc FlightClientInterface, dataset string, maxConcurrent int64) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		backend:      backend,
		opts:         opts,
		flightClient: fc,
		breaker:      client.NewCircuitBreaker(5, 30*time.Second),
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		sem:          semaphore.NewWeighted(maxConcurrent),
		capacity:     maxConcurrent,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/compute", s.handleCompute)
	mux.HandleFunc("/compute/arrow", s.handleComputeArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Str("backend", srv.backend.Name()).Msg("Starting OPM Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding results to Flight server")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("opm-server")

// weight is the admission cost of a request: its output element count.
func (s *Server) weight(req client.Request) int64 {
	as, bs := req.A.Shape(), req.B.Shape()
	w := int64(1)
	if len(as) >= 1 {
		for _, d := range as[:len(as)-1] {
			w *= int64(d)
		}
	}
	if len(bs) >= 2 {
		w *= int64(bs[len(bs)-2])
	}
	return max(1, min(w, s.capacity))
}

// compute runs one request under admission control. Kernel panics are turned
// into errKernelFault so a single bad request does not take the process down.
func (s *Server) compute(ctx context.Context, req client.Request) (out *opm.Tensor, err error) {
	w := s.weight(req)
	if err := s.sem.Acquire(ctx, w); err != nil {
		return nil, err
	}
	defer s.sem.Release(w)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Kernel fault")
			out, err = nil, fmt.Errorf("%w: %v", errKernelFault, r)
		}
	}()

	opts := append(slices.Clone(s.opts), opm.WithAverage(req.Average))
	out, err = opm.OuterProductMean(ctx, s.backend, req.A, req.B, opts...)
	if err == nil {
		outputsComputed.Inc()
	}
	return out, err
}

// computeAll runs requests in order and stops at the first failure.
func (s *Server) computeAll(ctx context.Context, reqs []client.Request) ([]*opm.Tensor, error) {
	outs := make([]*opm.Tensor, len(reqs))
	for i, req := range reqs {
		out, err := s.compute(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		outs[i] = out
	}
	return outs, nil
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, opm.ErrShapeMismatch),
		errors.Is(err, opm.ErrEmptyTensor),
		errors.Is(err, opm.ErrDTypeMismatch),
		errors.Is(err, opm.ErrInvalidConfig):
		return http.StatusBadRequest, "precondition"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "fault"
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code, reason := statusFor(err)
	requestErrors.WithLabelValues(reason).Inc()
	http.Error(w, err.Error(), code)
}

// forward sends results to the configured Flight server. Failures are logged only.
func (s *Server) forward(ctx context.Context, outs []*opm.Tensor) {
	if s.flightClient == nil || len(outs) == 0 {
		return
	}
	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildResultRecord(outs)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build result batch")
		return
	}
	defer rec.Release()

	err = s.breaker.Execute(func() error {
		return s.flightClient.DoPut(ctx, s.datasetName, rec)
	})
	switch {
	case errors.Is(err, client.ErrCircuitOpen):
		log.Warn().Str("dataset", s.datasetName).Msg("Circuit open, dropping forwarded results")
	case err != nil:
		log.Error().Err(err).Str("dataset", s.datasetName).Msg("Error forwarding results")
	}
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleCompute")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("compute").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body client.ComputeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&body); err != nil {
		span.RecordError(err)
		requestErrors.WithLabelValues("decode").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	req, err := body.Request()
	if err != nil {
		span.RecordError(err)
		requestErrors.WithLabelValues("decode").Inc()
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.IntSlice("a_shape", req.A.Shape()),
		attribute.IntSlice("b_shape", req.B.Shape()),
	)

	out, err := s.compute(ctx, req)
	if err != nil {
		span.RecordError(err)
		s.fail(w, err)
		return
	}
	s.forward(ctx, []*opm.Tensor{out})

	payload, err := cbor.Marshal(client.ComputeResponse{Out: client.FromTensor(out)})
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleComputeArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleComputeArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("compute_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		requestErrors.WithLabelValues("decode").Inc()
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.alloc)
	var results []arrow.RecordBatch
	defer func() {
		for _, rec := range results {
			rec.Release()
		}
	}()

	total := 0
	for reader.Next() {
		reqs, err := client.DecodeRequestRecord(reader.Record())
		if err != nil {
			requestErrors.WithLabelValues("decode").Inc()
			http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
			return
		}
		outs, err := s.computeAll(ctx, reqs)
		if err != nil {
			span.RecordError(err)
			s.fail(w, err)
			return
		}
		s.forward(ctx, outs)

		rec, err := builder.BuildResultRecord(outs)
		if err != nil {
			s.fail(w, err)
			return
		}
		if rec != nil {
			results = append(results, rec)
		}
		total += len(outs)
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("outputs", total))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	writer := ipc.NewWriter(w, ipc.WithSchema(client.ResultSchema), ipc.WithAllocator(s.alloc))
	for _, rec := range results {
		if err := writer.Write(rec); err != nil {
			log.Error().Err(err).Msg("Failed to write result batch")
			break
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close result stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
