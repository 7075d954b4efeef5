package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-opm/internal/client"
)

// OPMFlightServer serves the reduction over Flight DoExchange: the client
// streams RequestSchema batches and receives one ResultSchema batch per input batch.
type OPMFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewOPMFlightServer(srv *Server) *OPMFlightServer {
	return &OPMFlightServer{srv: srv}
}

func grpcCode(err error) codes.Code {
	code, _ := statusFor(err)
	switch code {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusServiceUnavailable:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func (s *OPMFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read request stream: %v", err)
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.srv.alloc)
	var writer *flight.Writer
	defer func() {
		if writer != nil {
			if err := writer.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close DoExchange writer")
			}
		}
	}()

	for reader.Next() {
		reqs, err := client.DecodeRequestRecord(reader.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "bad request batch: %v", err)
		}
		outs, err := s.srv.computeAll(ctx, reqs)
		if err != nil {
			span.RecordError(err)
			return status.Error(grpcCode(err), err.Error())
		}
		s.srv.forward(ctx, outs)

		rec, err := builder.BuildResultRecord(outs)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if rec == nil {
			continue
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(client.ResultSchema))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		log.Debug().Int("outputs", len(outs)).Msg("DoExchange computed batch")
	}

	if err := reader.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return status.Errorf(codes.InvalidArgument, "request stream error: %v", err)
	}
	return nil
}

// newFlightServer builds the gRPC server without starting it.
func newFlightServer(addr string, srv *Server) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewOPMFlightServer(srv))
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	return server, nil
}

func StartFlightServer(addr string, srv *Server) {
	server, err := newFlightServer(addr, srv)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", server.Addr().String()).Msg("Starting OPM Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
