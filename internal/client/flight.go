package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-opm/internal/opm"
)

// ComputePath is the descriptor path of the DoExchange compute service.
const ComputePath = "opm"

// FlightClient talks to a Flight server: it forwards result batches with DoPut
// and runs remote reductions with DoExchange.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
	mem    memory.Allocator
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
		mem:    memory.NewGoAllocator(),
	}, nil
}

// DoPut sends a RecordBatch to the given dataset on the server.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements until the server finishes.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Compute sends the problems in one RequestSchema batch and returns one output per request.
func (c *FlightClient) Compute(ctx context.Context, reqs []Request) ([]*opm.Tensor, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	rec, err := NewRecordBatchBuilder(c.mem).BuildRequestRecord(reqs)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(RequestSchema))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{ComputePath},
	})
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	outs := make([]*opm.Tensor, 0, len(reqs))
	for reader.Next() {
		batch, err := DecodeResultRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		outs = append(outs, batch...)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	if len(outs) != len(reqs) {
		return nil, fmt.Errorf("expected %d results, got %d", len(reqs), len(outs))
	}
	return outs, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
