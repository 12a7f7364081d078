package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// DefaultFlightAddr is where serve-checkpoint listens unless told otherwise.
const DefaultFlightAddr = "localhost:3000"

const flightTimeout = 30 * time.Second

func dialFlight(addr string) (flight.Client, error) {
	c, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return c, nil
}

// OpenFlight fetches the tensors published under ticket by a Flight server.
func OpenFlight(ctx context.Context, addr, ticket string) (Source, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flightTimeout)
		defer cancel()
	}
	c, err := dialFlight(addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	stream, err := c.DoGet(ctx, &flight.Ticket{Ticket: []byte(ticket)})
	if err != nil {
		return nil, fmt.Errorf("DoGet %s: %w", ticket, err)
	}
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: ticket %q on %s", ErrTensorNotFound, ticket, addr)
		}
		return nil, fmt.Errorf("open record stream: %w", err)
	}
	defer r.Release()

	tensors := make(map[string]*tensor.Tensor)
	for r.Next() {
		if err := DecodeTensorRecord(r.Record(), tensors); err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read record stream: %w", err)
	}
	logger.Log.Debug("fetched flight checkpoint", "addr", addr, "ticket", ticket, "tensors", len(tensors))
	return newMemSource("flight", tensors), nil
}

// ListTickets returns the tickets a Flight server publishes.
func ListTickets(ctx context.Context, addr string) ([]string, error) {
	c, err := dialFlight(addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	stream, err := c.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, fmt.Errorf("ListFlights: %w", err)
	}
	var out []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, ep := range info.GetEndpoint() {
			out = append(out, string(ep.GetTicket().GetTicket()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Server publishes tensor sets over Arrow Flight, one ticket per set.
type Server struct {
	flight.BaseFlightServer

	mu   sync.RWMutex
	sets map[string]map[string]*tensor.Tensor
	mem  memory.Allocator
	srv  flight.Server
	log  *logger.Logger
}

func NewServer() *Server {
	return &Server{
		sets: make(map[string]map[string]*tensor.Tensor),
		mem:  memory.NewGoAllocator(),
		log:  logger.Log.Component("flight"),
	}
}

// Register publishes tensors under ticket, replacing any earlier set.
func (s *Server) Register(ticket string, tensors map[string]*tensor.Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[ticket] = tensors
}

// Start listens on addr ("localhost:0" picks a port) and serves in the
// background.
func (s *Server) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("flight listen %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	go func() {
		if err := s.srv.Serve(); err != nil {
			s.log.Error("flight server stopped", "error", err)
		}
	}()
	s.log.Info("serving checkpoints over flight", "addr", s.Addr())
	return nil
}

func (s *Server) Addr() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr().String()
}

func (s *Server) Shutdown() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

func (s *Server) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	ticket := string(tkt.GetTicket())
	s.mu.RLock()
	tensors, ok := s.sets[ticket]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.NotFound, "unknown ticket %q", ticket)
	}

	rec := NewTensorRecord(s.mem, tensors)
	defer rec.Release()
	w := flight.NewRecordWriter(fs, ipc.WithSchema(TensorSchema), ipc.WithAllocator(s.mem))
	defer w.Close()
	if err := w.Write(rec); err != nil {
		return status.Errorf(codes.Internal, "write record: %v", err)
	}
	s.log.Debug("served flight checkpoint", "ticket", ticket, "tensors", len(tensors))
	return nil
}

func (s *Server) ListFlights(_ *flight.Criteria, fs flight.FlightService_ListFlightsServer) error {
	s.mu.RLock()
	tickets := make([]string, 0, len(s.sets))
	for t := range s.sets {
		tickets = append(tickets, t)
	}
	s.mu.RUnlock()
	sort.Strings(tickets)

	for _, t := range tickets {
		info := &flight.FlightInfo{
			FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{t}},
			Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(t)}}},
			TotalRecords:     1,
			TotalBytes:       -1,
		}
		if err := fs.Send(info); err != nil {
			return err
		}
	}
	return nil
}
