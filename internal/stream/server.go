package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/intersection/internal/controller"
	"github.com/banshee-data/intersection/internal/monitoring"
)

var logf = monitoring.Component("stream")

// Source provides snapshots and live updates. *controller.Controller
// satisfies it.
type Source interface {
	Snapshot() controller.Snapshot
	Subscribe() (string, <-chan controller.Snapshot)
	Unsubscribe(id string)
}

var _ SnapshotServiceServer = (*Server)(nil)

// Server implements SnapshotService over a Source and can own the listening
// gRPC server.
type Server struct {
	source Source

	grpcServer *grpc.Server
	listener   net.Listener
	running    atomic.Bool
	wg         sync.WaitGroup
	clients    atomic.Int64
}

// NewServer creates a server for source.
func NewServer(source Source) *Server {
	return &Server{source: source}
}

// Current returns the latest snapshot.
func (s *Server) Current(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	msg, err := ToStruct(s.source.Snapshot())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return msg, nil
}

// Watch sends the current snapshot, then one per published update until the
// client goes away or the source closes the subscription.
func (s *Server) Watch(_ *emptypb.Empty, stream SnapshotService_WatchServer) error {
	ctx := stream.Context()
	id, updates := s.source.Subscribe()
	defer s.source.Unsubscribe(id)

	n := s.clients.Add(1)
	defer s.clients.Add(-1)
	logf("watch client %s connected (%d active)", id, n)

	if err := s.send(stream, s.source.Snapshot()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			logf("watch client %s disconnected", id)
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return status.Error(codes.Unavailable, "simulation closed")
			}
			if err := s.send(stream, snap); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream SnapshotService_WatchServer, snap controller.Snapshot) error {
	msg, err := ToStruct(snap)
	if err != nil {
		return status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	if err := stream.Send(msg); err != nil {
		logf("send error: %v", err)
		return err
	}
	return nil
}

// Clients reports the number of open Watch streams.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.Serve(lis)
	return nil
}

// Serve serves on an existing listener in the background. Tests pass a
// bufconn listener.
func (s *Server) Serve(lis net.Listener) {
	s.listener = lis
	s.grpcServer = grpc.NewServer()
	RegisterSnapshotServiceServer(s.grpcServer, s)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("gRPC server listening on %s", lis.Addr())
		if err := s.grpcServer.Serve(lis); err != nil && s.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
}

// Stop gracefully stops the gRPC server. Open Watch streams end when their
// subscriptions close, so stop the Source first.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.grpcServer.GracefulStop()
	s.wg.Wait()
	logf("gRPC server stopped")
}

// ToStruct converts a snapshot to the wire message using its JSON field
// names.
func ToStruct(snap controller.Snapshot) (*structpb.Struct, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes a wire message back into a snapshot.
func FromStruct(msg *structpb.Struct) (controller.Snapshot, error) {
	var snap controller.Snapshot
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(raw, &snap)
	return snap, err
}
