// Package rpc exposes detector health and a live notification stream over
// gRPC. The Observe service is described by hand; its messages are
// google.protobuf.Struct values so no generated code is needed.
package rpc

import (
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/pulsemeter/internal/detector"
)

const (
	// ServiceName is the fully qualified name of the observer service.
	ServiceName = "pulsemeter.v1.Observer"
	// ObserveMethod is the full method path of the notification stream.
	ObserveMethod = "/" + ServiceName + "/Observe"
)

// Registrar is the observer side of a detector.
type Registrar interface {
	Register(detector.Observer) string
	Unregister(id string) bool
}

// observerServer is the handler type checked by grpc.RegisterService.
type observerServer interface {
	observe(req *structpb.Struct, stream grpc.ServerStream) error
}

var observerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*observerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Observe",
			Handler:       observeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pulsemeter/v1/observer.proto",
}

func observeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(observerServer).observe(req, stream)
}

// Config configures a Server.
type Config struct {
	// Buffer is the per-stream notification buffer (default: 8).
	Buffer int
}

// Server is the gRPC front end of a detector.
type Server struct {
	cfg    Config
	obs    Registrar
	grpc   *grpc.Server
	health *health.Server
}

// NewServer returns a server with health, reflection and Observe registered.
// The health status starts as SERVING.
func NewServer(obs Registrar, cfg Config, opts ...grpc.ServerOption) *Server {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 8
	}
	s := &Server{
		cfg:    cfg,
		obs:    obs,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.grpc.RegisterService(&observerServiceDesc, s)
	reflection.Register(s.grpc)
	s.SetServing(true)
	return s
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	log.Printf("[rpc] gRPC server listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// SetServing flips the overall and per-service health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// GracefulStop marks the server as shutting down and waits for streams to end.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop closes all connections immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

// observe streams one message per notification until the client goes away.
// Notifications for frames with invalid settings are sent only when the
// request sets include_invalid.
func (s *Server) observe(req *structpb.Struct, stream grpc.ServerStream) error {
	includeInvalid := req.GetFields()["include_invalid"].GetBoolValue()

	ch := detector.NewChanObserver(s.cfg.Buffer)
	id := s.obs.Register(ch)
	defer s.obs.Unregister(id)
	log.Printf("[rpc] observer %s connected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[rpc] observer %s disconnected (%d dropped)", id, ch.Dropped())
			return nil
		case n := <-ch.C():
			if !n.Valid && !includeInvalid {
				continue
			}
			msg, err := NotificationStruct(n)
			if err != nil {
				return status.Errorf(codes.Internal, "encode notification: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// NotificationStruct converts a notification to its wire form.
func NotificationStruct(n detector.Notification) (*structpb.Struct, error) {
	fields := map[string]any{
		"unix_millis": n.Time.UnixMilli(),
		"valid":       n.Valid,
	}
	if n.Valid {
		fields["fill"] = n.Fill
		fields["triggered"] = n.Triggered
		fields["fps"] = n.FPS
		fields["rotation"] = n.Settings.CameraRotation
		fields["window"] = map[string]any{
			"x0": n.Window.Min.X,
			"y0": n.Window.Min.Y,
			"x1": n.Window.Max.X,
			"y1": n.Window.Max.Y,
		}
	}
	return structpb.NewStruct(fields)
}
