package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrStreamEnded is returned by a receive function after the server closed
// the stream.
var ErrStreamEnded = errors.New("observe stream ended")

// Observe opens a notification stream on conn. Each call of the returned
// function blocks for the next notification.
func Observe(ctx context.Context, conn grpc.ClientConnInterface, includeInvalid bool) (func() (*structpb.Struct, error), error) {
	stream, err := conn.NewStream(ctx, &observerServiceDesc.Streams[0], ObserveMethod)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"include_invalid": includeInvalid})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (*structpb.Struct, error) {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamEnded
			}
			return nil, err
		}
		return msg, nil
	}, nil
}
