package stream

import (
	"context"

	"google.golang.org/grpc"

	"github.com/banshee-data/jointbridge/internal/msg"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "jointbridge.JointStateService"

const streamJointStatesMethod = "/" + ServiceName + "/StreamJointStates"

// StreamRequest selects what a client receives.
type StreamRequest struct {
	// Names restricts the stream to these joints. Empty means all joints.
	Names []string `json:"names,omitempty"`
	// SkipLatest suppresses the most recent state that is otherwise sent as
	// soon as the stream opens.
	SkipLatest bool `json:"skip_latest,omitempty"`
}

// JointStateServiceServer is the server side of the service.
type JointStateServiceServer interface {
	StreamJointStates(*StreamRequest, JointStateSender) error
}

// JointStateSender is the server end of one StreamJointStates call.
type JointStateSender interface {
	Send(*msg.JointState) error
	grpc.ServerStream
}

type jointStateSender struct {
	grpc.ServerStream
}

func (s *jointStateSender) Send(m *msg.JointState) error {
	return s.ServerStream.SendMsg(m)
}

func streamJointStatesHandler(srv any, stream grpc.ServerStream) error {
	req := new(StreamRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(JointStateServiceServer).StreamJointStates(req, &jointStateSender{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JointStateServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamJointStates",
			Handler:       streamJointStatesHandler,
			ServerStreams: true,
		},
	},
}

// RegisterJointStateServiceServer registers srv with s.
func RegisterJointStateServiceServer(s grpc.ServiceRegistrar, srv JointStateServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls the joint state service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// JointStateReceiver is the client end of one StreamJointStates call.
type JointStateReceiver interface {
	Recv() (*msg.JointState, error)
	grpc.ClientStream
}

type jointStateReceiver struct {
	grpc.ClientStream
}

func (r *jointStateReceiver) Recv() (*msg.JointState, error) {
	m := new(msg.JointState)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamJointStates opens a stream of merged joint states.
func (c *Client) StreamJointStates(ctx context.Context, req *StreamRequest, opts ...grpc.CallOption) (JointStateReceiver, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], streamJointStatesMethod, opts...)
	if err != nil {
		return nil, err
	}
	r := &jointStateReceiver{stream}
	if err := r.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := r.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return r, nil
}
