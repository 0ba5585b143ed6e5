package detection

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"vidanon/internal/pipeline/detectors"
)

// Remote inference service. Payloads travel as well-known wrapper types;
// everything else rides in request metadata.
const (
	inferenceService = "vidanon.inference.v1.Inference"

	methodLoadModel        = "/" + inferenceService + "/LoadModel"
	methodDetectMultiScale = "/" + inferenceService + "/DetectMultiScale"
	methodForward          = "/" + inferenceService + "/Forward"
	methodRelease          = "/" + inferenceService + "/Release"

	mdKind         = "x-model-kind"
	mdTopologySize = "x-topology-size"
	mdHandle       = "x-model-handle"
	mdWidth        = "x-width"
	mdHeight       = "x-height"
	mdShape        = "x-shape"

	kindCascade = "cascade"
	kindNet     = "net"
)

// MaxMessageSize bounds one request or response. Model uploads (the res10
// weights are ~10 MB) and full-resolution frames exceed gRPC's 4 MB default.
const MaxMessageSize = 64 << 20

// ServerOptions returns the options a gRPC server hosting the inference
// service needs
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}

// InferenceServer hosts cascade classifiers and networks for remote clients.
// Model files are uploaded by the client and loaded with local backends.
type InferenceServer struct {
	backends detectors.Backends
	dir      string

	mu       sync.Mutex
	next     uint64
	cascades map[string]*hostedCascade
	nets     map[string]*hostedNet
}

type hostedCascade struct {
	mu         sync.Mutex
	classifier detectors.CascadeClassifier
}

type hostedNet struct {
	mu  sync.Mutex
	net detectors.Net
}

// inferenceHandler is the handler type checked by grpc.RegisterService
type inferenceHandler interface {
	loadModel(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	detectMultiScale(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error)
	forward(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	release(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error)
}

var inferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: inferenceService,
	HandlerType: (*inferenceHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadModel", Handler: unaryHandler(methodLoadModel, inferenceHandler.loadModel)},
		{MethodName: "DetectMultiScale", Handler: unaryHandler(methodDetectMultiScale, inferenceHandler.detectMultiScale)},
		{MethodName: "Forward", Handler: unaryHandler(methodForward, inferenceHandler.forward)},
		{MethodName: "Release", Handler: unaryHandler(methodRelease, inferenceHandler.release)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vidanon/inference/v1/inference.proto",
}

func unaryHandler[Req, Resp proto.Message](fullMethod string, call func(inferenceHandler, context.Context, Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		var in Req
		in = in.ProtoReflect().Type().New().Interface().(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(inferenceHandler), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(inferenceHandler), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// NewInferenceServer creates a server that stores uploaded models in dir
func NewInferenceServer(backends detectors.Backends, dir string) (*InferenceServer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return &InferenceServer{
		backends: backends,
		dir:      dir,
		cascades: make(map[string]*hostedCascade),
		nets:     make(map[string]*hostedNet),
	}, nil
}

// RegisterInferenceServer registers srv on a gRPC server
func RegisterInferenceServer(s grpc.ServiceRegistrar, srv *InferenceServer) {
	s.RegisterService(&inferenceServiceDesc, srv)
}

func (s *InferenceServer) newHandle(kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%d", kind, s.next)
}

func (s *InferenceServer) loadModel(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	kind := first(md, mdKind)

	switch kind {
	case kindCascade:
		handle := s.newHandle(kind)
		path := filepath.Join(s.dir, handle+".xml")
		if err := os.WriteFile(path, in.GetValue(), 0644); err != nil {
			return nil, status.Errorf(codes.Internal, "store cascade: %v", err)
		}
		classifier, err := s.backends.LoadCascade(ctx, path)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "load cascade: %v", err)
		}

		s.mu.Lock()
		s.cascades[handle] = &hostedCascade{classifier: classifier}
		s.mu.Unlock()

		log.Printf("[Inference] Loaded cascade %s (%d bytes)", handle, len(in.GetValue()))
		return wrapperspb.String(handle), nil

	case kindNet:
		split, err := strconv.Atoi(first(md, mdTopologySize))
		if err != nil || split < 0 || split > len(in.GetValue()) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid %s", mdTopologySize)
		}
		handle := s.newHandle(kind)
		topology := filepath.Join(s.dir, handle+".prototxt")
		weights := filepath.Join(s.dir, handle+".caffemodel")
		if err := os.WriteFile(topology, in.GetValue()[:split], 0644); err != nil {
			return nil, status.Errorf(codes.Internal, "store topology: %v", err)
		}
		if err := os.WriteFile(weights, in.GetValue()[split:], 0644); err != nil {
			return nil, status.Errorf(codes.Internal, "store weights: %v", err)
		}
		net, err := s.backends.LoadNet(ctx, weights, topology)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "load net: %v", err)
		}

		s.mu.Lock()
		s.nets[handle] = &hostedNet{net: net}
		s.mu.Unlock()

		log.Printf("[Inference] Loaded net %s (%d bytes)", handle, len(in.GetValue()))
		return wrapperspb.String(handle), nil
	}

	return nil, status.Errorf(codes.InvalidArgument, "unknown model kind %q", kind)
}

func (s *InferenceServer) detectMultiScale(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	s.mu.Lock()
	hosted, ok := s.cascades[first(md, mdHandle)]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown cascade %q", first(md, mdHandle))
	}

	w, errW := strconv.Atoi(first(md, mdWidth))
	h, errH := strconv.Atoi(first(md, mdHeight))
	if errW != nil || errH != nil || w <= 0 || h <= 0 || len(in.GetValue()) != w*h {
		return nil, status.Errorf(codes.InvalidArgument, "image payload does not match %s x %s", first(md, mdWidth), first(md, mdHeight))
	}

	img := &image.Gray{Pix: in.GetValue(), Stride: w, Rect: image.Rect(0, 0, w, h)}

	hosted.mu.Lock()
	boxes, err := hosted.classifier.DetectMultiScale(img)
	hosted.mu.Unlock()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "detect: %v", err)
	}

	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(boxes)*4)}
	for _, b := range boxes {
		out.Values = append(out.Values,
			structpb.NewNumberValue(float64(b.Min.X)),
			structpb.NewNumberValue(float64(b.Min.Y)),
			structpb.NewNumberValue(float64(b.Max.X)),
			structpb.NewNumberValue(float64(b.Max.Y)),
		)
	}
	return out, nil
}

func (s *InferenceServer) forward(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	s.mu.Lock()
	hosted, ok := s.nets[first(md, mdHandle)]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown net %q", first(md, mdHandle))
	}

	shape, err := parseShape(first(md, mdShape))
	if err != nil || len(shape) != 4 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid blob shape %q", first(md, mdShape))
	}
	blob := detectors.NewBlob(shape[0], shape[1], shape[2], shape[3])
	if _, err := DecodeFloats(in.GetValue(), blob.Data); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "blob: %v", err)
	}

	hosted.mu.Lock()
	tensor, err := hosted.net.Forward(ctx, blob)
	hosted.mu.Unlock()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "forward: %v", err)
	}
	defer tensor.Release()

	return wrapperspb.Bytes(EncodeFloats(tensor.Data())), nil
}

func (s *InferenceServer) release(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	handle := in.GetValue()

	s.mu.Lock()
	cascade, isCascade := s.cascades[handle]
	net, isNet := s.nets[handle]
	delete(s.cascades, handle)
	delete(s.nets, handle)
	s.mu.Unlock()

	switch {
	case isCascade:
		cascade.classifier.Close()
	case isNet:
		net.net.Close()
	default:
		return nil, status.Errorf(codes.NotFound, "unknown model %q", handle)
	}

	for _, ext := range []string{".xml", ".prototxt", ".caffemodel"} {
		os.Remove(filepath.Join(s.dir, handle+ext))
	}
	log.Printf("[Inference] Released %s", handle)
	return &emptypb.Empty{}, nil
}

// Close releases every hosted model
func (s *InferenceServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for handle, c := range s.cascades {
		c.classifier.Close()
		delete(s.cascades, handle)
	}
	for handle, n := range s.nets {
		n.net.Close()
		delete(s.nets, handle)
	}
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// InferenceClient runs detection backends on a remote InferenceServer
type InferenceClient struct {
	endpoint string
	conn     *grpc.ClientConn
	timeout  time.Duration
}

// InferenceClientConfig holds configuration for the remote backend
type InferenceClientConfig struct {
	Endpoint string
	Timeout  time.Duration // Per-call deadline for calls without a context
	Options  []grpc.DialOption
}

// NewInferenceClient connects to a remote inference server
func NewInferenceClient(config InferenceClientConfig) (*InferenceClient, error) {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(MaxMessageSize),
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
		),
	}, config.Options...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	log.Printf("[Inference] Client for %s", config.Endpoint)
	return &InferenceClient{endpoint: config.Endpoint, conn: conn, timeout: config.Timeout}, nil
}

// Backends returns detector backends that load models on the server
func (c *InferenceClient) Backends() detectors.Backends {
	return detectors.Backends{
		LoadCascade: c.LoadCascade,
		LoadNet:     c.LoadNet,
	}
}

// LoadCascade uploads a cascade definition
func (c *InferenceClient) LoadCascade(ctx context.Context, path string) (detectors.CascadeClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, mdKind, kindCascade)
	handle := &wrapperspb.StringValue{}
	if err := c.conn.Invoke(ctx, methodLoadModel, wrapperspb.Bytes(data), handle); err != nil {
		return nil, fmt.Errorf("remote cascade %s: %w", filepath.Base(path), err)
	}
	return &remoteCascade{client: c, handle: handle.GetValue()}, nil
}

// LoadNet uploads a network's topology and weights
func (c *InferenceClient) LoadNet(ctx context.Context, weights, topology string) (detectors.Net, error) {
	topo, err := os.ReadFile(topology)
	if err != nil {
		return nil, err
	}
	w, err := os.ReadFile(weights)
	if err != nil {
		return nil, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		mdKind, kindNet,
		mdTopologySize, strconv.Itoa(len(topo)),
	)
	payload := append(topo, w...)
	handle := &wrapperspb.StringValue{}
	if err := c.conn.Invoke(ctx, methodLoadModel, wrapperspb.Bytes(payload), handle); err != nil {
		return nil, fmt.Errorf("remote net %s: %w", filepath.Base(weights), err)
	}
	return &remoteNet{client: c, handle: handle.GetValue()}, nil
}

func (c *InferenceClient) release(handle string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, methodRelease, wrapperspb.String(handle), &emptypb.Empty{})
}

// Close closes the connection
func (c *InferenceClient) Close() error {
	return c.conn.Close()
}

type remoteCascade struct {
	client *InferenceClient
	handle string
}

func (r *remoteCascade) DetectMultiScale(img *image.Gray) ([]image.Rectangle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.client.timeout)
	defer cancel()

	w, h := img.Rect.Dx(), img.Rect.Dy()
	pix := img.Pix
	if img.Stride != w || img.Rect.Min != (image.Point{}) {
		pix = make([]byte, 0, w*h)
		for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
			start := img.PixOffset(img.Rect.Min.X, y)
			pix = append(pix, img.Pix[start:start+w]...)
		}
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		mdHandle, r.handle,
		mdWidth, strconv.Itoa(w),
		mdHeight, strconv.Itoa(h),
	)
	out := &structpb.ListValue{}
	if err := r.client.conn.Invoke(ctx, methodDetectMultiScale, wrapperspb.Bytes(pix[:w*h]), out); err != nil {
		return nil, err
	}

	values := out.GetValues()
	if len(values)%4 != 0 {
		return nil, fmt.Errorf("malformed detection list of %d values", len(values))
	}
	boxes := make([]image.Rectangle, 0, len(values)/4)
	for i := 0; i < len(values); i += 4 {
		boxes = append(boxes, image.Rect(
			int(values[i].GetNumberValue()),
			int(values[i+1].GetNumberValue()),
			int(values[i+2].GetNumberValue()),
			int(values[i+3].GetNumberValue()),
		))
	}
	return boxes, nil
}

func (r *remoteCascade) Close() error {
	return r.client.release(r.handle)
}

type remoteNet struct {
	client *InferenceClient
	handle string
}

func (r *remoteNet) Forward(ctx context.Context, blob *detectors.Blob) (detectors.Tensor, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		mdHandle, r.handle,
		mdShape, formatShape(blob.Shape()),
	)
	out := &wrapperspb.BytesValue{}
	if err := r.client.conn.Invoke(ctx, methodForward, wrapperspb.Bytes(EncodeFloats(blob.Data)), out); err != nil {
		return nil, err
	}

	data, err := DecodeFloats(out.GetValue(), nil)
	if err != nil {
		return nil, err
	}
	return detectors.SliceTensor(data), nil
}

func (r *remoteNet) Close() error {
	return r.client.release(r.handle)
}
