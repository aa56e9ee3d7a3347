// Package grpc exposes action submission and change set streaming to
// service-to-service callers such as bots and operator tooling.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/intake"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/world"
)

const submitTimeout = 2 * time.Second

// Option customises the behaviour of the gRPC service.
type Option func(*Service)

// WithCodecs overrides the available stream codecs.
func WithCodecs(codecs Codecs) Option {
	return func(s *Service) {
		if len(codecs) > 0 {
			s.codecs = codecs
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements EngineServer on top of the intake service and the event hub.
type Service struct {
	submitter Submitter
	source    ChangeSetSource
	codecs    Codecs
	log       *logging.Logger
}

var _ EngineServer = (*Service)(nil)

// NewService wires the gRPC service to intake and the change set source.
func NewService(submitter Submitter, source ChangeSetSource, opts ...Option) (*Service, error) {
	service := &Service{submitter: submitter, source: source, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	if service.codecs == nil {
		codecs, err := DefaultCodecs()
		if err != nil {
			return nil, err
		}
		service.codecs = codecs
	}
	return service, nil
}

// SubmitAction validates and enqueues one action. The request carries
// player_id, kind, target_id, units and an optional seq.
func (s *Service) SubmitAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.submitter == nil {
		return nil, status.Error(codes.FailedPrecondition, "submission unavailable")
	}
	sub, err := decodeSubmission(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	//1.- Bound the call so a wedged intake cannot hold the RPC open.
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	req, err := s.submitter.Submit(ctx, sub)
	if err != nil {
		return nil, statusFromError(err)
	}
	return structpb.NewStruct(map[string]any{
		"action_id":         req.ID,
		"kind":              string(req.Kind),
		"player_id":         string(req.PlayerID),
		"submitted_at_tick": req.SubmittedAtTick,
	})
}

func decodeSubmission(in *structpb.Struct) (intake.Submission, error) {
	fields := in.GetFields()
	player := strings.TrimSpace(fields["player_id"].GetStringValue())
	if player == "" {
		return intake.Submission{}, errors.New("player_id is required")
	}
	kind := strings.TrimSpace(fields["kind"].GetStringValue())
	if kind == "" {
		return intake.Submission{}, errors.New("kind is required")
	}
	target, err := wholeNumber(fields, "target_id", 1)
	if err != nil {
		return intake.Submission{}, err
	}
	units, err := wholeNumber(fields, "units", 1)
	if err != nil {
		return intake.Submission{}, err
	}
	sub := intake.Submission{
		PlayerID: world.PlayerID(player),
		Kind:     actions.Kind(kind),
		Payload:  actions.Payload{TargetID: world.EntityID(target), Units: int(units)},
	}
	if _, ok := fields["seq"]; ok {
		seq, err := wholeNumber(fields, "seq", 0)
		if err != nil {
			return intake.Submission{}, err
		}
		sub.Sequence = uint64(seq)
	}
	return sub, nil
}

func wholeNumber(fields map[string]*structpb.Value, name string, minimum float64) (int64, error) {
	value, ok := fields[name]
	if !ok {
		return 0, errors.New(name + " is required")
	}
	n, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) || n.NumberValue < minimum || n.NumberValue > math.MaxInt32 {
		return 0, errors.New(name + " must be a whole number")
	}
	return int64(n.NumberValue), nil
}

func statusFromError(err error) error {
	var rejected *actions.RejectedError
	switch {
	case errors.Is(err, actions.ErrUnknownActionKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &rejected):
		return status.Error(codes.FailedPrecondition, rejected.Reason)
	case errors.Is(err, world.ErrStateUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// StreamChangeSets relays published change sets, first replaying every
// retained change set at or after since.
func (s *Service) StreamChangeSets(since *wrapperspb.UInt64Value, stream ChangeSetStream) error {
	if s == nil || s.source == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()

	//1.- Negotiate the codec before subscribing so a bad request costs nothing.
	codec := s.codecs["gzip"]
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if requested := md.Get(AcceptEncodingHeader); len(requested) > 0 {
			name := strings.ToLower(strings.TrimSpace(requested[0]))
			picked, ok := s.codecs[name]
			if !ok {
				return status.Errorf(codes.InvalidArgument, "unsupported encoding %q, want one of %v", name, s.codecs.Names())
			}
			codec = picked
		}
	}
	if codec == nil {
		return status.Error(codes.Internal, "no stream codec configured")
	}
	if err := stream.SendHeader(metadata.Pairs(EncodingHeader, codec.Name())); err != nil {
		return err
	}

	id := "grpc-" + uuid.NewString()
	sub, err := s.source.Subscribe(id, since.GetValue(), true)
	if err != nil {
		return status.Errorf(codes.Unavailable, "subscribe change sets: %v", err)
	}
	defer sub.Close()
	s.log.Info("grpc change set stream opened", logging.String("subscriber", id), logging.String("encoding", codec.Name()))

	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case cs, ok := <-sub.Events():
			if !ok {
				//3.- The hub detached us for lagging or is shutting down.
				return status.Error(codes.Unavailable, "change set stream closed")
			}
			payload, err := json.Marshal(cs)
			if err != nil {
				return status.Errorf(codes.Internal, "encode change set: %v", err)
			}
			compressed, err := codec.Compress(payload)
			if err != nil {
				return status.Errorf(codes.Internal, "compress change set: %v", err)
			}
			if err := stream.Send(wrapperspb.Bytes(compressed)); err != nil {
				return err
			}
		}
	}
}
