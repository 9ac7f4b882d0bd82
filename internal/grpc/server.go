package grpc

import (
	"bytes"
	"context"
	"errors"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/config"
	"github.com/Belphemur/ImageCache/internal/models"
)

// SourceHeader is the response header naming the tier that produced the image.
const SourceHeader = "x-image-source"

// Loader is the part of the engine the service needs.
type Loader interface {
	Load(ctx context.Context, identifier string, width, height int) (image.Image, models.Source, error)
	Stats() models.Stats
}

// server implements the ImageCacheServiceServer interface
type server struct {
	loader Loader
	logger zerolog.Logger
}

// NewServer creates a new gRPC server instance
func NewServer(l Loader) ImageCacheServiceServer {
	return &server{
		loader: l,
		logger: config.GetLogger(),
	}
}

// FetchImage implements ImageCacheServiceServer.FetchImage
func (s *server) FetchImage(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	req, err := convertFetchRequestFromProto(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Debug().Str("url", req.URL).Int("width", req.Width).Int("height", req.Height).Msg("FetchImage called")

	img, source, err := s.loader.Load(ctx, req.URL, req.Width, req.Height)
	if err != nil || img == nil {
		return nil, loadStatus(ctx, req.URL, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		s.logger.Error().Err(err).Str("url", req.URL).Msg("Failed to encode image")
		return nil, status.Errorf(codes.Internal, "failed to encode image: %v", err)
	}

	if err := grpc.SetHeader(ctx, metadata.Pairs(SourceHeader, source.String())); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to set response header")
	}

	s.logger.Debug().Str("url", req.URL).Str("source", source.String()).Int("bytes", buf.Len()).Msg("FetchImage completed")
	return wrapperspb.Bytes(buf.Bytes()), nil
}

// loadStatus maps a failed load to a gRPC status. Absent images are NotFound.
func loadStatus(ctx context.Context, url string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return status.FromContextError(ctxErr).Err()
	}
	switch {
	case err == nil:
		return status.Errorf(codes.NotFound, "image not available: %s", url)
	case errors.Is(err, &apperrors.ErrFetchFailed{}),
		errors.Is(err, &apperrors.ErrDecodeFailed{}),
		errors.Is(err, &apperrors.ErrNotFound{}):
		return status.Errorf(codes.NotFound, "image not available: %v", err)
	default:
		return status.Errorf(codes.Internal, "failed to load image: %v", err)
	}
}

// GetStats implements ImageCacheServiceServer.GetStats
func (s *server) GetStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := convertStatsToProto(s.loader.Stats())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to convert stats")
		return nil, status.Errorf(codes.Internal, "failed to convert stats: %v", err)
	}
	return out, nil
}
