package observability

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"realtime-stt-service/internal/observability/metrics"
)

// UnaryServerInterceptor records metrics and logs for unary calls and
// turns handler panics into codes.Internal.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(info.FullMethod, r)
			}
			observe(ctx, m, info.FullMethod, start, err, zerolog.DebugLevel)
		}()
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(info.FullMethod, r)
			}
			observe(ss.Context(), m, info.FullMethod, start, err, zerolog.InfoLevel)
		}()
		return handler(srv, ss)
	}
}

func recovered(method string, r any) error {
	log.Error().
		Str("method", method).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("gRPC handler panicked")
	return status.Error(codes.Internal, "internal error")
}

func observe(ctx context.Context, m *metrics.Metrics, method string, start time.Time, err error, level zerolog.Level) {
	code := status.Code(err).String()
	m.RecordGRPCRequest(method, code)

	ev := log.WithLevel(level)
	if err != nil && status.Code(err) == codes.Internal {
		ev = log.Error().Err(err)
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ev = ev.Str("peer", p.Addr.String())
	}
	ev.Str("method", method).
		Str("code", code).
		Dur("duration", time.Since(start)).
		Msg("gRPC call completed")
}
