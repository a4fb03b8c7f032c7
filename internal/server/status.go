package server

import (
	"CollateralVault/internal/auth"
	"CollateralVault/internal/custody"
	"CollateralVault/internal/vault"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// toStatus maps an operation error onto a gRPC status. The message keeps the
// vault error code name so clients can branch on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	if code, ok := vault.CodeOf(err); ok {
		switch code {
		case vault.CodeInvalidAmount, vault.CodeAddressMismatch,
			vault.CodeCustodyMismatch, vault.CodeInvalidVaultTokenAccount:
			return codes.InvalidArgument
		case vault.CodeInsufficientAvailableCollateral:
			return codes.FailedPrecondition
		case vault.CodeMathError:
			return codes.OutOfRange
		case vault.CodeVaultNotFound:
			return codes.NotFound
		case vault.CodeVaultExists, vault.CodeDuplicateRequest:
			return codes.AlreadyExists
		case vault.CodeUnauthorized:
			return codes.PermissionDenied
		default:
			return codes.Internal
		}
	}

	switch {
	case errors.Is(err, auth.ErrMissingRequestID):
		return codes.InvalidArgument
	case errors.Is(err, auth.ErrMissingCredentials),
		errors.Is(err, auth.ErrMalformed),
		errors.Is(err, auth.ErrBadSignature):
		return codes.Unauthenticated
	case errors.Is(err, custody.ErrInsufficientFunds):
		return codes.FailedPrecondition
	case errors.Is(err, custody.ErrOwnerMismatch):
		return codes.PermissionDenied
	case errors.Is(err, custody.ErrAccountNotFound):
		return codes.NotFound
	case errors.Is(err, custody.ErrMintMismatch):
		return codes.InvalidArgument
	case errors.Is(err, custody.ErrAccountExists):
		return codes.AlreadyExists
	case errors.Is(err, custody.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// AuthInterceptor lifts x-vault-owner / x-vault-signature metadata into the
// request context. Requests without credentials pass through; the handlers
// of mutating methods reject them.
func AuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		ctx, err := withCredentials(ctx, firstValue(md, auth.HeaderOwner), firstValue(md, auth.HeaderSignature))
		if err != nil {
			return nil, toStatus(err)
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every call with its status code and latency.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		evt := logger.Debug()
		switch code {
		case codes.OK, codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition,
			codes.AlreadyExists, codes.PermissionDenied, codes.Unauthenticated, codes.OutOfRange:
		default:
			evt = logger.Warn()
		}
		evt.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("rpc")
		return resp, err
	}
}

func withCredentials(ctx context.Context, owner, signature string) (context.Context, error) {
	if owner == "" && signature == "" {
		return ctx, nil
	}
	creds, err := auth.ParseCredentials(owner, signature)
	if err != nil {
		return ctx, err
	}
	return auth.WithCredentials(ctx, creds), nil
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
