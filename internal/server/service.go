package server

import (
	"CollateralVault/internal/auth"
	"CollateralVault/internal/core"
	"CollateralVault/internal/query"
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "collateralvault.v1.VaultService"

// Operations is the engine surface the service dispatches mutations to.
type Operations interface {
	Initialize(ctx context.Context, req core.InitializeRequest) (*core.Result, error)
	Deposit(ctx context.Context, req core.DepositRequest) (*core.Result, error)
	Lock(ctx context.Context, req core.LockRequest) (*core.Result, error)
}

// VaultServiceServer is the server API for collateralvault.v1.VaultService.
type VaultServiceServer interface {
	InitializeVault(context.Context, *InitializeVaultRequest) (*OperationResponse, error)
	Deposit(context.Context, *DepositRequest) (*OperationResponse, error)
	LockCollateral(context.Context, *LockCollateralRequest) (*OperationResponse, error)
	GetVault(context.Context, *GetVaultRequest) (*query.VaultResponse, error)
	ListVaults(context.Context, *ListVaultsRequest) (*ListVaultsResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// VaultServiceDesc describes the service for grpc.Server.RegisterService.
var VaultServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("InitializeVault", VaultServiceServer.InitializeVault),
		unaryMethod("Deposit", VaultServiceServer.Deposit),
		unaryMethod("LockCollateral", VaultServiceServer.LockCollateral),
		unaryMethod("GetVault", VaultServiceServer.GetVault),
		unaryMethod("ListVaults", VaultServiceServer.ListVaults),
		unaryMethod("VerifyIntegrity", VaultServiceServer.VerifyIntegrity),
	},
	Streams: []grpc.StreamDesc{},
}

func unaryMethod[Req, Resp any](name string, call func(VaultServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
			}
			if interceptor == nil {
				return call(srv.(VaultServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(VaultServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ============================================================================
// VaultService implementation
// ============================================================================

type vaultService struct {
	ops    Operations
	qs     *query.QueryService
	logger zerolog.Logger
}

// NewVaultService returns the service implementation. Mutations require
// credentials in the context (see AuthInterceptor); reads are public.
func NewVaultService(ops Operations, qs *query.QueryService, logger zerolog.Logger) VaultServiceServer {
	return &vaultService{ops: ops, qs: qs, logger: logger}
}

func (s *vaultService) InitializeVault(ctx context.Context, req *InitializeVaultRequest) (*OperationResponse, error) {
	creds, err := authorize(ctx, auth.Operation{
		Name:       core.OpInitialize,
		VaultIndex: req.VaultIndex,
		Mint:       req.Mint,
		RequestID:  req.RequestID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if req.Mint.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "mint is required")
	}

	res, err := s.ops.Initialize(ctx, core.InitializeRequest{
		Owner:      creds.Owner,
		VaultIndex: req.VaultIndex,
		Mint:       req.Mint,
		RequestID:  req.RequestID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newOperationResponse(s.qs, res), nil
}

func (s *vaultService) Deposit(ctx context.Context, req *DepositRequest) (*OperationResponse, error) {
	creds, err := authorize(ctx, auth.Operation{
		Name:           core.OpDeposit,
		VaultIndex:     req.VaultIndex,
		Amount:         req.Amount,
		SourceAccount:  req.SourceAccount,
		CustodyAccount: req.CustodyAccount,
		Vault:          req.Vault,
		RequestID:      req.RequestID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if req.SourceAccount.IsZero() || req.CustodyAccount.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "source_account and custody_account are required")
	}

	res, err := s.ops.Deposit(ctx, core.DepositRequest{
		Owner:          creds.Owner,
		VaultIndex:     req.VaultIndex,
		Amount:         req.Amount,
		SourceAccount:  req.SourceAccount,
		CustodyAccount: req.CustodyAccount,
		Vault:          req.Vault,
		RequestID:      req.RequestID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newOperationResponse(s.qs, res), nil
}

func (s *vaultService) LockCollateral(ctx context.Context, req *LockCollateralRequest) (*OperationResponse, error) {
	creds, err := authorize(ctx, auth.Operation{
		Name:       core.OpLock,
		VaultIndex: req.VaultIndex,
		Amount:     req.Amount,
		Vault:      req.Vault,
		RequestID:  req.RequestID,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	res, err := s.ops.Lock(ctx, core.LockRequest{
		Owner:      creds.Owner,
		VaultIndex: req.VaultIndex,
		Amount:     req.Amount,
		Vault:      req.Vault,
		RequestID:  req.RequestID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newOperationResponse(s.qs, res), nil
}

func (s *vaultService) GetVault(ctx context.Context, req *GetVaultRequest) (*query.VaultResponse, error) {
	var (
		resp *query.VaultResponse
		err  error
	)
	switch {
	case req.Vault != nil:
		resp, err = s.qs.GetVault(ctx, *req.Vault)
	case req.Owner != nil:
		resp, err = s.qs.GetOwnerVault(ctx, *req.Owner, req.VaultIndex)
	default:
		return nil, status.Error(codes.InvalidArgument, "vault or owner is required")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *vaultService) ListVaults(ctx context.Context, req *ListVaultsRequest) (*ListVaultsResponse, error) {
	if req.Owner.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	vaults, err := s.qs.ListVaults(ctx, req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListVaultsResponse{Vaults: vaults}, nil
}

func (s *vaultService) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx, req.Vault)
	if err != nil {
		return nil, toStatus(err)
	}
	if !report.IsHealthy {
		s.logger.Error().
			Str("vault", req.Vault.String()).
			Strs("failures", report.Failures).
			Msg("integrity check failed")
	}
	return report, nil
}

// authorize checks the signature in ctx against the operation it must cover.
func authorize(ctx context.Context, op auth.Operation) (auth.Credentials, error) {
	creds, ok := auth.FromContext(ctx)
	if !ok {
		return auth.Credentials{}, auth.ErrMissingCredentials
	}
	if err := creds.Verify(op); err != nil {
		return auth.Credentials{}, err
	}
	return creds, nil
}
