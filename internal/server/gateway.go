package server

import (
	"CollateralVault/internal/auth"
	"CollateralVault/internal/observability"
	"CollateralVault/internal/vault"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every non-2xx gateway response.
type errorBody struct {
	Code    int32  `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

type gateway struct {
	svc    VaultServiceServer
	logger zerolog.Logger
}

// NewGateway exposes svc as HTTP/JSON. Handlers call svc in process with the
// same credential handling the gRPC interceptor applies, so both transports
// share one validation and error path.
func NewGateway(svc VaultServiceServer, health *observability.HealthChecker, logger zerolog.Logger) (http.Handler, error) {
	g := &gateway{svc: svc, logger: logger}
	mux := runtime.NewServeMux()

	routes := []route{
		{"POST", "/v1/vaults/{vault_index}/initialize", g.initialize},
		{"POST", "/v1/vaults/{vault_index}/deposit", g.deposit},
		{"POST", "/v1/vaults/{vault_index}/lock", g.lock},
		{"GET", "/v1/vaults/{vault}", g.getVault},
		{"GET", "/v1/vaults/{vault}/integrity", g.verifyIntegrity},
		{"GET", "/v1/owners/{owner}/vaults", g.listVaults},
		{"GET", "/v1/owners/{owner}/vaults/{vault_index}", g.getOwnerVault},
	}
	if health != nil {
		routes = append(routes,
			route{"GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				health.LivenessHandler(w, r)
			}},
			route{"GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				health.ReadinessHandler(w, r)
			}},
		)
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func (g *gateway) initialize(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req InitializeVaultRequest
	ctx, ok := g.prepare(w, r, params, &req, &req.VaultIndex)
	if !ok {
		return
	}
	resp, err := g.svc.InitializeVault(ctx, &req)
	g.respond(w, http.StatusCreated, resp, err)
}

func (g *gateway) deposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req DepositRequest
	ctx, ok := g.prepare(w, r, params, &req, &req.VaultIndex)
	if !ok {
		return
	}
	resp, err := g.svc.Deposit(ctx, &req)
	g.respond(w, http.StatusOK, resp, err)
}

func (g *gateway) lock(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req LockCollateralRequest
	ctx, ok := g.prepare(w, r, params, &req, &req.VaultIndex)
	if !ok {
		return
	}
	resp, err := g.svc.LockCollateral(ctx, &req)
	g.respond(w, http.StatusOK, resp, err)
}

func (g *gateway) getVault(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := vault.ParseAddress(params["vault"])
	if err != nil {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "vault: %v", err))
		return
	}
	resp, err := g.svc.GetVault(r.Context(), &GetVaultRequest{Vault: &addr})
	g.respond(w, http.StatusOK, resp, err)
}

func (g *gateway) verifyIntegrity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := vault.ParseAddress(params["vault"])
	if err != nil {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "vault: %v", err))
		return
	}
	resp, err := g.svc.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{Vault: addr})
	g.respond(w, http.StatusOK, resp, err)
}

func (g *gateway) listVaults(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := vault.ParseAddress(params["owner"])
	if err != nil {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "owner: %v", err))
		return
	}
	resp, err := g.svc.ListVaults(r.Context(), &ListVaultsRequest{Owner: owner})
	g.respond(w, http.StatusOK, resp, err)
}

func (g *gateway) getOwnerVault(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := vault.ParseAddress(params["owner"])
	if err != nil {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "owner: %v", err))
		return
	}
	index, err := parseVaultIndex(params["vault_index"])
	if err != nil {
		g.writeError(w, err)
		return
	}
	resp, err := g.svc.GetVault(r.Context(), &GetVaultRequest{Owner: &owner, VaultIndex: index})
	g.respond(w, http.StatusOK, resp, err)
}

// prepare decodes the JSON body into req, takes the vault index from the
// path and attaches header credentials to the request context.
func (g *gateway) prepare(w http.ResponseWriter, r *http.Request, params map[string]string, req interface{}, index *uint8) (context.Context, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return nil, false
	}

	i, err := parseVaultIndex(params["vault_index"])
	if err != nil {
		g.writeError(w, err)
		return nil, false
	}
	*index = i

	ctx, err := withCredentials(r.Context(), r.Header.Get(auth.HeaderOwner), r.Header.Get(auth.HeaderSignature))
	if err != nil {
		g.writeError(w, err)
		return nil, false
	}
	return ctx, true
}

func (g *gateway) respond(w http.ResponseWriter, code int, resp interface{}, err error) {
	if err != nil {
		g.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Warn().Err(err).Msg("write response")
	}
}

func (g *gateway) writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(errorBody{
		Code:    int32(st.Code()),
		Error:   st.Code().String(),
		Message: st.Message(),
	})
}

func parseVaultIndex(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "vault_index %q: must be 0-255", s)
	}
	return uint8(n), nil
}
