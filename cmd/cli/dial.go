package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/viewkeys/internal/api"
)

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// dial connects to the daemon. bearer may be empty for the public calls.
func (a *app) dial(bearer string) (*grpc.ClientConn, *api.Client, error) {
	var opts []grpc.DialOption
	if a.plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		creds, err := loadTLS(a.caPath, a.insecure)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !a.plaintext}))
	}
	opts = append(opts, a.dialOpts...)
	cc, err := grpc.NewClient(a.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, api.NewClient(cc), nil
}

// authed dials with the saved access token.
func (a *app) authed() (*grpc.ClientConn, *api.Client, state, error) {
	s, err := a.loadState()
	if err != nil {
		return nil, nil, s, err
	}
	tok, err := s.token(a.now())
	if err != nil {
		return nil, nil, s, err
	}
	cc, cl, err := a.dial(tok)
	return cc, cl, s, err
}

// describe renders RPC failures as code and message.
func describe(err error) string {
	if s, ok := status.FromError(err); ok {
		return fmt.Sprintf("rpc error: code=%s msg=%s", s.Code(), s.Message())
	}
	return err.Error()
}
