package busproxy_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/alljoyn/core-securitymgr/internal/busproxy"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

// insecureCreds is a CredentialSource backed by grpc's insecure transport
// for both session flavors: good enough to exercise the dial/session/
// error-classification machinery without standing up a real CA and TLS
// material, which internal/ca already covers on its own terms.
type insecureCreds struct{}

func (insecureCreds) Anonymous() credentials.TransportCredentials { return insecure.NewCredentials() }
func (insecureCreds) Authenticated() (credentials.TransportCredentials, error) {
	return insecure.NewCredentials(), nil
}

// fakeServer answers exactly one RPC (GetManifestTemplate) over a hand-built
// grpc.ServiceDesc. There is no .proto/protoc step in this module, so the
// server side of the wire is constructed the same way the client side is:
// plain gob-encoded structs under codec.go's registered codec.
type fakeServer struct {
	manifest model.Policy
	fail     bool
}

func (s *fakeServer) serve(t *testing.T) (addr string, stop func()) {
	t.Helper()

	type req struct{}
	type resp struct {
		Manifest  model.Policy
		DebugJSON []byte
	}

	desc := &grpc.ServiceDesc{
		ServiceName: "securitymgr.RemoteApp",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "GetManifestTemplate",
				Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
					var in req
					if err := dec(&in); err != nil {
						return nil, err
					}
					if s.fail {
						return nil, status.Error(codes.Unavailable, "remote down")
					}
					return &resp{Manifest: s.manifest, DebugJSON: []byte(`{"state":"claimable","session_id":"abc"}`)}, nil
				},
			},
		},
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(desc, struct{}{})

	go srv.Serve(lis)
	return lis.Addr().String(), func() { srv.Stop() }
}

type ProxySuite struct {
	suite.Suite
}

func TestProxySuite(t *testing.T) {
	suite.Run(t, new(ProxySuite))
}

func (s *ProxySuite) TestGetManifestTemplateRoundTrips() {
	fs := &fakeServer{manifest: model.Policy{Version: 3}}
	addr, stop := fs.serve(s.T())
	defer stop()

	resolve := func(busName string) (string, error) { return addr, nil }
	p, err := busproxy.New(resolve, insecureCreds{}, 4)
	require.NoError(s.T(), err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	policy, err := p.GetManifestTemplate(ctx, "bus.name")
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint32(3), policy.Version)
}

func (s *ProxySuite) TestUnavailableClassifiesAsRemoteUnreachable() {
	fs := &fakeServer{fail: true}
	addr, stop := fs.serve(s.T())
	defer stop()

	resolve := func(busName string) (string, error) { return addr, nil }
	p, err := busproxy.New(resolve, insecureCreds{}, 4)
	require.NoError(s.T(), err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = p.GetManifestTemplate(ctx, "bus.name")
	require.Error(s.T(), err)
	require.True(s.T(), kinderr.Is(err, kinderr.RemoteUnreachable))
}

func (s *ProxySuite) TestClaimRateLimitedPerBusName() {
	store, err := memorystore.New(&memorystore.Config{Tokens: 1, Interval: time.Minute})
	require.NoError(s.T(), err)

	resolve := func(busName string) (string, error) { return "127.0.0.1:1", nil }
	p, err := busproxy.New(resolve, insecureCreds{}, 4, busproxy.WithClaimLimiter(store))
	require.NoError(s.T(), err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The first Take succeeds and the call then fails to dial (nothing
	// listens on port 1). That's fine: the limiter is consulted before the
	// dial, so the second call never gets that far.
	_ = p.Claim(ctx, "bus.name", model.PublicKey{}, model.Group{}, nil, model.Policy{})
	err = p.Claim(ctx, "bus.name", model.PublicKey{}, model.Group{}, nil, model.Policy{})
	require.Error(s.T(), err)
	require.True(s.T(), kinderr.Is(err, kinderr.RemoteUnreachable))
}
