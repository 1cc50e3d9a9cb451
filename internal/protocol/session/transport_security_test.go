package session

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net/url"
	"testing"

	"github.com/danmuck/watchbridge/internal/testutil/testlog"
	"github.com/danmuck/watchbridge/internal/testutil/tlstest"
)

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}

	cfg.TLS.Mutual = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/watch.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/watch.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateRejectsUnknownSecurityMode(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = "paranoid"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestTLSConfigBuildersMutual(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "watchbridge-test-ca")
	phonePair := ca.IssuePhone(t, dir, "phone.alpha")
	watchPair := ca.IssueWatch(t, dir, "watch.alpha")

	server := DefaultConfig()
	server.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: phonePair.CertFile, KeyFile: phonePair.KeyFile, CAFile: ca.CAFile()}
	if err := server.ValidateServerTransport(); err != nil {
		t.Fatalf("validate server: %v", err)
	}
	scfg, err := server.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	if scfg.ClientAuth != tls.RequireAndVerifyClientCert || scfg.ClientCAs == nil {
		t.Fatalf("expected verified client auth")
	}

	client := DefaultConfig()
	client.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: watchPair.CertFile, KeyFile: watchPair.KeyFile, CAFile: ca.CAFile()}
	ccfg, err := client.ClientTLSConfig("127.0.0.1:7443")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if ccfg.ServerName != "127.0.0.1" || len(ccfg.Certificates) != 1 || ccfg.RootCAs == nil {
		t.Fatalf("unexpected client tls config: server_name=%q certs=%d", ccfg.ServerName, len(ccfg.Certificates))
	}
}

func TestPeerIdentityPreference(t *testing.T) {
	testlog.Start(t)
	u, _ := url.Parse("spiffe://watchbridge/watch.uri")
	cases := []struct {
		cert *x509.Certificate
		want string
	}{
		{nil, ""},
		{&x509.Certificate{Subject: pkix.Name{CommonName: "watch.cn"}, URIs: []*url.URL{u}}, "watch.cn"},
		{&x509.Certificate{URIs: []*url.URL{u}, DNSNames: []string{"watch.dns"}}, "spiffe://watchbridge/watch.uri"},
		{&x509.Certificate{DNSNames: []string{"watch.dns"}}, "watch.dns"},
	}
	for _, tc := range cases {
		if got := PeerIdentity(tc.cert); got != tc.want {
			t.Fatalf("PeerIdentity got=%q want=%q", got, tc.want)
		}
	}
}
