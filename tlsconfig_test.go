// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

func selfSignedCert(t *testing.T, commonName string, notBefore, notAfter time.Time) (*x509.Certificate, tls.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	return cert, tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestTLSConfig_VerifyPinned(t *testing.T) {
	now := time.Now()
	pinned, _ := selfSignedCert(t, "operator", now.Add(-time.Hour), now.Add(time.Hour))
	other, _ := selfSignedCert(t, "operator", now.Add(-time.Hour), now.Add(time.Hour))

	conf := &TLSConfig{
		Mode:            SelfSigned,
		PeerCertificate: pinned,
		ServerName:      "operator",
	}

	if err := conf.verifyPinned([][]byte{pinned.Raw}, nil); err != nil {
		t.Errorf("matching certificate rejected: %v", err)
	}
	if err := conf.verifyPinned([][]byte{other.Raw}, nil); err == nil {
		t.Error("different certificate accepted")
	}
	if err := conf.verifyPinned([][]byte{pinned.Raw, other.Raw}, nil); err == nil {
		t.Error("multi-certificate chain accepted")
	}
	if err := conf.verifyPinned(nil, nil); err == nil {
		t.Error("empty chain accepted")
	}
}

func TestTLSConfig_VerifyPinnedExpired(t *testing.T) {
	now := time.Now()
	expired, _ := selfSignedCert(t, "operator", now.Add(-2*time.Hour), now.Add(-time.Hour))

	conf := &TLSConfig{Mode: SelfSigned, PeerCertificate: expired}
	if err := conf.verifyPinned([][]byte{expired.Raw}, nil); err == nil {
		t.Error("expired certificate accepted")
	}
}

func TestTLSConfig_VerifyPinnedNameMismatch(t *testing.T) {
	now := time.Now()
	pinned, _ := selfSignedCert(t, "operator", now.Add(-time.Hour), now.Add(time.Hour))

	conf := &TLSConfig{
		Mode:            SelfSigned,
		PeerCertificate: pinned,
		ServerName:      "someone-else",
	}
	if err := conf.verifyPinned([][]byte{pinned.Raw}, nil); err == nil {
		t.Error("certificate with wrong name accepted")
	}
}

func TestTLSConfig_ClientConfig(t *testing.T) {
	now := time.Now()
	pinned, local := selfSignedCert(t, "server", now.Add(-time.Hour), now.Add(time.Hour))

	// Authority-based without roots fails
	conf := &TLSConfig{Mode: AuthorityBased}
	if _, err := conf.ClientConfig(); err == nil {
		t.Error("Expected error without root CAs")
	}

	pool := x509.NewCertPool()
	pool.AddCert(pinned)
	conf = &TLSConfig{Mode: AuthorityBased, RootCAs: pool, ServerName: "server"}
	tlsConf, err := conf.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig failed: %v", err)
	}
	if tlsConf.MinVersion != tls.VersionTLS12 {
		t.Errorf("Expected TLS 1.2 minimum, got %04x", tlsConf.MinVersion)
	}
	if tlsConf.InsecureSkipVerify {
		t.Error("Authority-based mode must use standard verification")
	}

	// Self-signed without a pinned certificate fails
	conf = &TLSConfig{Mode: SelfSigned}
	if _, err := conf.ClientConfig(); err == nil {
		t.Error("Expected error without a pinned certificate")
	}

	conf = &TLSConfig{Mode: SelfSigned, PeerCertificate: pinned, Certificates: []tls.Certificate{local}}
	tlsConf, err = conf.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig failed: %v", err)
	}
	if !tlsConf.InsecureSkipVerify || tlsConf.VerifyPeerCertificate == nil {
		t.Error("Self-signed mode must replace chain verification with pinning")
	}
}

func TestTLSConfig_ServerConfig(t *testing.T) {
	now := time.Now()
	pinned, local := selfSignedCert(t, "client", now.Add(-time.Hour), now.Add(time.Hour))

	// A server always needs a local certificate
	conf := &TLSConfig{Mode: SelfSigned, PeerCertificate: pinned}
	if _, err := conf.ServerConfig(); err == nil {
		t.Error("Expected error without a local certificate")
	}

	conf = &TLSConfig{Mode: SelfSigned, PeerCertificate: pinned, Certificates: []tls.Certificate{local}}
	tlsConf, err := conf.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	if tlsConf.ClientAuth != tls.RequireAnyClientCert {
		t.Errorf("Expected RequireAnyClientCert, got %v", tlsConf.ClientAuth)
	}

	pool := x509.NewCertPool()
	pool.AddCert(pinned)
	conf = &TLSConfig{Mode: AuthorityBased, RootCAs: pool, Certificates: []tls.Certificate{local}}
	tlsConf, err = conf.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	if tlsConf.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("Expected RequireAndVerifyClientCert, got %v", tlsConf.ClientAuth)
	}
}

func TestServer_TLSRoundTrip(t *testing.T) {
	now := time.Now()
	serverCert, serverPair := selfSignedCert(t, "gateway", now.Add(-time.Hour), now.Add(time.Hour))
	clientCert, clientPair := selfSignedCert(t, "operator", now.Add(-time.Hour), now.Add(time.Hour))

	serverTLS := &TLSConfig{
		Mode:            SelfSigned,
		PeerCertificate: clientCert,
		Certificates:    []tls.Certificate{serverPair},
	}
	conf, err := serverTLS.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	listener := tls.NewListener(inner, conf)

	server := NewServer(testDevices())
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	rt := NewRuntime(1)
	t.Cleanup(rt.Close)

	ch, err := NewTLSChannel(rt, listener.Addr().String(), &TLSConfig{
		Mode:            SelfSigned,
		PeerCertificate: serverCert,
		Certificates:    []tls.Certificate{clientPair},
	})
	if err != nil {
		t.Fatalf("NewTLSChannel failed: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	ch.Enable()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values, err := ch.ReadHoldingRegisters(ctx, Param(1), Range(0, 3))
	if err != nil {
		t.Fatalf("ReadHoldingRegisters over TLS failed: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("Expected 3 values, got %d", len(values))
	}
}
