// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tlsutil builds the TLS configurations used to secure block
// fetch connections.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/syncthing/unsync/lib/config"
)

var (
	ErrIdentificationFailed = errors.New("failed to identify socket type")
	errNoCertificates       = errors.New("no certificates found")
)

// ClientConfig returns the TLS configuration for connecting to a remote
// store with the given settings.
func ClientConfig(cfg config.TLSConfiguration, host string) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: !cfg.Verify,
	}
	if tc.ServerName == "" {
		tc.ServerName = host
	}
	if cfg.CAFile != "" {
		bs, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(bs) {
			return nil, fmt.Errorf("CA file %s: %w", cfg.CAFile, errNoCertificates)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// ServerConfig returns the TLS configuration presenting cert to clients.
func ServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
}

// LoadOrGenerateCertificate loads the key pair from disk, creating a new
// self signed one when the files don't exist.
func LoadOrGenerateCertificate(certFile, keyFile, commonName string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return tls.Certificate{}, err
	}
	l.Infof("Generating ECDSA key and certificate for %s...", commonName)
	return NewCertificate(certFile, keyFile, commonName)
}

// NewCertificate generates a self signed ECDSA P-384 certificate, valid for
// commonName and the loopback addresses, and saves it to disk.
func NewCertificate(certFile, keyFile, commonName string) (tls.Certificate, error) {
	certBlock, keyBlock, err := newCertificatePEM(commonName)
	if err != nil {
		return tls.Certificate{}, err
	}

	if err := writePEM(certFile, certBlock, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("save cert: %w", err)
	}
	if err := writePEM(keyFile, keyBlock, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("save key: %w", err)
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}

// NewInMemoryCertificate generates a certificate like NewCertificate
// without touching the disk. It returns the certificate and the PEM
// encoded certificate for use as a trust root.
func NewInMemoryCertificate(commonName string) (tls.Certificate, []byte, error) {
	certBlock, keyBlock, err := newCertificatePEM(commonName)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	certPEM := pem.EncodeToMemory(certBlock)
	cert, err := tls.X509KeyPair(certPEM, pem.EncodeToMemory(keyBlock))
	return cert, certPEM, err
}

func newCertificatePEM(commonName string) (*pem.Block, *pem.Block, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	notBefore := time.Now().Truncate(24 * time.Hour)
	notAfter := time.Date(2049, 12, 31, 23, 59, 59, 0, time.UTC)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		DNSNames:    []string{commonName, "localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:   notBefore,
		NotAfter:    notAfter,

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create cert: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}

	return &pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
		&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}, nil
}

func writePEM(path string, block *pem.Block, mode os.FileMode) error {
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if err := pem.Encode(fd, block); err != nil {
		fd.Close()
		return err
	}
	return fd.Close()
}

// DowngradingListener accepts both TLS and plain connections on the same
// port, wrapping those that start with a TLS handshake record.
type DowngradingListener struct {
	net.Listener
	TLSConfig *tls.Config
}

func (l *DowngradingListener) Accept() (net.Conn, error) {
	conn, isTLS, err := l.AcceptNoWrapTLS()

	// We failed to identify the socket type, pretend that everything is fine,
	// and pass it to the underlying handler, and let them deal with it.
	if errors.Is(err, ErrIdentificationFailed) {
		return conn, nil
	}

	if err != nil {
		return conn, err
	}

	if isTLS && l.TLSConfig != nil {
		return tls.Server(conn, l.TLSConfig), nil
	}
	return conn, nil
}

func (l *DowngradingListener) AcceptNoWrapTLS() (net.Conn, bool, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, false, err
	}

	var first [1]byte
	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	n, err := conn.Read(first[:])
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		// We hit a read error here, but the Accept() call succeeded so we must not return an error.
		// We return the connection as is with a special error which handles this
		// special case in Accept().
		return conn, false, ErrIdentificationFailed
	}

	return &UnionedConnection{&first, conn}, first[0] == 0x16, nil
}

// UnionedConnection replays the byte consumed while identifying the
// connection type.
type UnionedConnection struct {
	first *[1]byte
	net.Conn
}

func (c *UnionedConnection) Read(b []byte) (n int, err error) {
	if c.first != nil {
		if len(b) == 0 {
			// this probably doesn't happen, but handle it anyway
			return 0, nil
		}
		b[0] = c.first[0]
		c.first = nil
		return 1, nil
	}
	return c.Conn.Read(b)
}
