// Command imaplogind-genpki builds a small PKI for exercising the
// login front-end's internal TLS configuration: a root certificate
// plus one leaf certificate per internal peer (the auth service and
// the backend master) that the front-end dials with
// crypto.NewInternalTLSConfig.
//
// Heavily inspired by:
// - https://raw.githubusercontent.com/golang/go/master/src/crypto/tls/generate_cert.go
// - https://ericchiang.github.io/tls/go/https/2015/06/21/go-tls.html
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"os"
	"path/filepath"
	"time"

	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
)

// bootstrapCertTempl returns a certificate template that has all
// default values for our certificates already set.
func bootstrapCertTempl(nBef time.Time, nAft time.Time) (*x509.Certificate, error) {

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)

	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("could not generate random serial number: %v", err)
	}

	certificateTemplate := &x509.Certificate{
		SignatureAlgorithm:    x509.SHA512WithRSA,
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"imaplogind internal PKI"}},
		NotBefore:             nBef,
		NotAfter:              nAft,
		BasicConstraintsValid: true,
	}

	return certificateTemplate, nil
}

// createRootCertAndKey generates a new root key and creates a root
// certificate based on it, persisting both to outDir.
func createRootCertAndKey(outDir string, rsaBits int, notBefore, notAfter time.Time) (*rsa.PrivateKey, *x509.Certificate, error) {

	stdlog.Println("=== Generating root certificate ===")

	rootKey, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate root key: %v", err)
	}

	rootTemplate, err := bootstrapCertTempl(notBefore, notAfter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bootstrap certificate template: %v", err)
	}

	rootTemplate.IsCA = true
	rootTemplate.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign
	rootTemplate.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}

	rootCertDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create DER byte representation of root certificate: %v", err)
	}

	rootCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse DER root certificate to x509 certificate: %v", err)
	}

	if err := writePEM(filepath.Join(outDir, "root-cert.pem"), "CERTIFICATE", rootCertDER); err != nil {
		return nil, nil, err
	}
	stdlog.Println("Saved root-cert.pem to disk")

	if err := writePEM(filepath.Join(outDir, "root-key.pem"), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rootKey)); err != nil {
		return nil, nil, err
	}
	stdlog.Println("Saved root-key.pem to disk")
	stdlog.Println("=== Done generating root certificate ===")

	return rootKey, rootCert, nil
}

// createPeerCert performs all needed actions to obtain a peer's key
// pair and certificate, signed by the root certificate.
func createPeerCert(outDir string, name string, rsaBits int, nBef, nAft time.Time, peerIPs []net.IP, peerNames []string, rootCert *x509.Certificate, rootKey *rsa.PrivateKey) error {

	stdlog.Printf("=== Generating for %s ===", name)

	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return fmt.Errorf("failed to generate key for %s: %v", name, err)
	}

	template, err := bootstrapCertTempl(nBef, nAft)
	if err != nil {
		return err
	}

	template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}

	if len(peerIPs) > 0 {
		template.IPAddresses = peerIPs
	}

	if len(peerNames) > 0 {
		template.DNSNames = peerNames
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create DER byte representation of certificate for %s: %v", name, err)
	}

	if err := writePEM(filepath.Join(outDir, fmt.Sprintf("%s-cert.pem", name)), "CERTIFICATE", certDER); err != nil {
		return err
	}
	stdlog.Printf("Saved %s-cert.pem to disk", name)

	if err := writePEM(filepath.Join(outDir, fmt.Sprintf("%s-key.pem", name)), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)); err != nil {
		return err
	}
	stdlog.Printf("Saved %s-key.pem to disk", name)
	stdlog.Printf("=== Done generating for %s ===", name)

	return nil
}

func writePEM(path string, blockType string, bytes []byte) error {

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %v", path, err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: bytes}); err != nil {
		return fmt.Errorf("failed to write %s in PEM format to disk: %v", path, err)
	}

	return f.Sync()
}

func peerNameParts(addr string) ([]net.IP, []string, error) {

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split host and port of %q: %v", addr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil, nil
	}

	return nil, []string{host}, nil
}

func main() {

	outDirFlag := flag.String("out", "private", "Directory to write generated keys and certificates to")
	authServiceAddrFlag := flag.String("auth-service-addr", "127.0.0.1:4000", "Address the auth service certificate should be valid for")
	backendAddrFlag := flag.String("backend-addr", "127.0.0.1:4001", "Address the backend master certificate should be valid for")
	validFromFlag := flag.String("start-date", "", "Creation date formatted as Jan 1 15:04:05 2011")
	validForFlag := flag.Int("validity-period", 90, "Number of days that certificates will be valid for")
	rsaBitsFlag := flag.Int("rsa-bits", 2048, "Size of RSA keys to generate")
	flag.Parse()

	outDir := *outDirFlag
	validFor := time.Duration(*validForFlag*24) * time.Hour
	rsaBits := *rsaBitsFlag

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		stdlog.Fatalf("could not create directory %q: %v", outDir, err)
	}

	var notBefore time.Time
	var err error
	if *validFromFlag == "" {
		notBefore = time.Now()
	} else {
		notBefore, err = time.Parse("Jan 2 15:04:05 2006", *validFromFlag)
		if err != nil {
			stdlog.Fatalf("failed to parse creation date of certificates: %v", err)
		}
	}
	notAfter := notBefore.Add(validFor)

	rootKey, rootCert, err := createRootCertAndKey(outDir, rsaBits, notBefore, notAfter)
	if err != nil {
		stdlog.Fatal(err)
	}

	authIPs, authNames, err := peerNameParts(*authServiceAddrFlag)
	if err != nil {
		stdlog.Fatal(err)
	}
	if err := createPeerCert(outDir, "auth-service", rsaBits, notBefore, notAfter, authIPs, authNames, rootCert, rootKey); err != nil {
		stdlog.Fatal(err)
	}

	backendIPs, backendNames, err := peerNameParts(*backendAddrFlag)
	if err != nil {
		stdlog.Fatal(err)
	}
	if err := createPeerCert(outDir, "backend-master", rsaBits, notBefore, notAfter, backendIPs, backendNames, rootCert, rootKey); err != nil {
		stdlog.Fatal(err)
	}

	stdlog.Println("Done building imaplogind's internal PKI components, goodbye")
}
