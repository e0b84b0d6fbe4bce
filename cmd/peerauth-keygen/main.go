// Utility for generating, saving, and migrating peer identities

package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/cli"
	"github.com/meshbus/peerauth/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Creates or deletes an identity (a P-256 private key and self-signed certificate) and saves it in the
system keyring or in files, or migrates an identity from plaintext files into the system keyring.

The program writes the certificate to stdout and its fingerprint to stderr (except when deleting an
identity). When using the create option, the program will not overwrite an existing identity unless
invoked with -f.

The type of keyring and name of the identity inside that keyring are controlled by the command-line
options below, or through the corresponding environment variables.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] create|delete|export|migrate|fingerprint\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

func printCertificate(w io.Writer, chain []*x509.Certificate, skey *ecdsa.PrivateKey) {
	w.Write(protocol.EncodeCertificateChainPEM(chain))
	fmt.Fprintf(os.Stderr, "Fingerprint: %s\n", protocol.Fingerprint(&skey.PublicKey))
}

func printPrivateKey(w io.Writer, skey *ecdsa.PrivateKey) error {
	derPrivateKey, err := x509.MarshalECPrivateKey(skey)
	if err != nil {
		return err
	}
	return pem.Encode(w, &pem.Block{Type: "EC PRIVATE KEY", Bytes: derPrivateKey})
}

func main() {
	// Command-line variables
	var (
		overwrite  bool
		commonName string
		validity   time.Duration
		skey       *ecdsa.PrivateKey
		chain      []*x509.Certificate
		err        error
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagIdentity)
	config.RegisterCommandLineFlags(flag.CommandLine)
	flag.Usage = cliUsage
	flag.BoolVar(&overwrite, "f", false, "Overwrite existing identity if it exists")
	flag.StringVar(&commonName, "cn", "", "Certificate common `name`. Defaults to -id.")
	flag.DurationVar(&validity, "validity", 365*24*time.Hour, "Certificate validity `period`")
	flag.Parse()
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.ReadFromEnvironment()
	if err := config.ReadFromFile(); err != nil {
		writeErr("Failed to read configuration file: %s", err)
		return
	}
	if commonName == "" {
		commonName = config.LocalID
	}

	if flag.NArg() != 1 {
		usage(os.Stderr)
		return
	}

	switch flag.Arg(0) {
	case "migrate":
		if config.KeyFilename == "" || config.CertFilename == "" || config.KeyringKeyName == "" {
			writeErr("Must provide paths of existing identity (-key-file, -cert-file) and name of new identity (-key-name)")
			return
		}
		identity, err := config.Identity()
		if err != nil {
			writeErr("Unable to read identity: %s", err)
			return
		}
		skey, chain = identity.Key, identity.Chain
		// Prevent the identity from being re-written to files
		config.KeyFilename = ""
		config.CertFilename = ""
	case "delete":
		if config.KeyringKeyName == "" {
			writeErr("Only identities stored in the keyring (-key-name) can be deleted")
			return
		}
		if err := config.DeleteIdentity(); err != nil {
			writeErr("Failed to delete identity: %s", err)
		} else {
			status = 0
		}
		return
	case "create":
		if !overwrite {
			// Print certificate and exit if the identity already exists
			if identity, err := config.Identity(); err == nil {
				printCertificate(os.Stdout, identity.Chain, identity.Key)
				status = 0
				return
			}
		}
		if commonName == "" {
			writeErr("Must provide a certificate common name (-cn or -id)")
			return
		}
		skey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			writeErr("Failed to generate private key: %s", err)
			return
		}
		cert, err := protocol.SelfSign(skey, commonName, time.Now().Add(-time.Minute), validity)
		if err != nil {
			writeErr("Failed to issue certificate: %s", err)
			return
		}
		chain = []*x509.Certificate{cert}
	case "export":
		identity, err := config.Identity()
		if err == nil {
			err = printPrivateKey(os.Stdout, identity.Key)
		}
		if err != nil {
			writeErr("Failed to export private key: %s", err)
			return
		}
		status = 0
		return
	case "fingerprint":
		identity, err := config.Identity()
		if err != nil {
			writeErr("Failed to load identity: %s", err)
			return
		}
		fmt.Println(protocol.Fingerprint(&identity.Key.PublicKey))
		status = 0
		return
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}

	if err = config.SaveIdentity(skey, chain); err != nil {
		writeErr("Failed to save identity: %s", err)
		return
	}
	printCertificate(os.Stdout, chain, skey)
	status = 0
}
