// blirp-recover is an offline recovery tool: it decrypts the local seed
// record for a tag and prints the wallet address, optionally exporting the
// raw private key. It needs no daemon, no network, and no passkey; only
// the encrypted seed file and the tag it was written under.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/term"

	"github.com/avataraad/blirp-core/internal/securefile"
	"github.com/avataraad/blirp-core/internal/wallet/seedstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	dirFlag := flag.String("dir", "", "data directory (default: the daemon's)")
	export := flag.Bool("export", false, "print the raw private key hex")
	flag.Parse()

	dataDir := *dirFlag
	if dataDir == "" {
		var err error
		if dataDir, err = securefile.DataDir(); err != nil {
			return err
		}
	}

	tag, err := promptTag()
	if err != nil {
		return err
	}

	seeds, err := seedstore.NewStore(dataDir)
	if err != nil {
		return err
	}
	priv, err := seeds.Load(tag)
	if err != nil {
		return err
	}
	defer zeroBytes(priv)

	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return fmt.Errorf("stored key is invalid: %w", err)
	}
	defer key.D.SetInt64(0)

	fmt.Printf("tag:     %s\n", tag)
	fmt.Printf("address: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())

	if *export {
		fmt.Fprintln(os.Stderr, "WARNING: anyone holding this key controls the wallet")
		fmt.Printf("private: %s\n", hex.EncodeToString(priv))
	}
	return nil
}

// promptTag reads the tag without echo: it doubles as the decryption
// secret for the seed record.
func promptTag() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal: run interactively")
	}
	fmt.Fprint(os.Stderr, "Enter wallet tag: ")
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("read tag: %w", err)
	}
	tag := strings.ToLower(strings.TrimSpace(string(raw)))
	if tag == "" {
		return "", fmt.Errorf("tag cannot be empty")
	}
	return tag, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
