package tunnel

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// checkIdentityFile verifies that the configured private key exists and
// parses before a client process is spawned, so a bad key path fails the
// start synchronously instead of as an opaque ssh exit inside the grace
// window. Passphrase-protected keys are accepted as-is; decryption is the
// client's business (via its agent or askpass).
func checkIdentityFile(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "could not read identity file")
	}

	if _, err := ssh.ParsePrivateKey(contents); err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil
		}
		return errors.Wrap(err, "could not parse identity file")
	}
	return nil
}
