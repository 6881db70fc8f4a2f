package ssh

import (
	"bufio"
	"bytes"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// MergeAuthorizedKey appends publicKey to the contents of an
// authorized_keys file unless the same key is already present. Keys are
// compared by their wire form, so comments and options do not matter.
func MergeAuthorizedKey(existing []byte, publicKey string) ([]byte, bool, error) {
	key, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return nil, false, fmt.Errorf("invalid public key: %w", err)
	}
	want := key.Marshal()

	scanner := bufio.NewScanner(bytes.NewReader(existing))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		have, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			// Leave lines we cannot parse alone.
			continue
		}
		if bytes.Equal(have.Marshal(), want) {
			return existing, false, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to read authorized_keys: %w", err)
	}

	out := bytes.Clone(existing)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(key))
	if comment != "" {
		line = append(line, ' ')
		line = append(line, comment...)
	}
	out = append(out, line...)
	out = append(out, '\n')
	return out, true, nil
}
