package telemetry

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

const DefaultPasswdPath = "/etc/passwd"

// ReadAccounts lists every local account from a passwd(5) file
func ReadAccounts(path string) ([]resourcelimits.UserAccount, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIOError("failed to open account database", err).WithContext("path", path)
	}
	defer file.Close()

	accounts, err := parsePasswd(file)
	if err != nil {
		return nil, errors.NewIOError("failed to read account database", err).WithContext("path", path)
	}
	return accounts, nil
}

// parsePasswd skips comments and malformed lines; the first entry of a uid wins
func parsePasswd(r io.Reader) ([]resourcelimits.UserAccount, error) {
	var accounts []resourcelimits.UserAccount
	seen := make(map[uint32]struct{})

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 || fields[0] == "" {
			continue
		}
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		if _, dup := seen[uint32(uid)]; dup {
			continue
		}
		seen[uint32(uid)] = struct{}{}
		accounts = append(accounts, resourcelimits.UserAccount{UID: uint32(uid), Name: fields[0]})
	}
	return accounts, scanner.Err()
}
