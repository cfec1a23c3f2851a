package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingspv/config"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// networkID is the handshake network tag. Peers on another network are
// refused even when they share a genesis (testnet and regtest do).
func networkID(params *config.ChainParams) string {
	return "klingspv-" + params.Name
}
