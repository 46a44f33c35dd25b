package release

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Artifact is a package file ready to upload.
type Artifact struct {
	Path   string
	Size   int64
	Digest string // "blake3:" followed by the hex digest
}

// InspectArtifact checks that path is a regular file and fingerprints it.
func InspectArtifact(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("artifact not accessible: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("artifact %s is not a regular file", path)
	}
	digest, err := FileDigest(path)
	if err != nil {
		return nil, err
	}
	return &Artifact{Path: path, Size: info.Size(), Digest: digest}, nil
}

// FileDigest returns the BLAKE3 digest of a file's contents.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash artifact: %w", err)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}
