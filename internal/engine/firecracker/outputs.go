package firecracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/seantiz/crucible/internal/model"
)

// Uploader stores output file bytes and returns the URL recorded on the
// output file.
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) (string, error)
}

var errOutputMismatch = errors.New("output file does not match guest report")

// outputCollector spools the file chunks a guest streams into dir until the
// run's result says which files are complete.
type outputCollector struct {
	dir   string
	limit int64
	files map[string]*spooledFile
}

type spooledFile struct {
	f      *os.File
	digest hash.Hash
	size   int64
}

func newOutputCollector(dir string, limit int64) (*outputCollector, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &outputCollector{dir: dir, limit: limit, files: make(map[string]*spooledFile)}, nil
}

// validOutputName accepts plain file names only.
func validOutputName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && path.Base(name) == name
}

// write appends data to the named file. It is the StreamHandler.File hook.
func (c *outputCollector) write(name string, data []byte) error {
	if !validOutputName(name) {
		return fmt.Errorf("invalid output file name %q", name)
	}
	sf, ok := c.files[name]
	if !ok {
		f, err := os.Create(filepath.Join(c.dir, name))
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		sf = &spooledFile{f: f, digest: sha256.New()}
		c.files[name] = sf
	}
	if c.limit > 0 && sf.size+int64(len(data)) > c.limit {
		return fmt.Errorf("output %s exceeds %d bytes", name, c.limit)
	}
	if _, err := io.MultiWriter(sf.f, sf.digest).Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	sf.size += int64(len(data))
	return nil
}

// verify checks a reported output against the spooled bytes and returns
// the path of the spooled copy.
func (c *outputCollector) verify(out GuestOutput) (string, error) {
	sf, ok := c.files[out.Name]
	if !ok {
		if out.SizeBytes == 0 && validOutputName(out.Name) {
			// Empty files send no chunks.
			if err := c.write(out.Name, nil); err != nil {
				return "", err
			}
			sf = c.files[out.Name]
		} else {
			return "", fmt.Errorf("%w: %s was never received", errOutputMismatch, out.Name)
		}
	}
	if sf.size != out.SizeBytes {
		return "", fmt.Errorf("%w: %s has %d bytes, guest reported %d", errOutputMismatch, out.Name, sf.size, out.SizeBytes)
	}
	if got := hex.EncodeToString(sf.digest.Sum(nil)); !strings.EqualFold(got, out.SHA256) {
		return "", fmt.Errorf("%w: %s checksum %s, guest reported %s", errOutputMismatch, out.Name, got, out.SHA256)
	}
	return sf.f.Name(), nil
}

func (c *outputCollector) close() {
	for _, sf := range c.files {
		sf.f.Close()
	}
}

// upload verifies and stores every reported output under
// <executionID>/<name> and returns the files for the SUCCESS step.
func (c *outputCollector) upload(ctx context.Context, u Uploader, executionID string, outs []GuestOutput) ([]model.OutputFile, error) {
	files := make([]model.OutputFile, 0, len(outs))
	for _, out := range outs {
		p, err := c.verify(out)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", out.Name, err)
		}
		url, err := u.Upload(ctx, executionID+"/"+out.Name, f, out.SizeBytes)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", out.Name, err)
		}
		uploadedBytes.Add(float64(out.SizeBytes))

		files = append(files, model.OutputFile{
			URL:       url,
			Name:      out.Name,
			SizeBytes: out.SizeBytes,
			Checksum:  model.Checksum{Method: model.ChecksumSHA256, Value: strings.ToLower(out.SHA256)},
		})
	}
	return files, nil
}
