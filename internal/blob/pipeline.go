package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nerrad567/udmi-device/internal/infrastructure/fsutil"
	"github.com/nerrad567/udmi-device/internal/persistence"
)

// DefaultLargeThreshold is the size above which blobs are written to a
// temporary file instead of held in memory.
const DefaultLargeThreshold int64 = 4 << 20 // 4MB

// Job describes one blob to apply.
type Job struct {
	Key        string
	URL        string
	SHA256     string
	Generation string
}

func (j Job) validate() error {
	switch {
	case j.Key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidJob)
	case j.URL == "":
		return fmt.Errorf("%w: %s: url is required", ErrInvalidJob, j.Key)
	case j.Generation == "":
		return fmt.Errorf("%w: %s: generation is required", ErrInvalidJob, j.Key)
	case j.SHA256 == "":
		return fmt.Errorf("%w: %s: sha256 is required", ErrInvalidJob, j.Key)
	}
	return nil
}

// Blob is a verified, decompressed blob. Small blobs are held in Data;
// large ones live at Path until the pipeline run ends.
type Blob struct {
	Job  Job
	Data []byte
	Path string
	Size int64
}

// Open returns a reader over the blob content.
func (b *Blob) Open() (io.ReadCloser, error) {
	if b.Path != "" {
		return os.Open(b.Path)
	}
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// Bytes returns the whole content, reading it from disk when needed.
func (b *Blob) Bytes() ([]byte, error) {
	if b.Path != "" {
		return os.ReadFile(b.Path)
	}
	return b.Data, nil
}

// Processor applies a verified blob.
type Processor interface {
	Process(ctx context.Context, blob *Blob) error
}

// PostProcessor is implemented by processors with a second step that runs
// after Process succeeded, such as reconnecting after an endpoint change.
type PostProcessor interface {
	PostProcess(ctx context.Context, blob *Blob) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, blob *Blob) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, blob *Blob) error { return f(ctx, blob) }

// Logger is the logging interface used by the pipeline.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Fetchers *Registry
	Store    persistence.Backend

	// WorkDir holds temporary files for large blobs. Defaults to os.TempDir.
	WorkDir string

	// LargeThreshold defaults to DefaultLargeThreshold.
	LargeThreshold int64

	Logger Logger
}

// Pipeline runs blob jobs. It keeps no per-job state and is safe for
// concurrent use.
type Pipeline struct {
	fetchers  *Registry
	store     persistence.Backend
	workDir   string
	threshold int64
	logger    Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Fetchers == nil {
		opts.Fetchers = NewDefaultRegistry(nil)
	}
	if opts.Store == nil {
		opts.Store = persistence.NewMemoryBackend()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.LargeThreshold <= 0 {
		opts.LargeThreshold = DefaultLargeThreshold
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Pipeline{
		fetchers:  opts.Fetchers,
		store:     opts.Store,
		workDir:   opts.WorkDir,
		threshold: opts.LargeThreshold,
		logger:    opts.Logger,
	}
}

// Fetchers returns the pipeline's fetcher registry.
func (p *Pipeline) Fetchers() *Registry { return p.fetchers }

// AppliedGeneration returns the last generation applied for key, or "".
func (p *Pipeline) AppliedGeneration(key string) string {
	gen, err := p.store.Load(persistence.BlobGenerationKey(key))
	if err != nil {
		return ""
	}
	return gen
}

// Run executes job through proc:
//  1. Skips a generation that is already recorded
//  2. Fetches the URL and verifies its SHA-256 while reading
//  3. Decompresses .zst and .lz4 payloads
//  4. Calls Process, then PostProcess when proc implements it
//  5. Records the generation
//
// Parameters:
//   - ctx: Cancels the fetch and skips processing once done
//   - job: Key, URL, SHA-256 and generation; all are required
//   - proc: Applies the verified bytes
//
// Returns:
//   - error: ErrInvalidJob, ErrAlreadyApplied, ErrHashMismatch (proc is
//     never called), or the first error from any step
func (p *Pipeline) Run(ctx context.Context, job Job, proc Processor) error {
	if err := job.validate(); err != nil {
		return err
	}
	if p.AppliedGeneration(job.Key) == job.Generation {
		return ErrAlreadyApplied
	}

	raw, err := p.fetchVerified(ctx, job)
	if err != nil {
		return err
	}
	defer raw.cleanup()

	blob, err := p.decompress(job, raw)
	if err != nil {
		return err
	}
	if blob != raw {
		defer blob.cleanup()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := proc.Process(ctx, &blob.Blob); err != nil {
		return fmt.Errorf("processing blob %s: %w", job.Key, err)
	}
	if post, ok := proc.(PostProcessor); ok {
		if err := post.PostProcess(ctx, &blob.Blob); err != nil {
			return fmt.Errorf("post-processing blob %s: %w", job.Key, err)
		}
	}

	if err := p.store.Save(persistence.BlobGenerationKey(job.Key), job.Generation); err != nil {
		return fmt.Errorf("recording generation for %s: %w", job.Key, err)
	}
	p.logger.Info("blob applied", "key", job.Key, "generation", job.Generation, "size", blob.Size)
	return nil
}

type spooled struct {
	Blob
}

func (s *spooled) cleanup() {
	if s.Path != "" {
		os.Remove(s.Path)
	}
}

// fetchVerified downloads the blob, hashing as it reads.
func (p *Pipeline) fetchVerified(ctx context.Context, job Job) (*spooled, error) {
	rc, err := p.fetchers.Fetch(ctx, job.URL)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	h := sha256.New()
	s, err := p.spool(job, io.TeeReader(rc, h))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, job.Key, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, job.SHA256) {
		s.cleanup()
		return nil, fmt.Errorf("%w: %s: got %s, want %s", ErrHashMismatch, job.Key, got, strings.ToLower(job.SHA256))
	}
	return s, nil
}

func (p *Pipeline) decompress(job Job, raw *spooled) (*spooled, error) {
	c := CompressionFor(job.URL)
	if c == CompressionNone {
		return raw, nil
	}
	src, err := raw.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dec, err := decompressor(c, src)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	out, err := p.spool(job, dec)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s (%s): %w", job.Key, c, err)
	}
	return out, nil
}

// spool reads r into memory, moving to a temporary file once the content
// passes the large-blob threshold.
func (p *Pipeline) spool(job Job, r io.Reader) (*spooled, error) {
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, p.threshold+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n <= p.threshold {
		return &spooled{Blob{Job: job, Data: buf.Bytes(), Size: n}}, nil
	}

	counter := &countingReader{r: io.MultiReader(&buf, r)}
	path, err := fsutil.WriteTempFile(p.workDir, "blob-"+sanitize(job.Key)+"-*", counter)
	if err != nil {
		return nil, err
	}
	return &spooled{Blob{Job: job, Path: path, Size: counter.n}}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == '*' {
			return '_'
		}
		return r
	}, key)
}
