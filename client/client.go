// Package client is the entry point of the library: it creates files from local data, streams and
// ranges of stored files, and downloads stored files.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-objtransfer/download"
	"github.com/bitrise-io/go-objtransfer/emerge"
	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/progress"
	"github.com/bitrise-io/go-objtransfer/session"
	"github.com/bitrise-io/go-objtransfer/transfer"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-objtransfer/wire/b2http"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/panjf2000/ants/v2"
)

// ErrNoSources is returned when a concatenation has nothing to concatenate.
var ErrNoSources = errors.New("no sources to concatenate")

// Client ...
type Client struct {
	config    Config
	session   *session.Session
	executor  *emerge.Executor
	downloads *download.Manager
	pool      *ants.Pool
	metrics   *transfer.Metrics
	logger    log.Logger
}

// New authorizes the account with api and sets up the transfer machinery.
func New(ctx context.Context, api wire.API, config Config, logger log.Logger) (*Client, error) {
	config = config.withDefaults()

	s := session.New(api, session.NewAccountInfo(config.Credentials), logger)
	if err := s.Authorize(ctx); err != nil {
		return nil, fmt.Errorf("authorize account: %w", err)
	}

	pool, err := ants.NewPool(config.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	metrics := transfer.NewMetrics(config.Registerer)
	downloads := download.NewManager(s, config.Download, config.MaxWorkers, logger, metrics)

	return &Client{
		config:  config,
		session: s,
		executor: emerge.NewExecutor(emerge.ExecutorParams{
			Session:          s,
			Uploads:          transfer.NewUploadManager(s, config.Transfer, logger, metrics),
			Copies:           transfer.NewCopyManager(s, config.Transfer, logger, metrics),
			Fetcher:          downloads,
			Pool:             pool,
			MaxPartsInFlight: config.MaxPartsInFlight,
			Logger:           logger,
			Metrics:          metrics,
		}),
		downloads: downloads,
		pool:      pool,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// NewFromEnv creates a client of the native HTTP API configured by ConfigFromEnv.
func NewFromEnv(ctx context.Context, envRepo env.Repository, logger log.Logger) (*Client, error) {
	config, err := ConfigFromEnv(envRepo)
	if err != nil {
		return nil, err
	}
	return New(ctx, b2http.NewClient(logger, b2http.DefaultRetryMax), config, logger)
}

// Close releases the worker pool. Transfers in progress keep running.
func (c *Client) Close() {
	c.pool.Release()
}

// Session ...
func (c *Client) Session() *session.Session {
	return c.session
}

// Metrics ...
func (c *Client) Metrics() *transfer.Metrics {
	return c.metrics
}

func (c *Client) planner() (*emerge.Planner, error) {
	account := c.session.Account()
	return emerge.NewPlanner(account.MinimumPartSize(), account.RecommendedPartSize(), wire.DefaultMaxPartSize)
}

// Emerge creates fileName in the bucket from write intents, which must cover the file without
// holes. Overlapping intents are allowed; server side copies are preferred where possible.
func (c *Client) Emerge(ctx context.Context, bucketID, fileName string, intents []outbound.WriteIntent, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	planner, err := c.planner()
	if err != nil {
		return wire.FileVersion{}, err
	}
	plan, err := planner.Plan(intents)
	if err != nil {
		return wire.FileVersion{}, fmt.Errorf("plan %s: %w", fileName, err)
	}
	return c.execute(ctx, plan, bucketID, fileName, meta, opts)
}

// EmergeStream is Emerge for intents produced lazily, ordered by destination offset. Parts are
// planned while earlier ones are being transferred.
func (c *Client) EmergeStream(ctx context.Context, bucketID, fileName string, intents emerge.IntentIterator, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	planner, err := c.planner()
	if err != nil {
		return wire.FileVersion{}, err
	}
	plan, err := planner.PlanStream(intents)
	if err != nil {
		return wire.FileVersion{}, fmt.Errorf("plan %s: %w", fileName, err)
	}
	return c.execute(ctx, plan, bucketID, fileName, meta, opts)
}

// EmergeUnbound uploads every intent as exactly one part. The intents are the buffers of a
// stream of unknown length, see UploadStream.
func (c *Client) EmergeUnbound(ctx context.Context, bucketID, fileName string, intents emerge.IntentIterator, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	planner, err := c.planner()
	if err != nil {
		return wire.FileVersion{}, err
	}
	plan, err := planner.PlanUnbound(intents)
	if err != nil {
		return wire.FileVersion{}, fmt.Errorf("plan %s: %w", fileName, err)
	}
	return c.execute(ctx, plan, bucketID, fileName, meta, opts)
}

func (c *Client) execute(ctx context.Context, plan emerge.Plan, bucketID, fileName string, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	if opts.Listener == nil {
		opts.Listener = progress.NewLoggingListener(c.logger, fileName)
	}

	c.logger.Infof("Creating %s", fileName)
	start := time.Now()
	version, err := c.executor.Execute(ctx, plan, bucketID, fileName, meta, opts)
	if err != nil {
		return wire.FileVersion{}, err
	}
	c.logger.Donef("Created %s (%s) in %s", fileName, units.HumanSizeWithPrecision(float64(version.Size), 3), time.Since(start).Round(time.Millisecond))
	return version, nil
}

// UploadLocalFile ...
func (c *Client) UploadLocalFile(ctx context.Context, bucketID, fileName, path string, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	source, err := outbound.NewLocalSource(path)
	if err != nil {
		return wire.FileVersion{}, err
	}
	return c.Concatenate(ctx, bucketID, fileName, []outbound.Source{source}, meta, opts)
}

// UploadBytes ...
func (c *Client) UploadBytes(ctx context.Context, bucketID, fileName string, data []byte, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	return c.Concatenate(ctx, bucketID, fileName, []outbound.Source{outbound.NewBytesSource(data)}, meta, opts)
}

// UploadStream uploads r, whose length is not known in advance. It is read in buffers of the
// recommended part size; at most Config.StreamBufferCount buffers are held in memory.
func (c *Client) UploadStream(ctx context.Context, bucketID, fileName string, r io.Reader, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	stream, err := outbound.NewUnboundStream(r, c.session.Account().RecommendedPartSize(), c.config.StreamBufferCount, c.config.StreamBufferTimeout)
	if err != nil {
		return wire.FileVersion{}, err
	}
	return c.EmergeUnbound(ctx, bucketID, fileName, stream, meta, opts)
}

// Copy creates fileName from a range of a stored file. Without content type and file info the
// metadata of the source is kept.
func (c *Client) Copy(ctx context.Context, source *outbound.CopySource, bucketID, fileName string, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	return c.Concatenate(ctx, bucketID, fileName, []outbound.Source{source}, meta, opts)
}

// Concatenate creates fileName from the sources, placed one after another.
func (c *Client) Concatenate(ctx context.Context, bucketID, fileName string, sources []outbound.Source, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	if len(sources) == 0 {
		return wire.FileVersion{}, ErrNoSources
	}
	intents, err := outbound.Concatenate(sources...)
	if err != nil {
		return wire.FileVersion{}, err
	}
	return c.Emerge(ctx, bucketID, fileName, intents, meta, opts)
}

// ConcatenateLocalFiles concatenates the files under root matching pattern, in path order.
func (c *Client) ConcatenateLocalFiles(ctx context.Context, bucketID, fileName, root, pattern string, meta wire.FileMeta, opts emerge.Options) (wire.FileVersion, error) {
	locals, err := outbound.GlobLocalSources(root, pattern)
	if err != nil {
		return wire.FileVersion{}, err
	}
	sources := make([]outbound.Source, 0, len(locals))
	for _, local := range locals {
		sources = append(sources, local)
	}
	c.logger.Debugf("%d files match %s", len(sources), pattern)
	return c.Concatenate(ctx, bucketID, fileName, sources, meta, opts)
}

// DownloadFileFromURL opens a download. The caller saves and closes the returned file.
func (c *Client) DownloadFileFromURL(ctx context.Context, url string, r *wire.ByteRange, encryption wire.EncryptionSetting, listener progress.Listener) (*download.DownloadedFile, error) {
	return c.downloads.DownloadFileFromURL(ctx, url, r, encryption, listener)
}

// DownloadFileByID ...
func (c *Client) DownloadFileByID(ctx context.Context, fileID string, r *wire.ByteRange, encryption wire.EncryptionSetting, listener progress.Listener) (*download.DownloadedFile, error) {
	return c.downloads.DownloadFileByID(ctx, fileID, r, encryption, listener)
}

// DownloadFileByName ...
func (c *Client) DownloadFileByName(ctx context.Context, bucketName, fileName string, r *wire.ByteRange, encryption wire.EncryptionSetting, listener progress.Listener) (*download.DownloadedFile, error) {
	return c.downloads.DownloadFileByName(ctx, bucketName, fileName, r, encryption, listener)
}

// ListUnfinishedLargeFiles ...
func (c *Client) ListUnfinishedLargeFiles(ctx context.Context, bucketID, namePrefix string) ([]wire.UnfinishedFile, error) {
	return c.session.ListUnfinishedLargeFiles(ctx, bucketID, namePrefix)
}

// CancelLargeFile drops an unfinished large file and its parts.
func (c *Client) CancelLargeFile(ctx context.Context, fileID string) error {
	return c.session.CancelLargeFile(ctx, fileID)
}
