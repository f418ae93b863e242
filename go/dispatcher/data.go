package dispatcher

import (
	"net/http"

	"golang.org/x/sync/semaphore"
)

// Config configures a CommandDispatcher. It is assembled by the surrounding
// process (workspace loader, CLI) and handed to New; this package never
// parses flags or environment variables itself (§1, out of scope).
type Config struct {
	// CacheDir is the root under which every on-disk cache (source
	// metadata, source builds, package cache) is rooted.
	CacheDir string

	// HTTPClient is shared, internally pooled, and used only from async
	// tasks (§5). A nil value defaults to http.DefaultClient.
	HTTPClient *http.Client

	// MaxConcurrentSolves and MaxConcurrentDownloads size SolveSemaphore and
	// DownloadSemaphore respectively (§5). Zero means "unbounded" and is
	// translated into a very large weight rather than a disabled
	// semaphore, so callers always acquire through the same code path.
	MaxConcurrentSolves    int
	MaxConcurrentDownloads int

	Reporter Reporter
}

// Data is the process-wide configuration every task family reads (§3,
// DispatcherData). It is immutable after New returns, so tasks running on
// arbitrary goroutines may read it without synchronization.
type Data struct {
	cacheDir   string
	httpClient *http.Client

	solveSem    *semaphore.Weighted
	downloadSem *semaphore.Weighted
}

const unboundedWeight = 1 << 30

func newData(cfg Config) *Data {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	solveWeight := int64(cfg.MaxConcurrentSolves)
	if solveWeight <= 0 {
		solveWeight = unboundedWeight
	}
	downloadWeight := int64(cfg.MaxConcurrentDownloads)
	if downloadWeight <= 0 {
		downloadWeight = unboundedWeight
	}
	return &Data{
		cacheDir:    cfg.CacheDir,
		httpClient:  httpClient,
		solveSem:    semaphore.NewWeighted(solveWeight),
		downloadSem: semaphore.NewWeighted(downloadWeight),
	}
}

func (d *Data) CacheDir() string          { return d.cacheDir }
func (d *Data) HTTPClient() *http.Client  { return d.httpClient }

// SolveSemaphore is sized by MaxConcurrentSolves (§5). Its only user is the
// pixi solve's source-metadata fan-out in go/solve; conda solves themselves
// do not acquire it.
func (d *Data) SolveSemaphore() *semaphore.Weighted { return d.solveSem }

// DownloadSemaphore is sized by MaxConcurrentDownloads (§5). No package in
// this module acquires it; install's populate-cache stage is bounded only
// by the parallelism passed to install.Execute (§4.8).
func (d *Data) DownloadSemaphore() *semaphore.Weighted { return d.downloadSem }
