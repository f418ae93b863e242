package pixitypes

// RepoDataRecord is a fully-built binary package record as it would appear
// in conda repodata: the core treats its fields as opaque beyond what the
// solver and installer need.
type RepoDataRecord struct {
	Name       string
	Version    string
	Build      string
	BuildNumber int
	Subdir     string
	URL        string
	Sha256     string
	Md5        string
	Depends    []string
	Constrains []string
	// RunExports carries the run_exports metadata this package injects into
	// the host/run environment of whatever depends on it at build time.
	RunExports RunExports
}

// RunExports groups the dependency strings a build-time dependency injects
// into its dependents' host/run environments, by export strength.
type RunExports struct {
	Weak       []string
	Strong     []string
	NoArch     []string
	WeakConstrains []string
	StrongConstrains []string
}

// InputHash validates a mutable source's cached records: it is the hash of
// every file under Globs at the time the cache entry was written.
type InputHash struct {
	Globs []string
	Hash  string
}

// SourceRecord is a package record whose artifact has not been built yet. It
// carries a pointer back to the source it was produced from and, for mutable
// sources, the input hash that must still match for the record to be valid.
type SourceRecord struct {
	Name        string
	Version     string
	Build       string
	Subdir      string
	Depends     []string
	Constrains  []string
	RunExports  RunExports
	IgnoreRunExports []string

	Source SourceCheckout

	// InputHash is nil for records derived from an immutable source.
	InputHash *InputHash
}

// SourceMetadata is the response to a source-metadata request: every package
// record a backend emitted for the given source checkout.
type SourceMetadata struct {
	Source  SourceCheckout
	Records []SourceRecord
}

// PixiRecordKind discriminates the PixiRecord union.
type PixiRecordKind int

const (
	PixiRecordKindBinary PixiRecordKind = iota
	PixiRecordKindSource
)

// PixiRecord is either a fully-built binary record or a source record still
// awaiting a build. Solvers return sequences of these; installs consume them.
type PixiRecord struct {
	Kind   PixiRecordKind
	Binary *RepoDataRecord
	Source *SourceRecord
}

func NewBinaryRecord(r RepoDataRecord) PixiRecord {
	return PixiRecord{Kind: PixiRecordKindBinary, Binary: &r}
}

func NewSourceRecordPixi(r SourceRecord) PixiRecord {
	return PixiRecord{Kind: PixiRecordKindSource, Source: &r}
}

// Name returns the package name regardless of which union arm is populated.
func (p PixiRecord) Name() string {
	if p.Kind == PixiRecordKindBinary && p.Binary != nil {
		return p.Binary.Name
	}
	if p.Kind == PixiRecordKindSource && p.Source != nil {
		return p.Source.Name
	}
	return ""
}
