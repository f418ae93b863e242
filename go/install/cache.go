package install

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"pixi.goldmine.build/go/pixitypes"
	"pixi.goldmine.build/go/skerr"
)

// ErrCorruptedArchive is returned (or wrapped) by a Cache implementation
// when a downloaded package archive fails its checksum or fails to unpack;
// populateCache retries these a small fixed number of times before giving
// up (§4.8 "retried on corrupted-archive errors up to a small fixed
// bound; other errors are fatal").
var ErrCorruptedArchive = errors.New("corrupted package archive")

const maxCorruptedArchiveRetries = 3

func populateCache(ctx context.Context, cache Cache, rec pixitypes.PixiRecord) (string, error) {
	switch rec.Kind {
	case pixitypes.PixiRecordKindBinary:
		return populateBinary(ctx, cache, *rec.Binary)
	case pixitypes.PixiRecordKindSource:
		return populateSource(ctx, cache, *rec.Source)
	default:
		return "", skerr.Fmt("install: record %q has neither a binary nor a source payload", rec.Name())
	}
}

func populateBinary(ctx context.Context, cache Cache, rec pixitypes.RepoDataRecord) (string, error) {
	var localPath string
	op := func() error {
		p, err := cache.EnsureBinary(ctx, rec)
		if err != nil {
			if errors.Is(err, ErrCorruptedArchive) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		localPath = p
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxCorruptedArchiveRetries))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", skerr.Wrapf(err, "populate cache for %s==%s", rec.Name, rec.Version)
	}
	return localPath, nil
}

func populateSource(ctx context.Context, cache Cache, rec pixitypes.SourceRecord) (string, error) {
	localPath, err := cache.EnsureSource(ctx, SourceBuildRequest{
		Record: rec,
	})
	if err != nil {
		return "", skerr.Wrapf(err, "build source %s==%s", rec.Name, rec.Version)
	}
	return localPath, nil
}
