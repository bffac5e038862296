package engine

import (
	"fmt"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

// archiveLoop periodically moves terminal flows older than the configured
// age out of the store and into the archive bucket
func (e *Engine) archiveLoop() {
	bucket, err := blob.OpenBucket(e.ctx, e.config.ArchiveBucketURL)
	if err != nil {
		e.logger.Error("archive bucket open failed", log.Error(err))
		return
	}
	defer func() { _ = bucket.Close() }()

	ticker := time.NewTicker(e.config.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.archiveBatch(bucket)
		}
	}
}

func (e *Engine) archiveBatch(bucket *blob.Bucket) {
	cutoff := e.now().Add(-e.config.ArchiveAge)
	ids, err := e.store.ListArchivable(e.ctx, cutoff)
	if err != nil {
		e.logger.Error("archive scan failed", log.Error(err))
		return
	}

	archived := 0
	for _, id := range ids {
		if err := e.archiveFlow(bucket, id); err != nil {
			e.logger.Error("archive failed",
				log.FlowID(id), log.Error(err))
			continue
		}
		archived++
	}

	if archived > 0 {
		e.logger.Info("flows archived", "count", archived)
	}
}

// archiveFlow writes the raw snapshot to the bucket before deleting it from
// the store. A write failure leaves the flow in place for the next pass
func (e *Engine) archiveFlow(bucket *blob.Bucket, id api.FlowID) error {
	raw, err := e.store.GetRaw(e.ctx, id)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("flows/%s.json", id)
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := bucket.WriteAll(e.ctx, key, raw, opts); err != nil {
		return err
	}
	return e.store.Delete(e.ctx, id)
}
