package core

import (
	"compress/gzip"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

// Archiver writes trimmed blocks older than a retention window to a
// gzip-compressed append-only file, an ambient persistence-hygiene
// addition that does not affect consensus. Nothing reads archived blocks
// back, and archiving does not remove a block from the store: the archive
// holds an additional copy.
type Archiver struct {
	path      string
	retention int
}

// NewArchiver builds an archiver whose ArchiveIfDue writes a trimmed block
// once that block is at least retention blocks behind tip. A zero
// retention or empty path disables archiving.
func NewArchiver(path string, retention int) *Archiver {
	return &Archiver{path: path, retention: retention}
}

// Retention reports how many of the newest blocks the archiver keeps live,
// i.e. the height offset behind tip a block must fall to become due.
func (a *Archiver) Retention() int {
	if a == nil {
		return 0
	}
	return a.retention
}

// ArchiveIfDue appends trimmed to the archive file once its height falls
// retention blocks behind tip, exactly mirroring the teacher's
// toArchive := len(Blocks) - pruneInterval threshold. The caller is
// responsible for looking trimmed up by height (tip - retention), since the
// archiver itself holds no store reference and the newly-persisted block at
// tip is never the one that is due.
func (a *Archiver) ArchiveIfDue(tip Height, trimmed *TrimmedBlock) error {
	if a == nil || a.path == "" || a.retention <= 0 || trimmed == nil {
		return nil
	}
	if int(tip)-int(trimmed.Header.Index) < a.retention {
		return nil
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("core: open archive %s: %w", a.path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	data, err := rlp.EncodeToBytes(trimmed)
	if err != nil {
		gz.Close()
		return fmt.Errorf("core: encode archived block %d: %w", trimmed.Header.Index, err)
	}
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return fmt.Errorf("core: write archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("core: close archive gzip stream: %w", err)
	}

	logrus.WithFields(logrus.Fields{"height": trimmed.Header.Index, "path": a.path}).Info("block archived")
	return nil
}
