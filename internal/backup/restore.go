package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/habibiahmada/openclass-NexusAI-sub003/internal/archive"
)

type stagedComponent struct {
	comp    Component
	live    string
	staged  string
	aside   string
	hadLive bool
}

// RestoreBackup restores every declared component of a backup over the live
// locations. File components are first staged next to their live directory;
// the relational store is restored once staging succeeded; the staged
// directories are then swapped in by rename. A failure before the swap leaves
// the live file components untouched.
//
// When the backup directory is gone, the backup is recovered from its
// <id>.tar.gz or <id>.tar.gz.enc artifact. With verify set, integrity is
// checked before anything live is modified.
func (m *Manager) RestoreBackup(ctx context.Context, id string, verify bool) error {
	if err := validateID(id); err != nil {
		return err
	}
	release, err := m.lock.acquire()
	if err != nil {
		return err
	}
	defer release()

	log := m.logger.WithField("backup_id", id)
	if err := m.restore(ctx, id, verify, log); err != nil {
		log.WithError(err).Error("restore failed")
		return err
	}
	log.Info("backup restored")
	return nil
}

func (m *Manager) restore(ctx context.Context, id string, verify bool, log logrus.FieldLogger) error {
	src, cleanup, err := m.openBackup(id)
	if err != nil {
		return err
	}
	defer cleanup()

	meta, err := readMetadata(src)
	if err != nil {
		return fmt.Errorf("backup %s: %w", id, err)
	}

	if verify {
		if err := verifyDir(src, meta); err != nil {
			return err
		}
	} else if err := checkComponents(src, meta); err != nil {
		return err
	}

	staged, err := m.stage(src, id, meta, log)
	if err != nil {
		discard(staged)
		return err
	}

	if meta.Has(ComponentRelational) {
		dump := relationalDumpPath(src, meta)
		if meta.BackupType == TypeIncremental {
			err = m.cfg.Store.ApplyIncremental(ctx, dump)
		} else {
			err = m.cfg.Store.Restore(ctx, dump)
		}
		if err != nil {
			discard(staged)
			return fmt.Errorf("relational restore failed: %w", err)
		}
	}

	return m.swap(staged, log)
}

// openBackup returns the directory holding the backup contents and a
// cleanup function for any temporary extraction.
func (m *Manager) openBackup(id string) (string, func(), error) {
	dir := m.backupPath(id)
	if isDir(dir) {
		return dir, func() {}, nil
	}

	arc, enc := m.ArchivePath(id), m.EncryptedPath(id)
	if !exists(arc) && !exists(enc) {
		return "", nil, fmt.Errorf("backup %s: %w", id, ErrBackupNotFound)
	}

	tmp, err := os.MkdirTemp(m.cfg.BackupDir, ".restore-"+id+"-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	if !exists(arc) {
		if m.cfg.EncryptionKey == "" {
			cleanup()
			return "", nil, fmt.Errorf("backup %s is encrypted: %w", id, archive.ErrNoKey)
		}
		arc = filepath.Join(tmp, id+ArchiveSuffix)
		if err := archive.DecryptFile(enc, arc, m.cfg.EncryptionKey); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to decrypt backup %s: %w", id, err)
		}
	}

	if err := archive.ExtractTarGz(arc, tmp); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to extract backup %s: %w", id, err)
	}
	src := filepath.Join(tmp, id)
	if !isDir(src) {
		cleanup()
		return "", nil, fmt.Errorf("backup %s: archive has no %s directory: %w", id, id, ErrBackupNotFound)
	}
	m.logger.WithField("backup_id", id).Info("backup recovered from archive")
	return src, cleanup, nil
}

func (m *Manager) stage(src, id string, meta *BackupMetadata, log logrus.FieldLogger) ([]stagedComponent, error) {
	var out []stagedComponent
	for _, fc := range m.fileComponents() {
		if !meta.Has(fc.comp) {
			continue
		}
		if fc.live == "" {
			log.Warnf("no live location configured for %s, skipping", fc.comp)
			continue
		}

		sc := stagedComponent{
			comp:   fc.comp,
			live:   fc.live,
			staged: fc.live + ".staging-" + id,
			aside:  fc.live + ".pre-restore-" + id,
		}
		if err := os.RemoveAll(sc.staged); err != nil {
			return out, fmt.Errorf("failed to clear staging for %s: %w", fc.comp, err)
		}
		if err := os.MkdirAll(filepath.Dir(fc.live), 0o755); err != nil {
			return out, fmt.Errorf("failed to prepare %s: %w", fc.comp, err)
		}
		out = append(out, sc)
		if err := copyDir(filepath.Join(src, fc.comp.dirName()), sc.staged); err != nil {
			return out, fmt.Errorf("failed to stage %s: %w", fc.comp, err)
		}
	}
	return out, nil
}

func discard(staged []stagedComponent) {
	for _, sc := range staged {
		_ = os.RemoveAll(sc.staged)
	}
}

// swap renames every staged directory over its live location. If a rename
// fails, components already swapped are put back.
func (m *Manager) swap(staged []stagedComponent, log logrus.FieldLogger) error {
	var done []stagedComponent
	fail := func(err error) error {
		unswap(done, log)
		discard(staged)
		return err
	}

	for _, sc := range staged {
		sc.hadLive = exists(sc.live)
		if sc.hadLive {
			_ = os.RemoveAll(sc.aside)
			if err := os.Rename(sc.live, sc.aside); err != nil {
				return fail(fmt.Errorf("failed to move live %s aside: %w", sc.comp, err))
			}
		}
		if err := os.Rename(sc.staged, sc.live); err != nil {
			if sc.hadLive {
				_ = os.Rename(sc.aside, sc.live)
			}
			return fail(fmt.Errorf("failed to swap in %s: %w", sc.comp, err))
		}
		done = append(done, sc)
	}

	for _, sc := range done {
		if err := os.RemoveAll(sc.aside); err != nil {
			log.WithError(err).Warnf("failed to remove previous %s", sc.comp)
		}
	}
	return nil
}

func unswap(done []stagedComponent, log logrus.FieldLogger) {
	for i := len(done) - 1; i >= 0; i-- {
		sc := done[i]
		if err := os.RemoveAll(sc.live); err != nil {
			log.WithError(err).Errorf("failed to remove restored %s", sc.comp)
			continue
		}
		if sc.hadLive {
			if err := os.Rename(sc.aside, sc.live); err != nil {
				log.WithError(err).Errorf("failed to put back %s", sc.comp)
			}
		}
	}
}
