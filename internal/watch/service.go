// Package watch imports batch files which are dropped in to a directory on the
// host, as an alternative to uploading them through the API.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/record"
	"github.com/cratefm/crate/pkg/logger"
	"github.com/rjeczalik/notify"
)

const BatchFileExtension = ".csv"

var log = logger.Get("WatchServ")

type (
	submitter interface {
		UploadDir() string
		Submit(path string) (*batch.Batch, error)
	}

	// watchService monitors a directory for batch files. Files which have not been
	// modified for the configured duration are moved in to the upload directory and
	// submitted; newer files are held and re-evaluated once they are old enough.
	watchService struct {
		*sync.Mutex
		config           Config
		batches          submitter
		blacklist        []*regexp.Regexp
		importHoldTimers map[string]*time.Timer
	}
)

func New(config Config, batches submitter) (*watchService, error) {
	if err := os.MkdirAll(config.Path, os.ModeDir|os.ModePerm); err != nil {
		return nil, fmt.Errorf("watch directory '%s' could not be created: %w", config.Path, err)
	}

	blacklist := make([]*regexp.Regexp, 0, len(config.Blacklist))
	for _, expr := range config.Blacklist {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("watch blacklist expression %q is invalid: %w", expr, err)
		}
		blacklist = append(blacklist, re)
	}

	return &watchService{
		Mutex:            &sync.Mutex{},
		config:           config,
		batches:          batches,
		blacklist:        blacklist,
		importHoldTimers: make(map[string]*time.Timer),
	}, nil
}

// Run listens for file system changes in the watched directory, as well as
// regularly polling the directory irrespective of the watcher. To stop the
// service, cancel the context provided.
func (service *watchService) Run(ctx context.Context) error {
	fsNotifyChannel := make(chan notify.EventInfo, 16)
	if err := notify.Watch(filepath.Join(service.config.Path, "..."), fsNotifyChannel, notify.Create, notify.Write, notify.Rename); err != nil {
		log.Emit(logger.WARNING, "File system watcher could not be started, relying on polling only: %v\n", err)
	} else {
		defer notify.Stop(fsNotifyChannel)
	}

	forceSync := time.NewTicker(service.config.ForceSyncDuration())
	defer forceSync.Stop()
	defer service.clearAllImportHoldTimers()

	log.Emit(logger.NEW, "Watching %s for batch files\n", service.config.Path)
	service.DiscoverNewFiles()
	for {
		select {
		case ev := <-fsNotifyChannel:
			log.Emit(logger.VERBOSE, "File system event %s for %s\n", ev.Event(), ev.Path())
			service.DiscoverNewFiles()
		case <-forceSync.C:
			service.DiscoverNewFiles()
		case <-ctx.Done():
			log.Emit(logger.STOP, "Watch service closed\n")
			return nil
		}
	}
}

// DiscoverNewFiles scans the watched directory and imports every batch file whose
// modtime is old enough. Other batch files are placed on an import hold.
//
// Note: This function will take ownership of the mutex, and releases it when returning
func (service *watchService) DiscoverNewFiles() {
	service.Lock()
	defer service.Unlock()

	found, err := service.walkBatchFiles()
	if err != nil {
		log.Emit(logger.ERROR, "Watch directory scan failed: %v\n", err)
		return
	}

	threshold := service.config.RequiredModTimeAgeDuration()
	for path, info := range found {
		if _, held := service.importHoldTimers[path]; held {
			continue
		}

		age := time.Since(info.ModTime())
		if age >= threshold {
			service.importFile(path)
			continue
		}

		log.Emit(logger.DEBUG, "Batch file %s was modified recently, holding import\n", path)
		service.scheduleImportHoldTimer(path, threshold-age)
	}
}

// HeldFiles returns the paths of the files currently on an import hold.
func (service *watchService) HeldFiles() []string {
	service.Lock()
	defer service.Unlock()

	paths := make([]string, 0, len(service.importHoldTimers))
	for path := range service.importHoldTimers {
		paths = append(paths, path)
	}

	return paths
}

// evaluateItemHold checks the modtime of a held file, importing it if it is now old
// enough. If the file no longer exists, the hold is dropped. Otherwise a new
// timer is scheduled to re-evaluate the hold.
//
// Note: this function takes ownership of the mutex, and releases it when returning
func (service *watchService) evaluateItemHold(path string) {
	service.Lock()
	defer service.Unlock()

	if _, held := service.importHoldTimers[path]; !held {
		return
	}
	delete(service.importHoldTimers, path)

	info, err := os.Stat(path)
	if err != nil {
		log.Emit(logger.DEBUG, "Held batch file %s has gone away\n", path)
		return
	}

	threshold := service.config.RequiredModTimeAgeDuration()
	if age := time.Since(info.ModTime()); age < threshold {
		service.scheduleImportHoldTimer(path, threshold-age)
		return
	}

	service.importFile(path)
}

// importFile moves the batch file in to the upload directory and submits it. A file
// which is rejected on submission stays in the upload directory, so that it is not
// repeatedly imported from the watched directory.
//
// Note: the caller must hold the mutex
func (service *watchService) importFile(path string) {
	dest := filepath.Join(service.batches.UploadDir(), fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(path)))
	if err := moveFile(path, dest); err != nil {
		log.Emit(logger.ERROR, "Failed to move batch file %s to %s: %v\n", path, dest, err)
		return
	}

	b, err := service.batches.Submit(dest)
	if err != nil {
		var malformed *record.MalformedInputError
		if errors.As(err, &malformed) {
			log.Emit(logger.WARNING, "Batch file %s was rejected: %v\n", path, malformed)
		} else {
			log.Emit(logger.ERROR, "Failed to submit batch file %s: %v\n", path, err)
		}

		return
	}

	log.Emit(logger.SUCCESS, "Imported batch file %s as batch %s\n", path, b.ID())
}

func (service *watchService) scheduleImportHoldTimer(path string, delay time.Duration) {
	service.clearImportHoldTimer(path)
	service.importHoldTimers[path] = time.AfterFunc(delay, func() {
		service.evaluateItemHold(path)
	})
}

func (service *watchService) clearImportHoldTimer(path string) {
	if timer, ok := service.importHoldTimers[path]; ok {
		timer.Stop()
		delete(service.importHoldTimers, path)
	}
}

func (service *watchService) clearAllImportHoldTimers() {
	service.Lock()
	defer service.Unlock()

	for path := range service.importHoldTimers {
		service.clearImportHoldTimer(path)
	}
}

// walkBatchFiles walks the watched directory (including any nested directories) and
// returns the batch files found. Hidden files and blacklisted names are ignored.
func (service *watchService) walkBatchFiles() (map[string]fs.FileInfo, error) {
	found := make(map[string]fs.FileInfo)
	err := filepath.WalkDir(service.config.Path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !service.isCandidate(entry.Name()) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		found[path] = info
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk file system: %w", err)
	}

	return found, nil
}

func (service *watchService) isCandidate(name string) bool {
	if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), BatchFileExtension) {
		return false
	}

	for _, re := range service.blacklist {
		if re.MatchString(name) {
			return false
		}
	}

	return true
}

// moveFile renames the file, falling back to copy and remove when the
// destination is on a different device.
func moveFile(src string, dest string) error {
	err := os.Rename(src, dest)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
