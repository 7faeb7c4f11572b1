// Package trainer keeps the detector trained. It loads samples from training files or from the samples
// storage, reloads them when the files change and propagates spam/ham updates to the storage.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/trie-spam/app/dataset"
	"github.com/umputun/trie-spam/app/storage"
	"github.com/umputun/trie-spam/lib"
	"github.com/umputun/trie-spam/lib/trie"
)

// Trainer loads samples to the detector and keeps them in sync with the training files and the storage
type Trainer struct {
	Config
	detector Detector
	store    SamplesStore // optional, nil if samples are read from files only

	version atomic.Uint64 // incremented on every model change
	modelMu sync.Mutex    // serializes reloads, updates and removals, so a concurrent reload can't lose a change
}

// Config is a set of trainer parameters
type Config struct {
	TrainFiles         []string         // csv files with labeled samples
	ExcludedTokensFile string           // optional file with tokens dropped by the tokenizer
	Encoding           dataset.Encoding // encoding of the training files
	WatchDelay         time.Duration    // delay before reload after files change
	StoreTimeout       time.Duration    // timeout for storage updates, no timeout if 0
}

// Detector is a spam detector interface
type Detector interface {
	Load(samples iter.Seq[lib.Sample]) (lib.LoadResult, error)
	LoadExcludedTokens(readers ...io.Reader) int
	UpdateSpam(msg string) error
	UpdateHam(msg string) error
	RemoveSpam(msg string) (int, error)
	RemoveHam(msg string) (int, error)
}

// SamplesStore is a storage of training samples
type SamplesStore interface {
	Import(ctx context.Context, o storage.SampleOrigin, samples iter.Seq[lib.Sample], withCleanup bool) (*storage.SamplesStats, error)
	Iterator(ctx context.Context, class trie.Class, o storage.SampleOrigin) (iter.Seq[string], error)
	Add(ctx context.Context, class trie.Class, o storage.SampleOrigin, message string) error
	DeleteMessage(ctx context.Context, class trie.Class, message string) error
	Stats(ctx context.Context) (*storage.SamplesStats, error)
}

// ErrNoStorage is returned by operations requiring samples storage when the trainer has none
var ErrNoStorage = errors.New("samples storage is not configured")

// New makes a Trainer. The store can be nil, in this case samples are read from the files only
// and updates live in memory until the next reload.
func New(detector Detector, store SamplesStore, cfg Config) *Trainer {
	if cfg.WatchDelay <= 0 {
		cfg.WatchDelay = time.Second
	}
	return &Trainer{Config: cfg, detector: detector, store: store}
}

// ReloadSamples retrains the detector on every row of the training files. With the store the rows
// replace preset samples in it and user samples from the store are trained on top of them.
func (t *Trainer) ReloadSamples(ctx context.Context) (lib.LoadResult, error) {
	t.modelMu.Lock()
	defer t.modelMu.Unlock()
	log.Printf("[DEBUG] reloading samples from %v", t.TrainFiles)

	if t.ExcludedTokensFile != "" {
		fh, err := os.Open(t.ExcludedTokensFile)
		if err != nil {
			return lib.LoadResult{}, fmt.Errorf("failed to open excluded tokens file %q: %w", t.ExcludedTokensFile, err)
		}
		n := t.detector.LoadExcludedTokens(fh)
		_ = fh.Close()
		log.Printf("[DEBUG] loaded %d excluded tokens", n)
	}

	samples, err := dataset.ReadFiles(t.Encoding, t.TrainFiles...)
	if err != nil {
		return lib.LoadResult{}, fmt.Errorf("failed to read training files: %w", err)
	}

	if t.store != nil {
		st, err := t.store.Import(ctx, storage.SampleOriginPreset, slices.Values(samples), true)
		if err != nil {
			return lib.LoadResult{}, fmt.Errorf("failed to import samples: %w", err)
		}
		log.Printf("[INFO] samples in storage, %s", st)
		user, err := t.userSamples(ctx)
		if err != nil {
			return lib.LoadResult{}, err
		}
		samples = append(samples, user...)
	}

	lr, err := t.detector.Load(slices.Values(samples))
	if err != nil {
		return lib.LoadResult{}, fmt.Errorf("failed to load samples: %w", err)
	}
	t.version.Add(1)
	log.Printf("[INFO] samples reloaded, %s", lr)
	return lr, nil
}

// Watch reloads samples when training files or the excluded tokens file change. Events are collected for
// WatchDelay, so a burst of writes triggers a single reload. Blocks until the context is canceled.
func (t *Trainer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	errs := new(multierror.Error)
	files := append(slices.Clone(t.TrainFiles), t.ExcludedTokensFile)
	for _, file := range files {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to stat file %q: %w", file, err))
			continue
		}
		log.Printf("[DEBUG] add file %q to watcher", file)
		errs = multierror.Append(errs, watcher.Add(file))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to add some files to watcher: %w", err)
	}

	reloadTimer := time.NewTimer(t.WatchDelay)
	reloadTimer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] stopping watcher for training files: %v", ctx.Err())
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			log.Printf("[DEBUG] file %q updated, op: %v", event.Name, event.Op)
			reloadTimer.Reset(t.WatchDelay)
		case <-reloadTimer.C:
			if _, err := t.ReloadSamples(ctx); err != nil {
				log.Printf("[WARN] %v", err)
			}
		case e, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[WARN] watcher error: %v", e)
		}
	}
}

// UpdateSpam learns a spam message and keeps it in the storage as a user sample
func (t *Trainer) UpdateSpam(msg string) error { return t.update(msg, trie.Spam) }

// UpdateHam learns a ham message and keeps it in the storage as a user sample
func (t *Trainer) UpdateHam(msg string) error { return t.update(msg, trie.Ham) }

// RemoveSpam removes a spam message from the storage and unlearns it, storage.ErrNotFound if not stored
func (t *Trainer) RemoveSpam(msg string) (int, error) { return t.remove(msg, trie.Spam) }

// RemoveHam removes a ham message from the storage and unlearns it, storage.ErrNotFound if not stored
func (t *Trainer) RemoveHam(msg string) (int, error) { return t.remove(msg, trie.Ham) }

// Version returns a counter changed on every model update, including reloads
func (t *Trainer) Version() uint64 { return t.version.Load() }

// SamplesStats returns statistics of stored samples
func (t *Trainer) SamplesStats(ctx context.Context) (*storage.SamplesStats, error) {
	if t.store == nil {
		return nil, ErrNoStorage
	}
	return t.store.Stats(ctx)
}

// Samples returns stored messages of the class and origin, from the newest to the oldest
func (t *Trainer) Samples(ctx context.Context, class trie.Class, o storage.SampleOrigin) (iter.Seq[string], error) {
	if t.store == nil {
		return nil, ErrNoStorage
	}
	return t.store.Iterator(ctx, class, o)
}

func (t *Trainer) userSamples(ctx context.Context) ([]lib.Sample, error) {
	res := []lib.Sample{}
	for _, class := range []trie.Class{trie.Ham, trie.Spam} {
		messages, err := t.store.Iterator(ctx, class, storage.SampleOriginUser)
		if err != nil {
			return nil, fmt.Errorf("failed to read user %s samples: %w", class, err)
		}
		for msg := range messages {
			res = append(res, lib.Sample{Text: msg, Class: class})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user samples: %w", err)
	}
	return res, nil
}

func (t *Trainer) update(msg string, class trie.Class) error {
	if msg == "" {
		return fmt.Errorf("empty %s message", class)
	}
	t.modelMu.Lock()
	defer t.modelMu.Unlock()

	var err error
	if class == trie.Spam {
		err = t.detector.UpdateSpam(msg)
	} else {
		err = t.detector.UpdateHam(msg)
	}
	if err != nil {
		return fmt.Errorf("can't update %s: %w", class, err)
	}
	t.version.Add(1)

	if t.store == nil {
		return nil
	}
	ctx, cancel := t.storeContext()
	defer cancel()
	if err := t.store.Add(ctx, class, storage.SampleOriginUser, msg); err != nil {
		return fmt.Errorf("can't save %s sample: %w", class, err)
	}
	return nil
}

// remove deletes the sample from the store first, the model is changed only if the sample was stored.
// Without the store the message is unlearned as is.
func (t *Trainer) remove(msg string, class trie.Class) (int, error) {
	t.modelMu.Lock()
	defer t.modelMu.Unlock()

	if t.store != nil {
		ctx, cancel := t.storeContext()
		defer cancel()
		if err := t.store.DeleteMessage(ctx, class, msg); err != nil {
			return 0, fmt.Errorf("can't delete %s sample: %w", class, err)
		}
	}

	var (
		n   int
		err error
	)
	if class == trie.Spam {
		n, err = t.detector.RemoveSpam(msg)
	} else {
		n, err = t.detector.RemoveHam(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("can't remove %s: %w", class, err)
	}
	t.version.Add(1)
	return n, nil
}

func (t *Trainer) storeContext() (context.Context, context.CancelFunc) {
	if t.StoreTimeout > 0 {
		return context.WithTimeout(context.Background(), t.StoreTimeout)
	}
	return context.WithCancel(context.Background())
}
