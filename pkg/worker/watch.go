package worker

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads workers as their files change until ctx is done. Writes
// are debounced per file; removed or renamed files stop being served.
func (s *Set) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := s.addTree(fsw, s.dir); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "worker.watch.start", slog.String("dir", s.dir), slog.String("pattern", s.pattern))

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			if t.Stop() {
				wg.Done()
			}
		}
		mu.Unlock()
		wg.Wait()
	}()

	schedule := func(rel string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := pending[rel]; ok && t.Stop() {
			wg.Done()
		}
		wg.Add(1)
		pending[rel] = time.AfterFunc(s.debounce, func() {
			defer wg.Done()
			mu.Lock()
			delete(pending, rel)
			mu.Unlock()
			s.reload(ctx, rel)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.addTree(fsw, ev.Name); err != nil {
						s.logger.WarnContext(ctx, "worker.watch.add_failed",
							slog.String("dir", ev.Name), slog.String("error", err.Error()))
					}
					// Files written before the directory was watched.
					for _, rel := range s.scriptsUnder(ev.Name) {
						schedule(rel)
					}
					continue
				}
			}
			rel, err := filepath.Rel(s.dir, ev.Name)
			if err != nil || !s.matches(rel) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				schedule(rel)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			s.logger.ErrorContext(ctx, "worker.watch.error", slog.String("error", err.Error()))
		}
	}
}

// reload brings one script in line with the file system.
func (s *Set) reload(ctx context.Context, rel string) {
	name, err := Name(rel)
	if err != nil {
		s.reject(ctx, rel, err)
		return
	}
	if _, err := os.Stat(filepath.Join(s.dir, rel)); os.IsNotExist(err) {
		s.mu.Lock()
		delete(s.errs, filepath.ToSlash(rel))
		s.mu.Unlock()
		s.remove(ctx, name)
		return
	}
	s.logger.DebugContext(ctx, "worker.reload", slog.String("worker", name))
	// A rejected reload keeps the previous version served.
	_ = s.loadFile(ctx, name, filepath.ToSlash(rel))
}

func (s *Set) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		return nil
	})
}

func (s *Set) scriptsUnder(root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(s.dir, p); err == nil && s.matches(rel) {
			out = append(out, rel)
		}
		return nil
	})
	return out
}
