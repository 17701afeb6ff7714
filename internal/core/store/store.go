package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/bgpack/catalogsync/internal/config"
)

const (
	driverLibsql = "libsql"

	memoryPath             = ":memory:"
	localBusyTimeoutMillis = 5000
)

// Store holds the record cache and health event history.
type Store struct {
	DB       *sql.DB
	driver   string
	location location
}

// location is a resolved libsql target. dsn may carry a credential; display never does.
type location struct {
	dsn     string
	display string
	// dir is created before opening; empty for remote and in-memory targets.
	dir   string
	local bool
}

// Open connects to the configured database and applies local SQLite settings.
// It does not migrate; call Migrate before use.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = driverLibsql
	}
	if driver != driverLibsql {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	loc, err := resolveLocation(cfg)
	if err != nil {
		return nil, err
	}
	if loc.dir != "" {
		// #nosec G301 -- cache directory is shared with operators
		if err := os.MkdirAll(loc.dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", loc.dir, err)
		}
	}

	db, err := sql.Open(driverLibsql, loc.dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", loc.display, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store %s: %w", loc.display, err)
	}
	if loc.local {
		if err := tuneLocal(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure store %s: %w", loc.display, err)
		}
	}

	return &Store{DB: db, driver: driver, location: loc}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

// Location describes where the store lives, without credentials.
func (s *Store) Location() string {
	if s == nil {
		return ""
	}
	return s.location.display
}

// tuneLocal pins file databases to one connection in WAL mode so cache
// writes from concurrent lookups queue on busy_timeout instead of failing.
func tuneLocal(ctx context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(1)

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("journal_mode: %w", err)
	}
	var timeout int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", localBusyTimeoutMillis)).Scan(&timeout); err != nil {
		return fmt.Errorf("busy_timeout: %w", err)
	}
	return nil
}

// resolveLocation turns store config into a libsql target. A URL wins over a path.
func resolveLocation(cfg config.StoreConfig) (location, error) {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		return remoteLocation(raw, strings.TrimSpace(cfg.AuthToken))
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return location{}, errors.New("store path or url is required")
	case path == memoryPath:
		return location{dsn: memoryPath, display: memoryPath}, nil
	case strings.HasPrefix(path, "libsql:"):
		return remoteLocation(path, "")
	case strings.HasPrefix(path, "file:"):
		file, err := filePart(path)
		if err != nil {
			return location{}, err
		}
		return location{dsn: path, display: file, dir: parentDir(file), local: true}, nil
	default:
		clean := filepath.Clean(path)
		return location{dsn: "file:" + clean, display: clean, dir: parentDir(clean), local: true}, nil
	}
}

func remoteLocation(raw, token string) (location, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return location{}, fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if token != "" && query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	dsn := parsed.String()

	query.Del("authToken")
	parsed.RawQuery = query.Encode()
	return location{dsn: dsn, display: parsed.Redacted()}, nil
}

func filePart(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}
	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func parentDir(path string) string {
	if path == "" || path == memoryPath {
		return ""
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}
