package blob

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketObjects = []byte("objects")

// PathConfig configures a PathStore.
type PathConfig struct {
	Root string
	// MetaPath is the bbolt index file. Defaults to Root/meta.db.
	MetaPath string
	NoSync   bool
	Timeout  time.Duration
}

// PathStore persists objects on the local filesystem and indexes their
// metadata in BoltDB. Exclusive writes are decided inside a bolt write
// transaction, so concurrent uploads of one key cannot both succeed.
type PathStore struct {
	root string
	db   *bolt.DB
	now  func() time.Time
}

// NewPathStore returns a Store rooted at cfg.Root.
func NewPathStore(cfg PathConfig) (*PathStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("pathstore: root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("pathstore: mkdir %s: %w", cfg.Root, err)
	}
	if cfg.MetaPath == "" {
		cfg.MetaPath = filepath.Join(cfg.Root, "meta.db")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.MetaPath, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("pathstore: open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pathstore: create bucket: %w", err)
	}
	return &PathStore{root: cfg.Root, db: db, now: time.Now}, nil
}

// Close releases the index.
func (p *PathStore) Close() error {
	return p.db.Close()
}

func (p *PathStore) Head(ctx context.Context, key string) (Meta, bool, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, false, err
	}
	var (
		meta Meta
		ok   bool
	)
	err := p.db.View(func(tx *bolt.Tx) error {
		var err error
		meta, ok, err = readMeta(tx, key)
		return err
	})
	return meta, ok, err
}

func (p *PathStore) Get(ctx context.Context, key string, opts GetOptions) (GetResult, error) {
	meta, ok, err := p.Head(ctx, key)
	if err != nil {
		return GetResult{}, err
	}
	if !ok {
		return Absent(), nil
	}
	if !opts.Conditional.Allows(meta.ETag, meta.Uploaded) {
		return NoBody(meta), nil
	}
	f, err := os.Open(p.pathForKey(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Absent(), nil
		}
		return GetResult{}, err
	}
	if opts.Range == nil {
		return WithBody(meta, nil, f), nil
	}
	eff, err := opts.Range.Clamp(meta.Size)
	if err != nil {
		f.Close()
		return GetResult{}, err
	}
	start, end, _ := eff.Bounds(meta.Size)
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return GetResult{}, err
	}
	body := readCloser{Reader: io.LimitReader(f, end-start+1), Closer: f}
	return WithBody(meta, &eff, body), nil
}

func (p *PathStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	file, err := os.CreateTemp(p.root, "upload-*")
	if err != nil {
		return Meta{}, err
	}
	tmpName := file.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	hasher := md5.New()
	n, err := io.Copy(io.MultiWriter(file, hasher), r)
	if err != nil {
		file.Close()
		return Meta{}, err
	}
	if opts.Size >= 0 && n != opts.Size {
		file.Close()
		return Meta{}, fmt.Errorf("pathstore: short body for %s: got %d of %d bytes: %w", key, n, opts.Size, io.ErrUnexpectedEOF)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return Meta{}, err
	}
	if err := file.Close(); err != nil {
		return Meta{}, err
	}

	meta := Meta{
		Key:      key,
		Size:     n,
		ETag:     hex.EncodeToString(hasher.Sum(nil)),
		Uploaded: p.now().UTC(),
		HTTP:     opts.HTTP,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return Meta{}, err
	}
	finalPath := p.pathForKey(key)
	err = p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		if opts.OnlyIfAbsent && bucket.Get([]byte(key)) != nil {
			return ErrAlreadyExists
		}
		if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
			return err
		}
		if err := os.Rename(tmpName, finalPath); err != nil {
			return err
		}
		committed = true
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return Meta{}, err
	}
	return meta, nil
}

func (p *PathStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	if err := os.Remove(p.pathForKey(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (p *PathStore) pathForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(p.root, name[:2], name[2:4], name)
}

func readMeta(tx *bolt.Tx, key string) (Meta, bool, error) {
	data := tx.Bucket(bucketObjects).Get([]byte(key))
	if data == nil {
		return Meta{}, false, nil
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, false, fmt.Errorf("pathstore: decode %s: %w", key, err)
	}
	return meta, true, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
