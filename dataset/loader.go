package dataset

import (
	"context"
	"fmt"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Source names a dataset: IrisName or a path to a CSV file.
type Source struct {
	Name     string
	Encoding string
}

func (s Source) String() string {
	return s.Name
}

func (s Source) key() string {
	return s.Name + "|" + strings.ToLower(s.Encoding)
}

// Loader parses datasets and keeps the most recently used ones in memory.
type Loader struct {
	cache *lru.Cache[string, *Dataset]
}

// NewLoader returns a loader caching up to size parsed datasets.
func NewLoader(size int) (*Loader, error) {
	cache, err := lru.New[string, *Dataset](size)
	if err != nil {
		return nil, err
	}
	return &Loader{cache: cache}, nil
}

// Load returns the validated dataset for src, from cache when possible.
func (l *Loader) Load(ctx context.Context, src Source) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ds, ok := l.cache.Get(src.key()); ok {
		return ds, nil
	}

	ds, err := read(src)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", src, err)
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", src, err)
	}
	l.cache.Add(src.key(), ds)
	return ds, nil
}

// Cached reports whether src is currently held in memory.
func (l *Loader) Cached(src Source) bool {
	return l.cache.Contains(src.key())
}

func read(src Source) (*Dataset, error) {
	if strings.EqualFold(src.Name, IrisName) {
		return Iris()
	}

	file, err := os.Open(src.Name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r, err := decodeReader(file, src.Encoding)
	if err != nil {
		return nil, err
	}
	return ReadCSV(src.Name, r)
}
