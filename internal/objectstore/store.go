// Package objectstore lists and reads the raw JSON objects the warehouse loads.
//
// Objects are addressed by location strings: "s3://bucket/prefix" for S3, and
// "file:///path" or a plain filesystem path for local data. A location may name a
// single object, a directory, or a key prefix; listing a prefix returns every object
// whose key starts with it, like a bulk COPY does.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Location schemes.
const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Sentinel errors for object store operations.
var (
	// ErrInvalidLocation is returned when a location string cannot be parsed.
	ErrInvalidLocation = errors.New("invalid object location")

	// ErrUnsupportedScheme is returned when no store is registered for a location's scheme.
	ErrUnsupportedScheme = errors.New("unsupported location scheme")

	// ErrNoObjects is returned when a location matches no objects.
	ErrNoObjects = errors.New("no objects found")
)

type (
	// Location is a parsed object location.
	Location struct {
		Scheme string
		Bucket string // S3 only
		Path   string // key prefix for S3, filesystem path for local locations
	}

	// Object is one listed object.
	Object struct {
		// Location is the full location of the object, accepted by Store.Open.
		Location string
		Key      string
	}

	// Store lists and opens objects.
	Store interface {
		// List returns the objects under location, sorted by key.
		List(ctx context.Context, location string) ([]Object, error)
		// Open returns a reader for the object at location. The caller closes it.
		Open(ctx context.Context, location string) (io.ReadCloser, error)
	}

	// Mux dispatches to a Store by location scheme.
	Mux struct {
		stores map[string]Store
	}
)

// ParseLocation parses a location string.
func ParseLocation(raw string) (Location, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Location{}, fmt.Errorf("%w: location cannot be empty", ErrInvalidLocation)
	}

	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		return Location{Scheme: SchemeFile, Path: s}, nil
	}

	switch strings.ToLower(scheme) {
	case SchemeS3:
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidLocation, raw)
		}

		return Location{Scheme: SchemeS3, Bucket: bucket, Path: prefix}, nil
	case SchemeFile:
		if rest == "" {
			return Location{}, fmt.Errorf("%w: %q has no path", ErrInvalidLocation, raw)
		}

		return Location{Scheme: SchemeFile, Path: rest}, nil
	default:
		return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// String formats the location back into its canonical string form.
func (l Location) String() string {
	if l.Scheme == SchemeS3 {
		return "s3://" + l.Bucket + "/" + l.Path
	}

	return l.Path
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{stores: make(map[string]Store)}
}

// Handle registers store for scheme, replacing any previous registration.
func (m *Mux) Handle(scheme string, store Store) *Mux {
	m.stores[strings.ToLower(scheme)] = store
	return m
}

// List implements Store.
func (m *Mux) List(ctx context.Context, location string) ([]Object, error) {
	store, err := m.route(location)
	if err != nil {
		return nil, err
	}

	return store.List(ctx, location)
}

// Open implements Store.
func (m *Mux) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	store, err := m.route(location)
	if err != nil {
		return nil, err
	}

	return store.Open(ctx, location)
}

func (m *Mux) route(location string) (Store, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}

	store, ok := m.stores[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no store registered for %q", ErrUnsupportedScheme, loc.Scheme)
	}

	return store, nil
}

// ReadAll opens location and reads it fully.
func ReadAll(ctx context.Context, store Store, location string) ([]byte, error) {
	r, err := store.Open(ctx, location)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = r.Close()
	}()

	return io.ReadAll(r)
}
