// Package driver implements the per-kind connectors of the fabric. The set
// of kinds is closed; each driver knows how to open, probe, introspect, and
// query one class of source, and everything above dispatches on the kind tag.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/datafabrix/fabric/internal/registry"
)

// Sentinel errors shared by drivers
var (
	// ErrConnectionFailed means the underlying connection could not be
	// established or has died mid-use
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotSupported means the source kind cannot perform the operation
	ErrNotSupported = errors.New("operation not supported by source kind")

	// ErrAuthRejected means the source rejected the credentials; terminal,
	// never retried
	ErrAuthRejected = errors.New("authentication rejected")
)

// Field is one typed field of a logical entity
type Field struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Entity is one logical unit of a source's schema: a table, a bucket, a
// directory, a stream, or an API collection.
type Entity struct {
	Name        string  `json:"name" yaml:"name"`
	Fields      []Field `json:"fields" yaml:"fields"`
	ApproxCount int64   `json:"approx_count" yaml:"approxCount"`
}

// Row is one result record of a sub-query
type Row map[string]any

// Query is the per-source slice of a federated query
type Query struct {
	// Entity names the logical entity to read
	Entity string

	// Fields projects the result; empty means every field
	Fields []string

	// Limit caps returned rows; zero means driver default
	Limit int
}

// Conn is one live connection to a source. A Conn is single-owner; the
// pool hands it out inside a lease and callers never share it.
type Conn interface {
	// Ping verifies the connection is alive
	Ping(ctx context.Context) error

	// Introspect lists the source's logical entities, up to limit
	Introspect(ctx context.Context, limit int) ([]Entity, error)

	// Query executes a sub-query and returns its rows
	Query(ctx context.Context, q Query) ([]Row, error)

	// Close tears the connection down
	Close() error
}

// Driver opens connections for one source kind
type Driver interface {
	// Kind returns the source kind this driver serves
	Kind() registry.Kind

	// Open establishes a new connection to the described source
	Open(ctx context.Context, desc registry.Descriptor) (Conn, error)
}

// Factory resolves drivers by kind and classifies unknown endpoints for
// the discovery engine.
type Factory struct {
	drivers map[registry.Kind]Driver
}

// NewFactory builds a factory over the default driver set
func NewFactory() *Factory {
	f := &Factory{drivers: make(map[registry.Kind]Driver)}
	f.register(NewRelationalDriver())
	f.register(NewObjectStoreDriver())
	f.register(NewFileSystemDriver())
	f.register(NewStreamDriver())
	f.register(NewHTTPAPIDriver())
	return f
}

// NewFactoryWith builds a factory over an explicit driver set; tests use
// this to substitute fakes.
func NewFactoryWith(drivers ...Driver) *Factory {
	f := &Factory{drivers: make(map[registry.Kind]Driver)}
	for _, d := range drivers {
		f.register(d)
	}
	return f
}

func (f *Factory) register(d Driver) {
	f.drivers[d.Kind()] = d
}

// ForKind returns the driver serving the given kind
func (f *Factory) ForKind(kind registry.Kind) (Driver, error) {
	d, ok := f.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no driver for kind %s", ErrNotSupported, kind)
	}
	return d, nil
}

// Classify infers the source kind from an endpoint address. The scheme is
// authoritative; discovery then confirms with a live probe.
func Classify(address string) (registry.Kind, error) {
	switch {
	case strings.HasPrefix(address, "postgres://"), strings.HasPrefix(address, "postgresql://"):
		return registry.KindRelational, nil
	case strings.HasPrefix(address, "s3://"):
		return registry.KindObjectStore, nil
	case strings.HasPrefix(address, "file://"):
		return registry.KindFileSystem, nil
	case strings.HasPrefix(address, "nats://"):
		return registry.KindMessageStream, nil
	case strings.HasPrefix(address, "http://"), strings.HasPrefix(address, "https://"):
		return registry.KindHTTPAPI, nil
	}
	return "", fmt.Errorf("unrecognized endpoint scheme: %s", address)
}

// ResolveCredential maps a credentials reference to its secret material.
// References resolve through the environment (FABRIC_CREDENTIAL_<REF>);
// the registry itself never stores secrets.
func ResolveCredential(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	key := "FABRIC_CREDENTIAL_" + strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("credential reference %q is not resolvable (%s unset)", ref, key)
	}
	return value, nil
}
